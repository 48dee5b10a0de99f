/**
 * Parameter Search - Bounded threshold search for tunable backends
 *
 * Segment recognition is very sensitive to the binarization cutoff and no
 * fixed value works under every lighting condition, so the threshold is
 * stepped from an initial value until the output is structurally valid.
 * The first structurally valid value wins.
 */

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/logging"
)

// Check rejects search bounds that cannot produce a single attempt
func (c SearchConfig) Check() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("maxIterations must be at least 1")
	}
	if c.Min > c.Max {
		return fmt.Errorf("search range [%g,%g] is empty", c.Min, c.Max)
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return fmt.Errorf("initial value %g outside [%g,%g]", c.Initial, c.Min, c.Max)
	}
	return nil
}

// Values returns the parameter values to try, in order.
// The sequence is initial + i*step for i < maxIterations, cut short when it leaves [min,max].
// A zero step yields only the initial value.
func (c SearchConfig) Values() []float64 {
	if c.MaxIterations < 1 {
		return nil
	}
	if c.Step == 0 {
		return []float64{c.Initial}
	}
	values := make([]float64, 0, c.MaxIterations)
	for i := 0; i < c.MaxIterations; i++ {
		v := c.Initial + float64(i)*c.Step
		if v < c.Min || v > c.Max {
			break
		}
		values = append(values, v)
	}
	return values
}

// searchConfigFor returns the effective search of a tunable backend config.
// Without an explicit search the default one starts from the configured threshold.
func searchConfigFor(cfg BackendConfig) SearchConfig {
	if cfg.Search != nil {
		return cfg.Search.WithDefaults()
	}
	sc := DefaultSearchConfig()
	if cfg.Threshold > 0 && cfg.Threshold <= sc.Max {
		sc.Initial = cfg.Threshold
	}
	return *sc
}

// SearchOptions controls one search run
type SearchOptions struct {
	// CallTimeout bounds each adapter call; the parent context deadline still applies
	CallTimeout time.Duration
	Logger      *logging.Logger
}

// SearchResult is the outcome of one search run.
// Attempts is filled in even when Search returns an error.
type SearchResult struct {
	Raw        *RawResult
	Attempts   []errors.Attempt
	Parameters []float64
}

// Search drives backend until it yields a structurally valid result.
//
// Non-tunable backends are called exactly once and their result is returned
// without a structural check. For tunable backends BACKEND_UNAVAILABLE aborts
// the search, crashes are recorded and the search moves on, and exhaustion
// returns SEARCH_EXHAUSTED (or the crash when every attempt crashed).
// If ctx ends, Search returns ctx.Err().
func Search(ctx context.Context, backend Backend, img Image, cfg BackendConfig, rule ValidationRule, opts SearchOptions) (*SearchResult, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	id := cfg.ID()
	res := &SearchResult{}

	tunable, ok := backend.(Tunable)
	if !ok {
		raw, attempt, err := invoke(ctx, backend, img, cfg, nil, opts.CallTimeout)
		res.Attempts = append(res.Attempts, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			attachAttempts(err, res)
			return res, err
		}
		res.Raw = raw
		return res, nil
	}

	sc := searchConfigFor(cfg)
	if err := sc.Check(); err != nil {
		return res, errors.NewInvalidRequestError(fmt.Sprintf("backend %s: %v", id, err))
	}

	var (
		lastText  string
		lastCrash error
		crashes   int
	)

	for i, v := range sc.Values() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		param := v
		res.Parameters = append(res.Parameters, param)
		raw, attempt, err := invoke(ctx, backend, img, tunable.WithParameter(cfg, param), &param, opts.CallTimeout)

		if err != nil {
			res.Attempts = append(res.Attempts, attempt)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if errors.HasCode(err, errors.ErrorBackendUnavailable) {
				attachAttempts(err, res)
				return res, err
			}
			log.Debug("Search attempt crashed",
				"backend", id, "iteration", i, tunable.Parameter(), param, "error", err)
			lastCrash = err
			crashes++
			continue
		}

		raw.Parameter = &param
		if reason, msg := rule.Structural(raw.Text); reason != "" {
			attempt.Outcome = errors.OutcomeStructural
			attempt.Error = msg
			res.Attempts = append(res.Attempts, attempt)
			lastText = raw.Text
			log.Debug("Search attempt rejected",
				"backend", id, "iteration", i, tunable.Parameter(), param, "text", raw.Text, "reason", reason)
			continue
		}

		attempt.Outcome = errors.OutcomeAccepted
		res.Attempts = append(res.Attempts, attempt)
		res.Raw = raw
		log.Debug("Search converged",
			"backend", id, "iteration", i, tunable.Parameter(), param, "text", raw.Text)
		return res, nil
	}

	if crashes > 0 && crashes == len(res.Attempts) {
		attachAttempts(lastCrash, res)
		return res, lastCrash
	}

	return res, errors.NewSearchExhaustedError(id, res.Parameters, lastText, res.Attempts)
}

// invoke runs one adapter call under its own timeout and records it
func invoke(ctx context.Context, backend Backend, img Image, cfg BackendConfig, param *float64, timeout time.Duration) (*RawResult, errors.Attempt, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := backend.Recognize(callCtx, img, cfg)
	attempt := errors.Attempt{
		Backend:   cfg.ID(),
		Parameter: param,
		Duration:  time.Since(start),
	}

	switch {
	case err != nil:
		attempt.Error = err.Error()
		switch {
		case ctx.Err() != nil:
			attempt.Outcome = errors.OutcomeTimedOut
		case errors.HasCode(err, errors.ErrorBackendUnavailable):
			attempt.Outcome = errors.OutcomeUnavailable
		default:
			attempt.Outcome = errors.OutcomeCrashed
		}
		return nil, attempt, err
	case raw == nil:
		attempt.Outcome = errors.OutcomeCrashed
		attempt.Error = "backend returned no result"
		return nil, attempt, errors.NewBackendCrashedError(cfg.ID(), "backend returned no result", nil)
	}

	attempt.Text = raw.Text
	attempt.Outcome = errors.OutcomeSingleResult
	return raw, attempt, nil
}

// attachAttempts copies the search history onto a backend failure
func attachAttempts(err error, res *SearchResult) {
	if re, ok := err.(*errors.RecognitionError); ok {
		re.Attempts = res.Attempts
		re.Parameters = res.Parameters
	}
}
