/**
 * Recognizer for the readout worker
 *
 * Orchestrates one recognition call:
 * - resolves the instrument profile and per-call overrides
 * - applies the preprocessing tasks once
 * - runs each configured backend in priority order (parameter search, then validation)
 * - returns the first accepted reading, or a typed failure
 *
 * A single wall-clock budget covers the whole call. Backends run strictly one
 * after another; concurrent calls share nothing but the engine executables.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/logging"
)

// Recognition defaults
const (
	DefaultTimeout      = 10 * time.Second
	DefaultCallTimeout  = 5 * time.Second
	DefaultMaxImageSize = 10 << 20
)

// ErrProfileNotFound is returned by a ProfileStore for unknown names
var ErrProfileNotFound = stderrors.New("profile not found")

// ProfileStore resolves named instrument presets
type ProfileStore interface {
	GetProfile(ctx context.Context, name string) (*Profile, error)
	ListProfiles(ctx context.Context) ([]Profile, error)
}

// RecognizerInterface defines the interface for recognition
type RecognizerInterface interface {
	Recognize(ctx context.Context, req *RecognizeRequest) (*Reading, error)
}

// RecognizerConfig holds recognizer configuration
type RecognizerConfig struct {
	Backends           *Registry
	Profiles           ProfileStore // optional
	Logger             *logging.Logger
	DefaultTimeout     time.Duration
	DefaultCallTimeout time.Duration
	MaxImageSize       int64
}

// Recognizer runs recognition calls. It holds no per-call state and is safe for concurrent use.
type Recognizer struct {
	backends     *Registry
	profiles     ProfileStore
	logger       *logging.Logger
	timeout      time.Duration
	callTimeout  time.Duration
	maxImageSize int64
}

// NewRecognizer creates a new recognizer
func NewRecognizer(cfg *RecognizerConfig) (*Recognizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Backends == nil || len(cfg.Backends.Engines()) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}

	r := &Recognizer{
		backends:     cfg.Backends,
		profiles:     cfg.Profiles,
		logger:       cfg.Logger,
		timeout:      cfg.DefaultTimeout,
		callTimeout:  cfg.DefaultCallTimeout,
		maxImageSize: cfg.MaxImageSize,
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	if r.maxImageSize <= 0 {
		r.maxImageSize = DefaultMaxImageSize
	}

	return r, nil
}

// Backends returns the engine registry
func (r *Recognizer) Backends() *Registry {
	return r.backends
}

// Profiles returns the profile store, or nil
func (r *Recognizer) Profiles() ProfileStore {
	return r.profiles
}

// plan is a request with its profile and defaults resolved
type plan struct {
	requestID string
	image     Image
	backends  []BackendConfig
	rule      ValidationRule
	timeout   time.Duration
	tasks     []Task
}

// Recognize produces exactly one Reading or one *errors.RecognitionError
func (r *Recognizer) Recognize(ctx context.Context, req *RecognizeRequest) (*Reading, error) {
	startTime := time.Now()

	p, err := r.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	log := r.logger.With("request_id", p.requestID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log.Info("Starting recognition",
		"backends", len(p.backends), "timeout", p.timeout, "preprocess", len(p.tasks))

	var (
		attempts []errors.Attempt
		failures []*errors.RecognitionError
	)

	timeout := func() (*Reading, error) {
		log.Warn("Recognition timed out", "elapsed", time.Since(startTime), "attempts", len(attempts))
		return nil, errors.NewTimeoutError(p.timeout, attempts, ctx.Err()).WithRequestID(p.requestID)
	}

	img, err := Preprocess(ctx, p.image, p.tasks)
	if ctx.Err() != nil {
		return timeout()
	}
	if err != nil {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf("preprocessing failed: %v", err)).WithRequestID(p.requestID)
	}

	for i, bc := range p.backends {
		id := bc.ID()
		if ctx.Err() != nil {
			return timeout()
		}

		backend, ok := r.backends.Get(bc.Engine)
		if !ok {
			unavailable := errors.NewBackendUnavailableError(id, fmt.Errorf("no %q engine is registered", bc.Engine))
			unavailable.Attempts = []errors.Attempt{{Backend: id, Outcome: errors.OutcomeUnavailable, Error: unavailable.Message}}
			attempts = append(attempts, unavailable.Attempts...)
			failures = append(failures, unavailable)
			log.Warn("Backend not registered, trying next", "backend", id, "engine", bc.Engine)
			continue
		}

		log.Debug("Running backend", "backend", id, "engine", bc.Engine, "priority", i)
		res, err := Search(ctx, backend, img, bc, p.rule, SearchOptions{
			CallTimeout: bc.CallTimeout(r.callTimeout),
			Logger:      log,
		})
		attempts = append(attempts, res.Attempts...)

		// the budget wins over anything the search produced
		if ctx.Err() != nil {
			return timeout()
		}

		if err != nil {
			failure := asRecognitionError(id, err)
			failures = append(failures, failure)
			log.Warn("Backend failed, trying next", "backend", id, "error_code", failure.Code, "error", failure.Message)
			continue
		}

		reading, err := Validate(res.Raw, p.rule)
		if err != nil {
			rejected := asRecognitionError(id, err)
			if n := len(res.Attempts); n > 0 {
				res.Attempts[n-1].Outcome = errors.OutcomeRejected
				res.Attempts[n-1].Error = rejected.Message
				attempts[len(attempts)-1] = res.Attempts[n-1]
			}
			rejected.Attempts = res.Attempts
			rejected.Parameters = res.Parameters
			failures = append(failures, rejected)
			log.Warn("Result rejected, trying next", "backend", id, "reason", rejected.Reason, "text", res.Raw.Text)
			continue
		}

		reading.RequestID = p.requestID
		reading.Attempts = len(attempts)
		reading.Elapsed = time.Since(startTime)
		log.Info("Recognition complete",
			"backend", id, "text", reading.Text, "attempts", reading.Attempts, "elapsed", reading.Elapsed)
		return reading, nil
	}

	log.Warn("All backends failed", "backends", len(p.backends), "attempts", len(attempts))
	return nil, errors.NewAggregateFailureError(failures).WithRequestID(p.requestID)
}

// resolve merges the profile, the request overrides and the defaults, and validates the result
func (r *Recognizer) resolve(ctx context.Context, req *RecognizeRequest) (*plan, error) {
	if req == nil {
		return nil, errors.NewInvalidRequestError("request is required")
	}

	p := &plan{
		requestID: req.RequestID,
		image:     req.Image,
		timeout:   r.timeout,
	}
	if p.requestID == "" {
		p.requestID = uuid.NewString()
	}
	invalid := func(format string, args ...interface{}) (*plan, error) {
		return nil, errors.NewInvalidRequestError(fmt.Sprintf(format, args...)).WithRequestID(p.requestID)
	}

	if req.Profile != "" {
		if r.profiles == nil {
			return invalid("profile %q requested but no profile store is configured", req.Profile)
		}
		profile, err := r.profiles.GetProfile(ctx, req.Profile)
		if err != nil {
			if stderrors.Is(err, ErrProfileNotFound) {
				return invalid("unknown profile %q", req.Profile)
			}
			re := errors.NewInvalidRequestError(fmt.Sprintf("failed to load profile %q", req.Profile))
			re.Cause = err
			return nil, re.WithRequestID(p.requestID)
		}
		p.backends = profile.Backends
		p.rule = profile.Rule
		p.tasks = profile.Preprocess
		if profile.TimeoutMs > 0 {
			p.timeout = time.Duration(profile.TimeoutMs) * time.Millisecond
		}
	}

	if len(req.Backends) > 0 {
		p.backends = req.Backends
	}
	if req.Rule != nil {
		p.rule = *req.Rule
	}
	if len(req.Preprocess) > 0 {
		p.tasks = req.Preprocess
	}
	if req.TimeoutMs > 0 {
		p.timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	if err := p.image.Validate(); err != nil {
		return invalid("%v", err)
	}
	if int64(len(p.image.Data)) > r.maxImageSize {
		return invalid("image is %d bytes, limit is %d", len(p.image.Data), r.maxImageSize)
	}
	if len(p.backends) == 0 {
		return invalid("no backends configured")
	}
	// copy so that filling search defaults never touches a stored profile
	p.backends = append([]BackendConfig(nil), p.backends...)
	for i := range p.backends {
		bc := &p.backends[i]
		if bc.Engine == "" {
			return invalid("backends[%d]: engine is required", i)
		}
		if bc.Search != nil {
			sc := bc.Search.WithDefaults()
			if err := sc.Check(); err != nil {
				return invalid("backends[%d]: %v", i, err)
			}
			bc.Search = &sc
		}
	}
	if err := p.rule.Check(); err != nil {
		return invalid("rule: %v", err)
	}
	if err := CheckTasks(p.tasks); err != nil {
		return invalid("%v", err)
	}

	return p, nil
}

func asRecognitionError(backend string, err error) *errors.RecognitionError {
	var re *errors.RecognitionError
	if stderrors.As(err, &re) {
		return re
	}
	return errors.NewBackendCrashedError(backend, err.Error(), err)
}
