package processor

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/adverant/nexus/readout-worker/internal/errors"
)

// Backend wraps one OCR engine. Recognize performs a single engine invocation and
// returns a normalized result or a *errors.RecognitionError with code
// BACKEND_UNAVAILABLE or BACKEND_CRASHED. Implementations must honour ctx cancellation.
type Backend interface {
	Engine() EngineKind
	Recognize(ctx context.Context, img Image, cfg BackendConfig) (*RawResult, error)
}

// Tunable is implemented by backends whose accuracy depends on a scalar parameter
type Tunable interface {
	// Parameter names the tunable, e.g. "threshold"
	Parameter() string
	// WithParameter returns a copy of cfg with the tunable set to v
	WithParameter(cfg BackendConfig, v float64) BackendConfig
}

// Describer reports engine version information
type Describer interface {
	Version(ctx context.Context) (string, error)
}

// LanguageLister reports the model identifiers an engine can load
type LanguageLister interface {
	Languages(ctx context.Context) ([]string, error)
}

// EngineInfo describes one registered engine
type EngineInfo struct {
	Engine    EngineKind `json:"engine"`
	Tunable   string     `json:"tunable,omitempty"`
	Version   string     `json:"version,omitempty"`
	Languages []string   `json:"languages,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Registry maps engine kinds to backends. It is built once and read concurrently.
type Registry struct {
	backends map[EngineKind]Backend
}

// NewRegistry creates a registry; nil backends are skipped and later ones replace earlier ones
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[EngineKind]Backend, len(backends))}
	for _, b := range backends {
		if b != nil {
			r.backends[b.Engine()] = b
		}
	}
	return r
}

// Get returns the backend for kind
func (r *Registry) Get(kind EngineKind) (Backend, bool) {
	if r == nil {
		return nil, false
	}
	b, ok := r.backends[kind]
	return b, ok
}

// Engines returns the registered engine kinds in name order
func (r *Registry) Engines() []EngineKind {
	if r == nil {
		return nil
	}
	kinds := make([]EngineKind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Describe queries every engine for its version and languages
func (r *Registry) Describe(ctx context.Context) []EngineInfo {
	infos := make([]EngineInfo, 0, len(r.Engines()))
	for _, kind := range r.Engines() {
		b := r.backends[kind]
		info := EngineInfo{Engine: kind}
		if t, ok := b.(Tunable); ok {
			info.Tunable = t.Parameter()
		}
		if d, ok := b.(Describer); ok {
			v, err := d.Version(ctx)
			if err != nil {
				info.Error = err.Error()
			}
			info.Version = v
		}
		if l, ok := b.(LanguageLister); ok && info.Error == "" {
			langs, err := l.Languages(ctx)
			if err != nil {
				info.Error = err.Error()
			}
			info.Languages = langs
		}
		infos = append(infos, info)
	}
	return infos
}

// classifyRunError maps a runner error onto the backend failure taxonomy
func classifyRunError(backend string, err error) error {
	if stderrors.Is(err, errExecutableMissing) {
		return errors.NewBackendUnavailableError(backend, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewBackendCrashedError(backend, "engine call did not finish in time", err)
	}
	return errors.NewBackendCrashedError(backend, "engine call failed", err)
}
