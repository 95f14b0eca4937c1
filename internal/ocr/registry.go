package ocr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adverant/nexus/answer-extraction-worker/internal/logging"
)

// EngineKind selects the client used for an engine spec
type EngineKind string

const (
	KindHTTP   EngineKind = "http"
	KindVision EngineKind = "vision"
)

// EngineSpec describes one configured engine
type EngineSpec struct {
	ID      string
	Kind    EngineKind
	URL     string
	Timeout time.Duration
}

// Registry holds the recognizers available to the dispatcher
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]Recognizer
	logger      *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		recognizers: make(map[string]Recognizer),
		logger:      logger,
	}
}

// NewRegistryFromSpecs builds HTTP and vision recognizers from specs
func NewRegistryFromSpecs(specs []EngineSpec, logger *logging.Logger) (*Registry, error) {
	reg := NewRegistry(logger)
	for _, spec := range specs {
		var (
			r   Recognizer
			err error
		)
		switch spec.Kind {
		case KindVision:
			r, err = NewVisionRecognizer(VisionEngineConfig{
				ID:      spec.ID,
				BaseURL: spec.URL,
				Timeout: spec.Timeout,
				Logger:  reg.logger.With(spec.ID),
			})
		case KindHTTP, "":
			r, err = NewHTTPRecognizer(HTTPEngineConfig{
				ID:      spec.ID,
				BaseURL: spec.URL,
				Timeout: spec.Timeout,
				Logger:  reg.logger.With(spec.ID),
			})
		default:
			err = fmt.Errorf("unknown engine kind %q", spec.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("engine %s: %w", spec.ID, err)
		}
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds a recognizer; IDs must be unique
func (r *Registry) Register(rec Recognizer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.recognizers[rec.ID()]; exists {
		return fmt.Errorf("engine %s already registered", rec.ID())
	}
	r.recognizers[rec.ID()] = rec
	r.logger.Info("Registered recognition engine", "engine", rec.ID(), "timeout", rec.Timeout().String())
	return nil
}

// Recognizers returns all registered recognizers ordered by ID
func (r *Registry) Recognizers() []Recognizer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Recognizer, 0, len(r.recognizers))
	for _, rec := range r.recognizers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered recognizers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.recognizers)
}

// HealthCheckAll probes every recognizer that supports it. Failures are
// reported, never fatal: an unhealthy engine just contributes nothing.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, rec := range r.Recognizers() {
		hc, ok := rec.(HealthChecker)
		if !ok {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := hc.HealthCheck(checkCtx)
		cancel()
		results[rec.ID()] = err
		if err != nil {
			r.logger.Warn("Engine health check failed (engine will still be dispatched)", "engine", rec.ID(), "error", err)
		} else {
			r.logger.Info("Engine health check passed", "engine", rec.ID())
		}
	}
	return results
}
