package breaker

import (
	"context"
	"sync"

	"github.com/akaverin/sessionguard/internal/logger"
)

// Registry keeps one breaker per named dependency
// Database, cache, websocket and third-party calls each get independent state
type Registry struct {
	defaults Settings
	logger   logger.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(defaults Settings, log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	return &Registry{
		defaults: defaults.withDefaults(),
		logger:   log,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker of the name creating it lazily
// Overrides apply on first creation only, zero fields fall back to defaults
func (r *Registry) GetOrCreate(name string, overrides ...Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	settings := r.defaults
	if len(overrides) > 0 {
		settings = r.merge(overrides[0])
	}

	b := New(name, settings, r.logger.With("breaker", name))
	r.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.GetOrCreate(name).Execute(ctx, fn)
}

// States returns a stats snapshot of every known breaker
func (r *Registry) States() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.Stats()
	}
	return states
}

// Healthy reports whether no breaker is open right now
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return false
		}
	}
	return true
}

// ResetAll force-closes every breaker, operational escape hatch
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.ForceReset()
	}
}

func (r *Registry) merge(overrides Settings) Settings {
	merged := r.defaults
	if overrides.FailureThreshold != 0 {
		merged.FailureThreshold = overrides.FailureThreshold
	}
	if overrides.VolumeThreshold != 0 {
		merged.VolumeThreshold = overrides.VolumeThreshold
	}
	if overrides.ResetTimeout != 0 {
		merged.ResetTimeout = overrides.ResetTimeout
	}
	if overrides.HalfOpenMaxCalls != 0 {
		merged.HalfOpenMaxCalls = overrides.HalfOpenMaxCalls
	}
	if overrides.CallTimeout != 0 {
		merged.CallTimeout = overrides.CallTimeout
	}
	if overrides.MonitoringPeriod != 0 {
		merged.MonitoringPeriod = overrides.MonitoringPeriod
	}
	return merged
}
