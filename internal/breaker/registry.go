package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config carries the shared thresholds applied to every breaker the
// registry creates.
type Config struct {
	VolumeThreshold  uint32
	ErrorRatePercent uint32
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
	OnStateChange    func(name string, from, to State)
}

// Registry hands out one breaker per downstream name, creating them lazily.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(Settings{
		Name:             name,
		VolumeThreshold:  r.cfg.VolumeThreshold,
		ErrorRatePercent: r.cfg.ErrorRatePercent,
		ResetTimeout:     r.cfg.ResetTimeout,
		CallTimeout:      r.cfg.CallTimeout,
		OnStateChange:    r.cfg.OnStateChange,
	}, r.log)
	r.breakers[name] = b
	return b
}

// States snapshots the current state of every breaker, keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
