// Package breaker implements a per-provider circuit breaker. The breaker
// trips open when the recent failure rate crosses a threshold, rejects calls
// while open, and lets a single probe through after a cooldown to decide
// whether the downstream has recovered.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker is open")

// ErrCallTimeout is returned when the wrapped call exceeds the per-call
// deadline. Timeouts count as failures toward tripping the breaker.
var ErrCallTimeout = errors.New("call timed out")

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Counts tracks call outcomes within the current generation.
type Counts struct {
	Requests uint32
	Failures uint32
}

func (c *Counts) record(failed bool) {
	c.Requests++
	if failed {
		c.Failures++
	}
}

// Settings configures a Breaker. Zero values fall back to conservative
// defaults.
type Settings struct {
	Name             string
	VolumeThreshold  uint32        // minimum calls before the error rate is evaluated
	ErrorRatePercent uint32        // failure percentage that trips the breaker
	ResetTimeout     time.Duration // how long to stay open before probing
	CallTimeout      time.Duration // per-call deadline; 0 disables it
	OnStateChange    func(name string, from, to State)
}

func (s *Settings) withDefaults() {
	if s.VolumeThreshold == 0 {
		s.VolumeThreshold = 5
	}
	if s.ErrorRatePercent == 0 {
		s.ErrorRatePercent = 50
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = 30 * time.Second
	}
}

// Breaker wraps calls to a single downstream dependency.
type Breaker struct {
	name             string
	volumeThreshold  uint32
	errorRatePercent uint32
	resetTimeout     time.Duration
	callTimeout      time.Duration
	onStateChange    func(name string, from, to State)
	log              zerolog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openedAt   time.Time
	probing    bool
	fallback   func(ctx context.Context, err error) error

	now func() time.Time
}

// New creates a Breaker in the closed state.
func New(settings Settings, log zerolog.Logger) *Breaker {
	settings.withDefaults()
	return &Breaker{
		name:             settings.Name,
		volumeThreshold:  settings.VolumeThreshold,
		errorRatePercent: settings.ErrorRatePercent,
		resetTimeout:     settings.ResetTimeout,
		callTimeout:      settings.CallTimeout,
		onStateChange:    settings.OnStateChange,
		log:              log.With().Str("breaker", settings.Name).Logger(),
		now:              time.Now,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// SetFallback installs a substitute for rejected and failed calls. The
// fallback result is returned to the caller but never recorded as a
// success, so it cannot hold the breaker closed.
func (b *Breaker) SetFallback(fn func(ctx context.Context, err error) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = fn
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn under the breaker. While open it returns ErrOpen without
// calling fn. In half-open state only one probe runs at a time; concurrent
// callers are rejected with ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := b.acquire()
	if err != nil {
		return b.substitute(ctx, err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
		defer cancel()
	}

	callErr := fn(callCtx)
	if callErr != nil && errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() == nil {
		// The per-call deadline fired, not the caller's context.
		callErr = ErrCallTimeout
	}

	b.release(generation, callErr != nil)
	if callErr != nil {
		return b.substitute(ctx, callErr)
	}
	return nil
}

// substitute hands err to the fallback, if one is installed. The failure
// has already been counted by this point.
func (b *Breaker) substitute(ctx context.Context, err error) error {
	b.mu.Lock()
	fn := b.fallback
	b.mu.Unlock()

	if fn == nil {
		return err
	}
	return fn(ctx, err)
}

// acquire decides whether a call may proceed and returns the generation the
// outcome must be recorded against.
func (b *Breaker) acquire() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.generation, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return 0, ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return b.generation, nil

	case StateHalfOpen:
		if b.probing {
			return 0, ErrOpen
		}
		b.probing = true
		return b.generation, nil
	}

	return 0, ErrOpen
}

// release records the call outcome. Outcomes from a previous generation are
// discarded so a slow call cannot re-trip a breaker that already reset.
func (b *Breaker) release(generation uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		b.counts.record(failed)
		if b.shouldTrip() {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		b.probing = false
		if failed {
			b.transition(StateOpen)
		} else {
			b.transition(StateClosed)
		}
	}
}

// shouldTrip is called with the lock held.
func (b *Breaker) shouldTrip() bool {
	if b.counts.Requests < b.volumeThreshold {
		return false
	}
	return b.counts.Failures*100 >= b.errorRatePercent*b.counts.Requests
}

// transition moves to a new state with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.generation++
	b.counts = Counts{}
	b.probing = false

	if to == StateOpen {
		b.openedAt = b.now()
	}

	b.log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")

	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
