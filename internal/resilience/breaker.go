// Package resilience spreads recognition sessions across several backend
// endpoints.
//
// Every endpoint sits behind its own [Breaker]. An endpoint that keeps
// refusing connections is skipped for a cooldown period and then probed again,
// so a dead primary costs one failed dial per cooldown instead of one per
// session. [Failover] strings the endpoints together behind a single
// [transport.Dialer].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Allow] while the endpoint is cooling down.
var ErrOpen = errors.New("resilience: endpoint breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe attempts through. The first
	// successful probe closes the breaker; a failed one re-opens it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults below.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that open the breaker.
	// Default: 3.
	Threshold int

	// Cooldown is how long an open breaker rejects attempts. Default: 30s.
	Cooldown time.Duration

	// Probes caps concurrent attempts while half-open. Default: 1.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	return c
}

// Breaker tracks the health of one endpoint. Callers bracket every attempt
// with [Breaker.Allow] and exactly one of [Breaker.Success],
// [Breaker.Failure] or [Breaker.Release].
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int
}

// BreakerOption configures a [Breaker].
type BreakerOption func(*Breaker)

// WithClock replaces time.Now. Tests use it to step through cooldowns.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBreaker returns a closed breaker for the named endpoint.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether an attempt may proceed. It returns [ErrOpen] while
// the endpoint is cooling down or its probe budget is spent.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.inflight = 0
		fallthrough
	case StateHalfOpen:
		if b.inflight >= b.cfg.Probes {
			return ErrOpen
		}
		b.inflight++
	}
	return nil
}

// Success records a completed attempt.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.inflight = 0
		b.transition(StateClosed)
	}
}

// Failure records a failed attempt. A failure while half-open re-opens the
// breaker immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.open()
		}
	}
}

// Release gives back an allowed attempt that says nothing about the endpoint,
// such as one aborted by the caller's context.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// open requires b.mu.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.inflight = 0
	b.transition(StateOpen)
}

// transition requires b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.log.Log(context.Background(), level, "endpoint breaker state changed",
		"endpoint", b.name,
		"from", from.String(),
		"to", to.String(),
		"failures", b.failures,
	)
}
