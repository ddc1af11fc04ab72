package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/liveasr/pkg/transport"
)

// ErrAllFailed is wrapped into the error returned by [Failover.Open] when no
// endpoint produced a session.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// Endpoint is one recognition backend in a [Failover].
type Endpoint struct {
	// Name labels the endpoint in logs, usually its URL.
	Name   string
	Dialer transport.Dialer
}

type guarded struct {
	Endpoint
	breaker *Breaker
}

// Failover implements [transport.Dialer] by trying endpoints in order. The
// first entry is the preferred endpoint.
type Failover struct {
	endpoints []guarded
	log       *slog.Logger
}

var _ transport.Dialer = (*Failover)(nil)

// NewFailover wraps endpoints, each behind a breaker built from cfg. The
// options are passed on to every breaker.
func NewFailover(endpoints []Endpoint, cfg BreakerConfig, opts ...BreakerOption) (*Failover, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("resilience: at least one endpoint is required")
	}
	f := &Failover{log: slog.Default()}
	for i, ep := range endpoints {
		if ep.Dialer == nil {
			return nil, fmt.Errorf("resilience: endpoint %d (%s) has no dialer", i, ep.Name)
		}
		b := NewBreaker(ep.Name, cfg, opts...)
		f.endpoints = append(f.endpoints, guarded{Endpoint: ep, breaker: b})
	}
	f.log = f.endpoints[0].breaker.log
	return f, nil
}

// Open returns a session from the first endpoint whose breaker allows an
// attempt and whose dial succeeds. Cancellation of ctx stops the walk and is
// not held against the endpoint being dialled. Every error wraps
// [transport.ErrConnect].
func (f *Failover) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	var errs []error
	for i := range f.endpoints {
		ep := &f.endpoints[i]
		if err := ep.breaker.Allow(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.Name, err))
			continue
		}

		start := time.Now()
		sess, err := ep.Dialer.Open(ctx, opts)
		if err == nil {
			ep.breaker.Success()
			if i > 0 {
				f.log.Info("recognition session on fallback endpoint",
					"endpoint", ep.Name, "session_id", opts.SessionID, "skipped", i)
			}
			return sess, nil
		}
		if ctx.Err() != nil {
			ep.breaker.Release()
			return nil, fmt.Errorf("%w: %w", transport.ErrConnect, ctx.Err())
		}
		ep.breaker.Failure()
		f.log.Warn("endpoint failed, trying next",
			"endpoint", ep.Name,
			"session_id", opts.SessionID,
			"elapsed", time.Since(start),
			"err", err,
		)
		errs = append(errs, fmt.Errorf("%s: %w", ep.Name, err))
	}
	return nil, fmt.Errorf("%w: %w: %w", transport.ErrConnect, ErrAllFailed, errors.Join(errs...))
}

// States reports the breaker state of every endpoint in dial order.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.endpoints))
	for _, ep := range f.endpoints {
		out[ep.Name] = ep.breaker.State()
	}
	return out
}
