package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxRetries = 3
	defaultBackoff    = 250 * time.Millisecond
	defaultMaxBackoff = 2 * time.Second
)

// RetryConfig configures [NewRetryDialer].
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first failure.
	// Zero means the default of 3; a negative value disables retries.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up to
	// MaxBackoff. Defaults to 250ms.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 2s.
	MaxBackoff time.Duration
}

// RetryDialer wraps a [Dialer] and retries failed opens with exponential
// backoff. Only [ErrConnect] failures are retried; a cancelled context ends
// the loop immediately.
type RetryDialer struct {
	next       Dialer
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ Dialer = (*RetryDialer)(nil)

// NewRetryDialer returns a RetryDialer around next.
func NewRetryDialer(next Dialer, cfg RetryConfig) *RetryDialer {
	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &RetryDialer{
		next:       next,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		sleep:      sleepCtx,
	}
}

// Open implements [Dialer].
func (r *RetryDialer) Open(ctx context.Context, opts Options) (Session, error) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Info("transport: retrying connect",
				"session_id", opts.SessionID,
				"attempt", attempt,
				"max_retries", r.maxRetries,
				"backoff", currentBackoff,
			)
			if err := r.sleep(ctx, currentBackoff); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConnect, err)
			}
			currentBackoff *= 2
			if currentBackoff > r.maxBackoff {
				currentBackoff = r.maxBackoff
			}
		}

		sess, err := r.next.Open(ctx, opts)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if !errors.Is(err, ErrConnect) || ctx.Err() != nil {
			break
		}
		slog.Warn("transport: connect attempt failed",
			"session_id", opts.SessionID,
			"attempt", attempt+1,
			"err", err,
		)
	}
	if !errors.Is(lastErr, ErrConnect) {
		lastErr = fmt.Errorf("%w: %w", ErrConnect, lastErr)
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
