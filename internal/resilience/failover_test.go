package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/liveasr/pkg/transport"
	transportmock "github.com/MrWong99/liveasr/pkg/transport/mock"
)

var errDown = fmt.Errorf("refused: %w", transport.ErrConnect)

func newTestFailover(t *testing.T, cfg BreakerConfig, dialers ...*transportmock.Dialer) (*Failover, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	eps := make([]Endpoint, len(dialers))
	for i, d := range dialers {
		eps[i] = Endpoint{Name: fmt.Sprintf("ws://asr-%d", i), Dialer: d}
	}
	f, err := NewFailover(eps, cfg, WithClock(clk.Now), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewFailover: %v", err)
	}
	return f, clk
}

func TestNewFailover_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewFailover(nil, BreakerConfig{}); err == nil {
		t.Error("expected error for no endpoints")
	}
	if _, err := NewFailover([]Endpoint{{Name: "a"}}, BreakerConfig{}); err == nil {
		t.Error("expected error for nil dialer")
	}
}

func TestFailover_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary, secondary := &transportmock.Dialer{}, &transportmock.Dialer{}
	f, _ := newTestFailover(t, BreakerConfig{}, primary, secondary)

	sess, err := f.Open(context.Background(), transport.Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()

	if primary.OpenCount() != 1 || secondary.OpenCount() != 0 {
		t.Errorf("opens = %d/%d, want 1/0", primary.OpenCount(), secondary.OpenCount())
	}
	if got := primary.OpenCalls[0].Opts.SessionID; got != "s1" {
		t.Errorf("SessionID = %q, want s1", got)
	}
}

func TestFailover_FallsBack(t *testing.T) {
	t.Parallel()

	primary := &transportmock.Dialer{OpenErr: errDown}
	secondary := &transportmock.Dialer{}
	f, _ := newTestFailover(t, BreakerConfig{Threshold: 3}, primary, secondary)

	sess, err := f.Open(context.Background(), transport.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close()

	if secondary.OpenCount() != 1 {
		t.Errorf("secondary opens = %d, want 1", secondary.OpenCount())
	}
}

func TestFailover_AllFail(t *testing.T) {
	t.Parallel()

	primary := &transportmock.Dialer{OpenErr: errors.New("primary down")}
	secondary := &transportmock.Dialer{OpenErr: errors.New("secondary down")}
	f, _ := newTestFailover(t, BreakerConfig{}, primary, secondary)

	_, err := f.Open(context.Background(), transport.Options{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v, want ErrAllFailed and ErrConnect", err)
	}
	for _, want := range []string{"ws://asr-0: primary down", "ws://asr-1: secondary down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err %q does not mention %q", err, want)
		}
	}
}

func TestFailover_SkipsOpenEndpointUntilCooldown(t *testing.T) {
	t.Parallel()

	primary := &transportmock.Dialer{OpenErr: errDown}
	secondary := &transportmock.Dialer{}
	f, clk := newTestFailover(t, BreakerConfig{Threshold: 1, Cooldown: time.Minute}, primary, secondary)

	for i := range 3 {
		sess, err := f.Open(context.Background(), transport.Options{})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = sess.Close()
	}
	if primary.OpenCount() != 1 {
		t.Errorf("primary opens = %d, want 1 while open", primary.OpenCount())
	}
	if got := f.States()["ws://asr-0"]; got != StateOpen {
		t.Errorf("primary state = %v, want open", got)
	}

	clk.Advance(time.Minute)
	sess, err := f.Open(context.Background(), transport.Options{})
	if err != nil {
		t.Fatalf("open after cooldown: %v", err)
	}
	_ = sess.Close()
	if primary.OpenCount() != 2 {
		t.Errorf("primary opens = %d, want a probe after cooldown", primary.OpenCount())
	}
}

func TestFailover_CancelledContextNotCounted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &transportmock.Dialer{OpenErr: context.Canceled}
	secondary := &transportmock.Dialer{}
	f, _ := newTestFailover(t, BreakerConfig{Threshold: 1}, primary, secondary)

	_, err := f.Open(ctx, transport.Options{})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, transport.ErrConnect) {
		t.Fatalf("err = %v, want Canceled wrapped in ErrConnect", err)
	}
	if secondary.OpenCount() != 0 {
		t.Errorf("secondary dialled after cancellation")
	}
	if got := f.States()["ws://asr-0"]; got != StateClosed {
		t.Errorf("primary state = %v, want closed", got)
	}
}

