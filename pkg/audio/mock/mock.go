// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16000, 8)
//	dev := &mock.Device{OpenResult: stream}
//	s, err := dev.Open(ctx, audio.CaptureConfig{SampleRate: 16000, BufferSize: 4096})
//	stream.Send(make([]float32, 4096))
//	stream.End() // simulates the device going away
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/liveasr/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] fed by the test through
// [Stream.Send]. Create one with [NewStream].
type Stream struct {
	mu     sync.Mutex
	ch     chan []float32
	stop   chan struct{}
	once   sync.Once
	closed bool

	// Rate is returned by [Stream.SampleRate].
	Rate int

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream reporting rate whose buffer channel holds up to
// capacity undelivered buffers.
func NewStream(rate, capacity int) *Stream {
	return &Stream{
		ch:   make(chan []float32, capacity),
		stop: make(chan struct{}),
		Rate: rate,
	}
}

// Buffers implements [audio.Stream].
func (s *Stream) Buffers() <-chan []float32 { return s.ch }

// SampleRate implements [audio.Stream]. Returns Rate.
func (s *Stream) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Send delivers buf to the consumer, blocking while the channel is full. It
// returns false if the stream was closed before buf could be delivered.
func (s *Stream) Send(buf []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- buf:
		return true
	case <-s.stop:
		return false
	}
}

// End closes the buffer channel without counting a Close call, simulating the
// source running dry.
func (s *Stream) End() { s.shutdown() }

// Close implements [audio.Stream]. Records the call and returns CloseError.
func (s *Stream) Close() error {
	s.shutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Closed reports whether the buffer channel has been closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) shutdown() {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Device.Open] invocation.
type OpenCall struct {
	// Config is the capture configuration passed to Open.
	Config audio.CaptureConfig
}

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is the [audio.Stream] returned by Open. When OpenFunc is set
	// it takes precedence.
	OpenResult audio.Stream

	// OpenFunc, when non-nil, is called on every Open so tests can hand out a
	// fresh stream per session.
	OpenFunc func(cfg audio.CaptureConfig) (audio.Stream, error)

	// OpenError is returned by Open when OpenFunc is nil.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Device]. Records the call and returns OpenResult /
// OpenError, or delegates to OpenFunc.
func (d *Device) Open(_ context.Context, cfg audio.CaptureConfig) (audio.Stream, error) {
	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Config: cfg})
	fn, res, err := d.OpenFunc, d.OpenResult, d.OpenError
	d.mu.Unlock()
	if fn != nil {
		return fn(cfg)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// OpenCount returns the number of Open invocations so far.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Compile-time interface assertions.
var (
	_ audio.Device = (*Device)(nil)
	_ audio.Stream = (*Stream)(nil)
)
