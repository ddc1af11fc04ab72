// Package mock provides test doubles for the transport package interfaces.
//
// Use Dialer to verify that the caller opens sessions with the expected
// Options and to inject connect failures. Use Session to feed controlled
// inbound events and inspect which messages were sent.
//
// Example:
//
//	sess := mock.NewSession()
//	d := &mock.Dialer{Session: sess}
//	s, _ := d.Open(ctx, transport.Options{SessionID: "abc"})
//	sess.EmitResult([]byte(`{"data":{"result":{"text":"hi","isEnd":true}}}`))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/liveasr/pkg/transport"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [transport.Session]. Create one with
// [NewSession]; the zero value is not usable.
type Session struct {
	mu     sync.Mutex
	events chan transport.Event
	closed bool
	ended  bool

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// SendAudioErr, if non-nil, is returned by SendAudio and the chunk is not
	// recorded.
	SendAudioErr error

	// EndAudioErr, if non-nil, is returned by EndAudio.
	EndAudioErr error

	// OnEndAudio, when non-nil, runs after EndAudio is recorded. Tests use it
	// to reply with a terminal result like a real backend would.
	OnEndAudio func(s *Session)

	// StartCalls records every start-recording request.
	StartCalls []transport.StartRequest

	// Audio records every accepted audio chunk in order.
	Audio [][]byte

	// EndAudioCount records how many times EndAudio was called.
	EndAudioCount int

	// CloseCount records how many times Close was called.
	CloseCount int

	// DroppedCount is returned by Dropped.
	DroppedCount uint64
}

// NewSession returns a Session whose Events channel already carries the
// EventConnected a real session emits on open.
func NewSession() *Session {
	s := &Session{events: make(chan transport.Event, 256)}
	s.events <- transport.Event{Kind: transport.EventConnected, At: time.Now()}
	return s
}

// Start implements [transport.Session].
func (s *Session) Start(_ context.Context, req transport.StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.StartCalls = append(s.StartCalls, req)
	return s.StartErr
}

// SendAudio implements [transport.Session].
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Audio = append(s.Audio, cp)
	return nil
}

// EndAudio implements [transport.Session].
func (s *Session) EndAudio(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.EndAudioCount++
	err, hook := s.EndAudioErr, s.OnEndAudio
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return err
}

// Events implements [transport.Session].
func (s *Session) Events() <-chan transport.Event { return s.events }

// Dropped implements [transport.Session]. Returns DroppedCount.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DroppedCount
}

// Close implements [transport.Session]. The first call emits an orderly
// EventDisconnected and closes the events channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.closed = true
	s.mu.Unlock()
	s.end(nil)
	return nil
}

// Emit delivers ev to the consumer. Events emitted after the stream ended are
// discarded.
func (s *Session) Emit(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events <- ev
}

// EmitResult delivers a translation payload.
func (s *Session) EmitResult(payload []byte) {
	s.Emit(transport.Event{Kind: transport.EventResult, Payload: payload})
}

// EmitError delivers a backend error event.
func (s *Session) EmitError(message string) {
	s.Emit(transport.Event{Kind: transport.EventBackendError, Message: message})
}

// Drop simulates the connection ending. A nil err is an orderly server
// close; a non-nil err is an unexpected loss.
func (s *Session) Drop(err error) { s.end(err) }

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.events <- transport.Event{Kind: transport.EventDisconnected, Err: err, At: time.Now()}
	close(s.events)
}

// Snapshot returns copies of the recorded call data.
func (s *Session) Snapshot() (starts []transport.StartRequest, audio [][]byte, endAudio, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	starts = append([]transport.StartRequest(nil), s.StartCalls...)
	audio = append([][]byte(nil), s.Audio...)
	return starts, audio, s.EndAudioCount, s.CloseCount
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [Dialer.Open].
type OpenCall struct {
	// Opts is the Options passed to Open.
	Opts transport.Options
}

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Session is returned by Open. If nil and NewSessionFunc is nil, Open
	// returns a fresh [NewSession] per call.
	Session *Session

	// NewSessionFunc, if set, builds the session for each Open call.
	NewSessionFunc func() *Session

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	// Sessions records every session handed out, in order.
	Sessions []*Session
}

// Open implements [transport.Dialer].
func (d *Dialer) Open(_ context.Context, opts transport.Options) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Opts: opts})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	var s *Session
	switch {
	case d.NewSessionFunc != nil:
		s = d.NewSessionFunc()
	case d.Session != nil:
		s = d.Session
	default:
		s = NewSession()
	}
	d.Sessions = append(d.Sessions, s)
	return s, nil
}

// OpenCount returns the number of Open invocations so far.
func (d *Dialer) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Last returns the most recently opened session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Sessions) == 0 {
		return nil
	}
	return d.Sessions[len(d.Sessions)-1]
}

// Compile-time interface assertions.
var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Session = (*Session)(nil)
)
