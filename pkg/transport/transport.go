// Package transport defines the streaming connection between a recording
// session and a remote recognition backend.
//
// The central abstraction is [Session]: once opened through a [Dialer], a
// session accepts a start-recording request, a stream of PCM16 audio chunks
// and a final audio-end marker, and emits an ordered stream of inbound
// [Event] values (recognition results, backend errors, lifecycle changes).
//
// Audio delivery is fire-and-forget. [Session.SendAudio] never waits for the
// backend to acknowledge or answer; when the outbound queue is full the chunk
// is dropped and counted so that capture is never stalled by the network.
//
// Implementations must be safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	// ErrConnect wraps every failure to establish a session. The session
	// controller reports it as a transport connect failure.
	ErrConnect = errors.New("transport: connect failed")

	// ErrClosed is returned by send operations on a closed session.
	ErrClosed = errors.New("transport: session closed")

	// ErrQueueFull is returned by [Session.SendAudio] when the outbound queue
	// is saturated and the chunk was dropped.
	ErrQueueFull = errors.New("transport: send queue full, chunk dropped")
)

// DefaultSendQueue is the outbound queue capacity used when
// [Options.SendQueue] is zero.
const DefaultSendQueue = 256

// Options configures a single session.
type Options struct {
	// SessionID identifies the recording session in logs and, where the
	// backend supports it, in the handshake.
	SessionID string

	// SendQueue is the capacity of the outbound message queue. Defaults to
	// [DefaultSendQueue].
	SendQueue int

	// Header holds extra HTTP headers for the handshake. May be nil.
	Header http.Header
}

// StartRequest is the payload of the start-recording event.
type StartRequest struct {
	// ServiceType selects the recognition service, e.g. "RTASR" or
	// "IFLYTEK_STT".
	ServiceType string `json:"serviceType"`

	// Options carries service-specific parameters such as "language" or the
	// dictation "dwa" mode.
	Options map[string]any `json:"options"`
}

// EventKind discriminates inbound [Event] values.
type EventKind int

const (
	// EventConnected is emitted once, first, when the session is established.
	EventConnected EventKind = iota

	// EventResult carries one raw recognition payload in [Event.Payload].
	EventResult

	// EventBackendError carries a backend-reported error in [Event.Message].
	EventBackendError

	// EventDisconnected is emitted last, when the connection ends. [Event.Err]
	// is nil for an orderly close and non-nil for an unexpected drop.
	EventDisconnected
)

// String returns the wire-style name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connect"
	case EventResult:
		return EventTranslation
	case EventBackendError:
		return EventError
	case EventDisconnected:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence on a session, delivered in arrival order.
type Event struct {
	Kind EventKind

	// Payload holds the raw JSON of a translation event (EventResult only).
	Payload []byte

	// Message holds the backend error text (EventBackendError only).
	Message string

	// Err is the cause of an unexpected disconnect (EventDisconnected only).
	Err error

	// At is the local receive time.
	At time.Time
}

// Session is an open streaming connection to a recognition backend.
//
// Outbound messages are written in call order: a Start issued before
// SendAudio reaches the backend first, and EndAudio follows every chunk
// accepted before it.
type Session interface {
	// Start sends the start-recording event. It blocks until the message is
	// queued or ctx is done.
	Start(ctx context.Context, req StartRequest) error

	// SendAudio queues one little-endian PCM16 chunk without blocking. It
	// returns [ErrQueueFull] when the chunk was dropped and [ErrClosed] after
	// Close.
	SendAudio(pcm []byte) error

	// EndAudio sends the audio-end event. It blocks until the message is
	// queued or ctx is done.
	EndAudio(ctx context.Context) error

	// Events returns the inbound event stream. The channel is closed after
	// the final EventDisconnected.
	Events() <-chan Event

	// Dropped returns the number of audio chunks dropped so far.
	Dropped() uint64

	// Close flushes queued messages on a best-effort basis, closes the
	// connection and releases all resources. Safe to call more than once.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	// Open establishes a session. Any failure wraps [ErrConnect]. The ctx
	// governs the handshake only; the returned session lives until Close.
	Open(ctx context.Context, opts Options) (Session, error)
}
