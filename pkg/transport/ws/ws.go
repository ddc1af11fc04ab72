// Package ws implements [transport.Dialer] over a WebSocket using
// github.com/coder/websocket.
//
// Control events travel as JSON text frames ({"event": ..., "data": ...});
// audio chunks travel as binary frames. Each session runs one read loop and one
// write loop; all outbound messages share a single bounded queue so they reach
// the backend in call order.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/liveasr/pkg/transport"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadLimit      = 1 << 20
	defaultFlushTimeout   = 2 * time.Second
	eventBuffer           = 64
)

// Option is a functional option for configuring the [Dialer].
type Option func(*Dialer)

// WithConnectTimeout bounds the WebSocket handshake. Non-positive values
// keep the default.
func WithConnectTimeout(d time.Duration) Option {
	return func(w *Dialer) {
		if d > 0 {
			w.connectTimeout = d
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(w *Dialer) {
		w.readLimit = n
	}
}

// WithFlushTimeout bounds how long Close spends writing queued messages.
func WithFlushTimeout(d time.Duration) Option {
	return func(w *Dialer) {
		w.flushTimeout = d
	}
}

// Dialer opens WebSocket sessions against a fixed URL.
type Dialer struct {
	url            string
	connectTimeout time.Duration
	readLimit      int64
	flushTimeout   time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

// New creates a Dialer for url (ws:// or wss://).
func New(url string, opts ...Option) (*Dialer, error) {
	if url == "" {
		return nil, errors.New("ws: url must not be empty")
	}
	d := &Dialer{
		url:            url,
		connectTimeout: defaultConnectTimeout,
		readLimit:      defaultReadLimit,
		flushTimeout:   defaultFlushTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// URL returns the endpoint this Dialer connects to.
func (d *Dialer) URL() string { return d.url }

// Open implements [transport.Dialer].
func (d *Dialer) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, d.connectTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w: %w", d.url, transport.ErrConnect, err)
	}
	conn.SetReadLimit(d.readLimit)

	queue := opts.SendQueue
	if queue <= 0 {
		queue = transport.DefaultSendQueue
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           opts.SessionID,
		conn:         conn,
		out:          make(chan outbound, queue),
		events:       make(chan transport.Event, eventBuffer),
		done:         make(chan struct{}),
		cancel:       cancel,
		flushTimeout: d.flushTimeout,
	}
	s.events <- transport.Event{Kind: transport.EventConnected, At: time.Now()}

	s.writeWG.Add(1)
	s.readWG.Add(1)
	go s.writeLoop(loopCtx)
	go s.readLoop(loopCtx)

	slog.Debug("ws: session opened", "session_id", s.id, "url", d.url)
	return s, nil
}

// ---- session ----

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// session is a live WebSocket session. It implements transport.Session.
type session struct {
	id   string
	conn *websocket.Conn

	out    chan outbound
	events chan transport.Event

	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	writeWG sync.WaitGroup
	readWG  sync.WaitGroup

	dropped      atomic.Uint64
	closing      atomic.Bool
	flushTimeout time.Duration
}

// Start queues the start-recording event.
func (s *session) Start(ctx context.Context, req transport.StartRequest) error {
	msg, err := transport.EncodeEnvelope(transport.EventStartRecording, req)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, outbound{typ: websocket.MessageText, data: msg})
}

// SendAudio queues a binary PCM chunk without blocking.
func (s *session) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case s.out <- outbound{typ: websocket.MessageBinary, data: pcm}:
		return nil
	case <-s.done:
		return transport.ErrClosed
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			slog.Warn("ws: send queue full, dropping audio", "session_id", s.id, "dropped", n)
		}
		return transport.ErrQueueFull
	}
}

// EndAudio queues the audio-end event.
func (s *session) EndAudio(ctx context.Context) error {
	msg, err := transport.EncodeEnvelope(transport.EventAudioEnd, nil)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, outbound{typ: websocket.MessageText, data: msg})
}

func (s *session) enqueue(ctx context.Context, m outbound) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan transport.Event { return s.events }

// Dropped returns the number of dropped audio chunks.
func (s *session) Dropped() uint64 { return s.dropped.Load() }

// Close flushes the queue, closes the socket and waits for both loops.
func (s *session) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.done)
		s.writeWG.Wait()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.readWG.Wait()
		slog.Debug("ws: session closed", "session_id", s.id, "dropped", s.dropped.Load())
	})
	return nil
}

// writeLoop drains the outbound queue onto the socket.
func (s *session) writeLoop(ctx context.Context) {
	defer s.writeWG.Done()
	for {
		select {
		case m := <-s.out:
			if err := s.conn.Write(ctx, m.typ, m.data); err != nil {
				slog.Debug("ws: write failed", "session_id", s.id, "err", err)
				s.discard()
				return
			}
		case <-s.done:
			// Flush whatever is still queued, bounded by flushTimeout.
			flushCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
			defer cancel()
			for {
				select {
				case m := <-s.out:
					if err := s.conn.Write(flushCtx, m.typ, m.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// discard empties the queue after a write failure so producers never block.
func (s *session) discard() {
	for {
		select {
		case <-s.out:
		case <-s.done:
			return
		}
	}
}

// readLoop receives text frames and turns them into events. It emits exactly
// one EventDisconnected and then closes the events channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.readWG.Done()
	defer close(s.events)

	var cause error
	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closing.Load() && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				cause = err
			}
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, ok := s.decode(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}

	if cause != nil {
		slog.Warn("ws: connection lost", "session_id", s.id, "err", cause)
	}
	// The disconnect event must not block a consumer that has gone away.
	select {
	case s.events <- transport.Event{Kind: transport.EventDisconnected, Err: cause, At: time.Now()}:
	case <-s.done:
	}
}

func (s *session) decode(msg []byte) (transport.Event, bool) {
	env, err := transport.DecodeEnvelope(msg)
	if err != nil {
		slog.Debug("ws: ignoring undecodable message", "session_id", s.id, "err", err)
		return transport.Event{}, false
	}
	now := time.Now()
	switch env.Event {
	case transport.EventTranslation:
		return transport.Event{Kind: transport.EventResult, Payload: []byte(env.Data), At: now}, true
	case transport.EventError:
		return transport.Event{Kind: transport.EventBackendError, Message: transport.ErrorMessage(env.Data), At: now}, true
	default:
		slog.Debug("ws: ignoring unknown event", "session_id", s.id, "event", env.Event)
		return transport.Event{}, false
	}
}
