// Package api serves the consumer HTTP interface of a session controller.
//
// Routes:
//
//	GET  /transcript     current snapshot as JSON
//	POST /start          start recording
//	POST /stop           stop recording
//	POST /toggle         start or stop
//	POST /clear          drop the transcript
//	PUT  /recognition    switch service and language
//	GET  /events         websocket stream of snapshots
//	GET  /history        recent committed utterances (?limit=n)
//	GET  /healthz        liveness
//	GET  /readyz         readiness
//	GET  /metrics        Prometheus scrape endpoint
//
// Every route except /metrics runs behind [observe.Middleware].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/liveasr/internal/health"
	"github.com/MrWong99/liveasr/internal/history"
	"github.com/MrWong99/liveasr/internal/observe"
	"github.com/MrWong99/liveasr/internal/session"
)

const (
	// DefaultHistoryLimit is used when /history has no limit parameter.
	DefaultHistoryLimit = 50

	eventWriteTimeout = 5 * time.Second
)

// Controller is the part of [session.Controller] the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Toggle(ctx context.Context) error
	Switch(ctx context.Context, service session.Service, language string) error
	Clear()
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) (unsubscribe func())
}

var _ Controller = (*session.Controller)(nil)

// Server builds the HTTP handler. Construct with [New].
type Server struct {
	ctrl           Controller
	history        history.Store
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	origins        []string

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory enables GET /history backed by store.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithHealth registers /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the instruments used by the middleware and the /events
// subscriber gauge. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. A nil handler removes
// the route. Defaults to promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows cross-origin websocket clients on /events whose
// Origin host matches one of patterns (path.Match syntax).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// New returns a Server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:           ctrl,
		metricsHandler: promhttp.Handler(),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /transcript", s.handleTranscript)
	mux.HandleFunc("POST /start", s.lifecycle(s.ctrl.Start))
	mux.HandleFunc("POST /stop", s.lifecycle(s.ctrl.Stop))
	mux.HandleFunc("POST /toggle", s.lifecycle(s.ctrl.Toggle))
	mux.HandleFunc("POST /clear", s.handleClear)
	mux.HandleFunc("PUT /recognition", s.handleRecognition)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /history", s.handleHistory)
	if s.health != nil {
		s.health.Register(mux)
	}

	root := http.NewServeMux()
	if s.metricsHandler != nil {
		root.Handle("GET /metrics", s.metricsHandler)
	}
	root.Handle("/", observe.Middleware(s.metrics)(mux))
	return root
}

// Close ends every open /events stream. The HTTP server does not track
// hijacked connections, so call this before [http.Server.Shutdown] or
// register it with RegisterOnShutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// lifecycle adapts a controller operation into a handler that replies with
// the resulting snapshot.
func (s *Server) lifecycle(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
	}
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Clear()
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// recognitionRequest is the JSON body of PUT /recognition.
type recognitionRequest struct {
	Service  string `json:"service"`
	Language string `json:"language"`
}

func (s *Server) handleRecognition(w http.ResponseWriter, r *http.Request) {
	var req recognitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	svc := session.Service(req.Service)
	if !svc.IsValid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown service " + strconv.Quote(req.Service)})
		return
	}
	if err := s.ctrl.Switch(r.Context(), svc, req.Language); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is disabled"})
		return
	}
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be an integer"})
			return
		}
		limit = n
	}
	utts, err := s.history.Recent(r.Context(), limit)
	if errors.Is(err, history.ErrInvalidLimit) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Error("api: read history", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if utts == nil {
		utts = []history.Utterance{}
	}
	writeJSON(w, http.StatusOK, utts)
}

// handleEvents streams one JSON snapshot per controller change. A client
// that reads slowly only sees the latest snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Debug("api: events upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	s.metrics.EventSubscribers.Add(ctx, 1)
	defer s.metrics.EventSubscribers.Add(context.WithoutCancel(ctx), -1)

	latest := make(chan session.Snapshot, 1)
	unsubscribe := s.ctrl.Subscribe(func(snap session.Snapshot) {
		select {
		case latest <- snap:
			return
		default:
		}
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- snap:
		default:
		}
	})
	defer unsubscribe()

	if err := writeEvent(ctx, conn, s.ctrl.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case snap := <-latest:
			if err := writeEvent(ctx, conn, snap); err != nil {
				slog.Debug("api: events client gone", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, snap session.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snap)
}

// ─── Responses ────────────────────────────────────────────────────────────────

// errorResponse is the JSON body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps controller errors to status codes: a closed controller is
// 503, a backend connection failure 502 and any other session error 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrClosed) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	var serr *session.Error
	if errors.As(err, &serr) {
		status := http.StatusInternalServerError
		if serr.Kind == session.KindTransportConnectFailure {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorResponse{Error: serr.Message, Kind: serr.Kind.String()})
		return
	}
	observe.Logger(r.Context()).Error("api: controller operation failed", "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
