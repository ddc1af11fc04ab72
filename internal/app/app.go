// Package app wires all liveasr subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the capture device,
// backend dialer, history store, event bus publisher, session controller and
// HTTP API from the config; Run serves until the context ends; Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithDialer, WithHistory, WithPublisher). When an option is not provided,
// New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/liveasr/internal/api"
	"github.com/MrWong99/liveasr/internal/bus"
	"github.com/MrWong99/liveasr/internal/config"
	"github.com/MrWong99/liveasr/internal/health"
	"github.com/MrWong99/liveasr/internal/history"
	"github.com/MrWong99/liveasr/internal/observe"
	"github.com/MrWong99/liveasr/internal/resilience"
	"github.com/MrWong99/liveasr/internal/session"
	"github.com/MrWong99/liveasr/pkg/audio"
	"github.com/MrWong99/liveasr/pkg/audio/wavdump"
	"github.com/MrWong99/liveasr/pkg/audio/wavsource"
	"github.com/MrWong99/liveasr/pkg/transport"
	"github.com/MrWong99/liveasr/pkg/transport/ws"
)

// shutdownTimeout bounds the graceful HTTP shutdown inside Run.
const shutdownTimeout = 5 * time.Second

// Publisher fans controller activity out to the event bus.
type Publisher interface {
	session.UtteranceSink
	PublishSnapshot(s session.Snapshot)
	Ping(ctx context.Context) error
	Close() error
}

var _ Publisher = (*bus.Publisher)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	registry  *config.Registry
	device    audio.Device
	dialer    transport.Dialer
	history   history.Store
	publisher Publisher
	metrics   *observe.Metrics
	levels    *slog.LevelVar
	ctrl      *session.Controller
	api       *api.Server

	// mu guards listener, which Run sets once the API is bound.
	mu       sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects a capture device instead of the WAV file source.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithDialer injects a backend dialer instead of the websocket stack.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithHistory injects a history store instead of opening one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithPublisher injects a bus publisher instead of connecting to NATS.
func WithPublisher(p Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithRegistry sets the registry used to open the configured history driver.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// subsystem opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Capture device ────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return fmt.Errorf("app: init device: %w", err)
	}

	// ── 2. Backend dialer ────────────────────────────────────────────────
	if err := a.initDialer(); err != nil {
		return fmt.Errorf("app: init transport: %w", err)
	}

	// ── 3. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Event bus ─────────────────────────────────────────────────────
	if err := a.initBus(); err != nil {
		return fmt.Errorf("app: init bus: %w", err)
	}

	// ── 5. Session controller ────────────────────────────────────────────
	if err := a.initController(); err != nil {
		return fmt.Errorf("app: init controller: %w", err)
	}

	// ── 6. HTTP API ──────────────────────────────────────────────────────
	a.initAPI()
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevice() error {
	if a.device != nil {
		return nil
	}
	if a.cfg.Audio.Source == "" {
		return errors.New("audio.source is required when no capture device is injected")
	}
	a.device = wavsource.New(a.cfg.Audio.Source, a.cfg.Audio.RealtimeSource())
	slog.Info("capture source", "path", a.cfg.Audio.Source, "realtime", a.cfg.Audio.RealtimeSource())
	return nil
}

func (a *App) initDialer() error {
	if a.dialer != nil {
		return nil
	}
	d, err := BuildDialer(a.cfg.Transport)
	if err != nil {
		return err
	}
	a.dialer = d
	return nil
}

// BuildDialer assembles the websocket dialer for tc: every endpoint retries
// with backoff, and fallback endpoints sit behind per-endpoint circuit
// breakers.
func BuildDialer(tc config.TransportConfig) (transport.Dialer, error) {
	endpoint := func(url string) (transport.Dialer, error) {
		d, err := ws.New(url, ws.WithConnectTimeout(tc.ConnectTimeout))
		if err != nil {
			return nil, err
		}
		return transport.NewRetryDialer(d, transport.RetryConfig{
			MaxRetries: tc.MaxRetries,
			Backoff:    tc.Backoff,
			MaxBackoff: tc.MaxBackoff,
		}), nil
	}

	urls := append([]string{tc.URL}, tc.FallbackURLs...)
	endpoints := make([]resilience.Endpoint, 0, len(urls))
	for _, u := range urls {
		d, err := endpoint(u)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, resilience.Endpoint{Name: u, Dialer: d})
	}
	if len(endpoints) == 1 {
		return endpoints[0].Dialer, nil
	}
	fo, err := resilience.NewFailover(endpoints, resilience.BreakerConfig{})
	if err != nil {
		return nil, err
	}
	slog.Info("transport endpoints", "primary", tc.URL, "fallbacks", len(tc.FallbackURLs))
	return fo, nil
}

// failoverCheck fails readiness once every endpoint breaker is open.
func failoverCheck(fo *resilience.Failover) health.Checker {
	return health.Checker{Name: "endpoints", Check: func(context.Context) error {
		states := fo.States()
		for _, st := range states {
			if st != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("all %d endpoint breakers open", len(states))
	}}
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history == nil && a.cfg.History.Driver != "" {
		if a.registry == nil {
			return fmt.Errorf("no registry for history driver %q", a.cfg.History.Driver)
		}
		store, err := a.registry.CreateHistory(ctx, a.cfg.History)
		if err != nil {
			return err
		}
		a.history = store
		slog.Info("history store opened", "driver", a.cfg.History.Driver)
	}
	if a.history != nil {
		a.closers = append(a.closers, a.history.Close)
	}
	return nil
}

func (a *App) initBus() error {
	if a.publisher == nil && len(a.cfg.Bus.Servers) > 0 {
		p, err := bus.Connect(a.cfg.Bus, slog.Default())
		if err != nil {
			return err
		}
		a.publisher = p
	}
	if a.publisher != nil {
		a.closers = append(a.closers, a.publisher.Close)
	}
	return nil
}

func (a *App) initController() error {
	opts := []session.Option{
		session.WithMetrics(a.metrics),
		session.WithLanguages(languages(a.cfg.Recognition.Languages)),
	}
	if a.history != nil {
		opts = append(opts, session.WithSink(a.history))
	}
	if a.publisher != nil {
		opts = append(opts, session.WithSink(a.publisher))
	}
	if dir := a.cfg.Audio.RecordDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create record dir: %w", err)
		}
		opts = append(opts, session.WithRecorder(wavRecorder(dir)))
	}

	ctrl, err := session.New(a.device, a.dialer, SessionConfig(a.cfg), opts...)
	if err != nil {
		return err
	}
	a.ctrl = ctrl

	// The controller closes first so its final utterances and snapshot still
	// reach history and the bus.
	first := []func() error{ctrl.Close}
	if a.publisher != nil {
		unsubscribe := ctrl.Subscribe(a.publisher.PublishSnapshot)
		first = append(first, func() error { unsubscribe(); return nil })
	}
	a.closers = append(first, a.closers...)
	return nil
}

func (a *App) initAPI() {
	backend := health.EndpointCheck("backend", a.cfg.Transport.URL)
	checks := []health.Checker{backend}
	if fo, ok := a.dialer.(*resilience.Failover); ok {
		checks = []health.Checker{backend.AsOptional(), failoverCheck(fo)}
	}
	if p, ok := a.history.(health.Pinger); ok {
		checks = append(checks, health.PingCheck("history", p).AsOptional())
	}
	if a.publisher != nil {
		checks = append(checks, health.PingCheck("bus", a.publisher).AsOptional())
	}

	opts := []api.Option{
		api.WithMetrics(a.metrics),
		api.WithHealth(health.New(checks...)),
	}
	if a.history != nil {
		opts = append(opts, api.WithHistory(a.history))
	}
	a.api = api.New(a.ctrl, opts...)
}

// wavRecorder writes each session to <dir>/<session id>.wav.
func wavRecorder(dir string) session.RecorderFactory {
	return func(sessionID string, sampleRate int) (session.FrameRecorder, error) {
		return wavdump.Create(filepath.Join(dir, sessionID+".wav"), sampleRate)
	}
}

// SessionConfig maps the file config onto the controller settings.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		Service:          session.Service(cfg.Recognition.Service),
		Language:         cfg.Recognition.Language,
		SampleRate:       cfg.Audio.SampleRate,
		FrameSize:        cfg.Audio.FrameSize,
		Framing:          audio.FramingPolicy(cfg.Audio.Framing),
		SendQueue:        cfg.Transport.SendQueue,
		SilenceThreshold: cfg.Silence.Threshold,
		SilenceRestart:   cfg.Silence.RestartAfter,
		AutoRestart:      cfg.Silence.AutoRestart,
		RestartDelay:     cfg.Silence.RestartDelay,
		ResponseTimeout:  cfg.Timeouts.Response,
		FinalizeTimeout:  cfg.Timeouts.Finalize,
	}
}

// languages returns labels, or the built-in table when none are configured.
func languages(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return session.DefaultLanguages
	}
	return labels
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Addr returns the bound API address once Run is serving, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It is the
// onChange callback of a [config.Watcher].
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.SessionChanged || d.RecognitionChanged {
		next := SessionConfig(new)
		if !d.RecognitionChanged {
			cur := a.ctrl.Config()
			next.Service, next.Language = cur.Service, cur.Language
		}
		if err := a.ctrl.Configure(next); err != nil {
			slog.Warn("config reload: session settings rejected", "err", err)
		}
		a.ctrl.SetLanguages(languages(new.Recognition.Languages))
	}

	if d.RecognitionChanged {
		if err := a.ctrl.Switch(ctx, session.Service(d.NewService), d.NewLanguage); err != nil {
			slog.Warn("config reload: switch failed", "service", d.NewService, "language", d.NewLanguage, "err", err)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API on cfg.Server.ListenAddr and blocks until ctx is
// cancelled or the server fails. With an empty listen address Run only
// waits for ctx. It returns ctx.Err() on a normal stop.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		slog.Info("app running without HTTP API")
		<-ctx.Done()
		return ctx.Err()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(a.api.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: the controller first, then
// the history store and bus publisher. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
