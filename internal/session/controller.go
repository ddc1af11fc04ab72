// Package session runs recording sessions: it wires a capture [audio.Device]
// to a recognition [transport.Dialer], feeds inbound results through a
// [reconcile.Reconciler] and exposes the resulting transcript and lifecycle
// state to observers.
//
// A [Controller] owns one logical session at a time. Its lifecycle is
//
//	Idle → Connecting → Recording → Finalizing → Idle
//
// with Error reachable from Connecting and Recording. Lifecycle operations
// are serialised by an operation mutex; result delivery only takes the state
// mutex, so a slow connect never delays transcript updates.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/liveasr/internal/history"
	"github.com/MrWong99/liveasr/internal/observe"
	"github.com/MrWong99/liveasr/internal/reconcile"
	"github.com/MrWong99/liveasr/pkg/audio"
	"github.com/MrWong99/liveasr/pkg/transport"
)

// sinkQueue is the capacity of the committed-utterance queue.
const sinkQueue = 64

// sinkTimeout bounds a single [UtteranceSink.Append] call.
const sinkTimeout = 5 * time.Second

// FrameRecorder receives a copy of every frame sent to the backend.
type FrameRecorder interface {
	WriteFrame(f audio.Frame) error
	Close() error
}

// RecorderFactory creates the [FrameRecorder] for one session.
type RecorderFactory func(sessionID string, sampleRate int) (FrameRecorder, error)

// Option is a functional option for [New].
type Option func(*Controller)

// WithNotifier sets the notifier for transient messages. Defaults to a
// [LogNotifier].
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithSink adds a receiver for committed utterances. May be given more than
// once.
func WithSink(s UtteranceSink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, s) }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLanguages sets the language code to label map used in snapshots.
func WithLanguages(labels map[string]string) Option {
	return func(c *Controller) { c.languages = labels }
}

// WithRecorder enables dumping the sent audio of every session.
func WithRecorder(f RecorderFactory) Option {
	return func(c *Controller) { c.recorder = f }
}

// WithClock overrides the wall clock used for timestamps and elapsed time.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// run holds the resources of one recording session.
type run struct {
	gen uint64
	id  string
	cfg Config

	stream  audio.Stream
	sess    transport.Session
	framer  *audio.Framer
	silence *SilenceDetector
	resamp  *audio.Resampler
	rec     FrameRecorder
	recWarn sync.Once

	stopPump   chan struct{}
	pumpDone   chan struct{}
	eventsDone chan struct{}
	terminal   chan struct{}
	termOnce   sync.Once

	// Guarded by Controller.mu.
	lastSend    time.Time
	outstanding bool
	timeout     *time.Timer
}

// finish signals that the backend delivered its terminal result or closed.
func (r *run) finish() {
	r.termOnce.Do(func() { close(r.terminal) })
}

// update is a snapshot queued for observers, ordered by seq.
type update struct {
	seq  uint64
	snap Snapshot
	subs []func(Snapshot)
}

// Controller drives recording sessions. All exported methods are safe for
// concurrent use.
type Controller struct {
	device    audio.Device
	dialer    transport.Dialer
	notifier  Notifier
	sinks     []UtteranceSink
	metrics   *observe.Metrics
	languages map[string]string
	recorder  RecorderFactory
	now       func() time.Time

	// opMu serialises Start, Stop, Switch, Toggle and Close.
	opMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	active    Config // config of the current or most recent session
	state     State
	rec       *reconcile.Reconciler
	lastErr   *Error
	connected bool
	cur       *run
	gen       uint64
	sessionID string
	startedAt time.Time
	elapsed   time.Duration
	closed    bool

	restart    *time.Timer
	restartSeq uint64

	subs    map[uint64]func(Snapshot)
	nextSub uint64
	seq     uint64

	pubMu     sync.Mutex
	published uint64

	sinkCh   chan history.Utterance
	sinkDone chan struct{}
}

// New creates a Controller in the Idle state. cfg is completed with
// defaults and validated.
func New(device audio.Device, dialer transport.Dialer, cfg Config, opts ...Option) (*Controller, error) {
	if device == nil {
		return nil, errors.New("session: capture device is required")
	}
	if dialer == nil {
		return nil, errors.New("session: transport dialer is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		device:   device,
		dialer:   dialer,
		cfg:      cfg,
		active:   cfg,
		rec:      reconcile.New(),
		subs:     make(map[uint64]func(Snapshot)),
		sinkCh:   make(chan history.Utterance, sinkQueue),
		sinkDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.languages == nil {
		c.languages = DefaultLanguages
	}
	if c.now == nil {
		c.now = time.Now
	}
	go c.sinkLoop()
	return c, nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Start begins a recording session from Idle or Error. Starting while
// already recording is a no-op. On failure the controller enters Error, all
// acquired resources are released and the returned error is a *[Error].
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(ctx)
}

// Stop ends the current session gracefully: capture is released, the
// pending frame flushed, audio-end sent and the terminal result awaited for
// up to the finalize timeout. Stopping when not recording is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop(ctx)
}

// Toggle stops when recording and starts otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	recording := c.state == StateRecording
	c.mu.Unlock()
	if recording {
		return c.stop(ctx)
	}
	return c.start(ctx)
}

// Switch changes service and language. When recording, the session is
// restarted with the new settings; otherwise they apply to the next Start.
// An empty language keeps the current one.
func (c *Controller) Switch(ctx context.Context, service Service, language string) error {
	if !service.IsValid() {
		return fmt.Errorf("session: switch: unknown service %q", service)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if language == "" {
		language = c.cfg.Language
	}
	c.cfg.Service = service
	c.cfg.Language = language
	recording := c.state == StateRecording
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)

	if !recording {
		return nil
	}
	if err := c.stop(ctx); err != nil {
		return err
	}
	if err := c.start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	label := c.languageLabel(language)
	c.mu.Unlock()
	c.notifier.Notify(ctx, Notification{
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("switched to %s (%s)", service.Label(), label),
	})
	return nil
}

// Configure replaces the session settings. They apply from the next Start.
func (c *Controller) Configure(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cfg = cfg
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)
	return nil
}

// SetLanguages replaces the language label map. A nil map restores
// [DefaultLanguages].
func (c *Controller) SetLanguages(labels map[string]string) {
	if labels == nil {
		labels = DefaultLanguages
	}
	c.mu.Lock()
	c.languages = labels
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)
}

// Config returns the settings the next session will use.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Clear drops the whole transcript.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.rec.Clear()
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)
}

// Close stops any session, cancels a pending restart and waits for queued
// utterances to reach the sinks. Safe to call more than once.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancelRestartLocked()
	c.mu.Unlock()

	err := c.stop(context.Background())

	c.mu.Lock()
	c.closed = true
	close(c.sinkCh)
	c.mu.Unlock()
	<-c.sinkDone
	return err
}

func (c *Controller) start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cancelRestartLocked()
	if c.state == StateRecording {
		c.mu.Unlock()
		return nil
	}
	if text := c.rec.Flush(); text != "" {
		c.commitLocked(text)
	}
	c.gen++
	gen, cfg := c.gen, c.cfg
	c.active = cfg
	c.state = StateConnecting
	c.lastErr = nil
	c.sessionID = uuid.NewString()
	c.elapsed = 0
	id := c.sessionID
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)

	ctx, span, log := observe.StartSessionSpan(ctx, "session.start", id,
		observe.ServiceKey.String(string(cfg.Service)),
		observe.LanguageKey.String(cfg.Language),
	)
	r, err := c.open(ctx, gen, id, cfg)
	defer func() { observe.EndSpan(span, err) }()
	if err != nil {
		log.Warn("session start failed", "err", err)
		c.fail(ctx, gen, err)
		return err
	}

	c.mu.Lock()
	c.cur = r
	c.state = StateRecording
	c.connected = true
	c.startedAt = c.now()
	up = c.updateLocked()
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.publish(up)
	go c.pump(r)
	go c.consume(r)
	log.Info("session started", "service", cfg.Service, "language", cfg.Language, "framing", cfg.Framing)
	return nil
}

// open acquires transport then capture and sends start-recording. Every
// resource acquired before a failure is released again.
func (c *Controller) open(ctx context.Context, gen uint64, id string, cfg Config) (*run, error) {
	framer, err := audio.NewFramer(cfg.framerConfig())
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	t0 := c.now()
	sess, err := c.dialer.Open(ctx, transport.Options{SessionID: id, SendQueue: cfg.SendQueue})
	if err != nil {
		return nil, newError(KindTransportConnectFailure, c.now(), fmt.Errorf("session: open transport: %w", err))
	}
	c.metrics.ConnectDuration.Record(ctx, c.now().Sub(t0).Seconds())

	stream, err := c.device.Open(ctx, cfg.captureConfig())
	if err != nil {
		_ = sess.Close()
		return nil, newError(KindPermissionDenied, c.now(), fmt.Errorf("session: open capture: %w", err))
	}

	if err := sess.Start(ctx, cfg.StartRequest()); err != nil {
		_ = stream.Close()
		_ = sess.Close()
		return nil, newError(KindTransportConnectFailure, c.now(), fmt.Errorf("session: start recording: %w", err))
	}

	var rec FrameRecorder
	if c.recorder != nil {
		if rec, err = c.recorder(id, cfg.SampleRate); err != nil {
			slog.Warn("session: audio recording disabled", "session_id", id, "err", err)
			rec = nil
		}
	}

	return &run{
		gen:        gen,
		id:         id,
		cfg:        cfg,
		stream:     stream,
		sess:       sess,
		framer:     framer,
		silence:    NewSilenceDetector(cfg.SilenceThreshold, cfg.SilenceRestart),
		resamp:     &audio.Resampler{From: stream.SampleRate(), To: cfg.SampleRate},
		rec:        rec,
		stopPump:   make(chan struct{}),
		pumpDone:   make(chan struct{}),
		eventsDone: make(chan struct{}),
		terminal:   make(chan struct{}),
	}, nil
}

// fail moves a start attempt of generation gen into Error.
func (c *Controller) fail(ctx context.Context, gen uint64, err error) {
	var serr *Error
	if !errors.As(err, &serr) {
		serr = newError(KindTransportConnectFailure, c.now(), err)
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.connected = false
	c.lastErr = serr
	up := c.updateLocked()
	c.mu.Unlock()
	c.reportError(ctx, serr)
	c.publish(up)
}

func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	c.cancelRestartLocked()
	r := c.cur
	if c.state != StateRecording || r == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateFinalizing
	r.stopTimeoutLocked()
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)

	ctx, span, log := observe.StartSessionSpan(ctx, "session.stop", r.id)
	defer span.End()

	c.releaseCapture(r)
	if f, ok := r.framer.Flush(); ok {
		c.send(r, f)
	}
	if err := r.sess.EndAudio(ctx); err != nil {
		log.Warn("session: audio-end failed", "err", err)
	}

	wait := time.NewTimer(r.cfg.FinalizeTimeout)
	defer wait.Stop()
	select {
	case <-r.terminal:
	case <-wait.C:
		log.Debug("session: no terminal result before finalize timeout", "timeout", r.cfg.FinalizeTimeout)
	case <-ctx.Done():
	}

	c.releaseTransport(r)
	c.finishRun(ctx, r, StateIdle, nil)
	log.Info("session stopped")
	return nil
}

// abort tears r down after a capture or transport failure and enters Error.
func (c *Controller) abort(r *run, serr *Error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.cur != r || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	r.stopTimeoutLocked()
	c.mu.Unlock()

	ctx := context.Background()
	slog.Warn("session aborted", "session_id", r.id, "err", serr)
	c.releaseCapture(r)
	c.releaseTransport(r)
	c.reportError(ctx, serr)
	c.finishRun(ctx, r, StateError, serr)
}

// stopRun gracefully stops r if it is still the recording session.
func (c *Controller) stopRun(r *run, reason string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.isRecording(r) {
		return
	}
	slog.Info("session stopping", "session_id", r.id, "reason", reason)
	_ = c.stop(context.Background())
}

// silenceRestart stops r and schedules a deferred start.
func (c *Controller) silenceRestart(r *run) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if !c.isRecording(r) {
		return
	}
	ctx := context.Background()
	slog.Info("silence detected, restarting session", "session_id", r.id, "delay", r.cfg.RestartDelay)
	_ = c.stop(ctx)
	c.metrics.RecordRestart(ctx, "silence")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelRestartLocked()
	seq := c.restartSeq
	c.restart = time.AfterFunc(r.cfg.RestartDelay, func() { c.deferredStart(seq) })
}

func (c *Controller) deferredStart(seq uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	if c.closed || c.restart == nil || c.restartSeq != seq {
		c.mu.Unlock()
		return
	}
	c.restart = nil
	c.mu.Unlock()
	if err := c.start(context.Background()); err != nil {
		slog.Warn("session restart failed", "err", err)
	}
}

// cancelRestartLocked cancels a pending deferred start. Caller holds c.mu.
func (c *Controller) cancelRestartLocked() {
	c.restartSeq++
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
}

// RestartPending reports whether a deferred start is scheduled.
func (c *Controller) RestartPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restart != nil
}

func (c *Controller) isRecording(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == r && c.state == StateRecording
}

func (c *Controller) releaseCapture(r *run) {
	close(r.stopPump)
	if err := r.stream.Close(); err != nil {
		slog.Debug("session: close capture", "session_id", r.id, "err", err)
	}
	<-r.pumpDone
}

func (c *Controller) releaseTransport(r *run) {
	if err := r.sess.Close(); err != nil {
		slog.Debug("session: close transport", "session_id", r.id, "err", err)
	}
	<-r.eventsDone
	if r.rec != nil {
		if err := r.rec.Close(); err != nil {
			slog.Warn("session: close audio recording", "session_id", r.id, "err", err)
		}
	}
}

// finishRun detaches r and moves to state. Remaining window text is folded
// into the committed transcript.
func (c *Controller) finishRun(ctx context.Context, r *run, state State, serr *Error) {
	c.mu.Lock()
	r.stopTimeoutLocked()
	r.outstanding = false
	c.cur = nil
	c.state = state
	c.connected = false
	if serr != nil {
		c.lastErr = serr
	}
	c.elapsed = c.now().Sub(c.startedAt)
	elapsed := c.elapsed
	if text := c.rec.Flush(); text != "" {
		c.commitLocked(text)
	}
	up := c.updateLocked()
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.SessionDuration.Record(ctx, elapsed.Seconds())
	c.publish(up)
}

// stopTimeoutLocked cancels the response timer. Caller holds Controller.mu.
func (r *run) stopTimeoutLocked() {
	if r.timeout != nil {
		r.timeout.Stop()
		r.timeout = nil
	}
}

// ─── Capture pump ─────────────────────────────────────────────────────────────

func (c *Controller) pump(r *run) {
	defer close(r.pumpDone)
	bufs := r.stream.Buffers()
	for {
		select {
		case <-r.stopPump:
			return
		case raw, ok := <-bufs:
			if !ok {
				go c.stopRun(r, "capture ended")
				return
			}
			c.capture(r, raw)
		}
	}
}

func (c *Controller) capture(r *run, raw []float32) {
	raw = r.resamp.Resample(raw)
	frames, energy := r.framer.Push(raw)
	for _, f := range frames {
		c.send(r, f)
	}
	span := time.Duration(len(raw)) * time.Second / time.Duration(r.cfg.SampleRate)
	if !r.silence.Observe(energy, span) {
		return
	}
	if r.cfg.AutoRestart {
		go c.silenceRestart(r)
		return
	}
	slog.Debug("silence detected", "session_id", r.id, "silent_for", r.silence.SilentFor())
}

func (c *Controller) send(r *run, f audio.Frame) {
	if r.rec != nil {
		if err := r.rec.WriteFrame(f); err != nil {
			r.recWarn.Do(func() {
				slog.Warn("session: audio recording write failed", "session_id", r.id, "err", err)
			})
		}
	}
	ctx := context.Background()
	err := r.sess.SendAudio(f.Bytes())
	switch {
	case err == nil:
		c.metrics.FramesSent.Add(ctx, 1)
		c.markSent(r)
	case errors.Is(err, transport.ErrQueueFull):
		c.metrics.FramesDropped.Add(ctx, 1)
	case errors.Is(err, transport.ErrClosed):
	default:
		slog.Debug("session: send audio", "session_id", r.id, "err", err)
	}
}

// markSent arms the response timeout for the first send after a result.
func (c *Controller) markSent(r *run) {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	r.lastSend = c.now()
	if r.outstanding || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	r.outstanding = true
	gen := r.gen
	r.timeout = time.AfterFunc(r.cfg.ResponseTimeout, func() { c.responseTimeout(r, gen) })
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)
}

func (c *Controller) responseTimeout(r *run, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.cur != r || c.state != StateRecording || !r.outstanding {
		c.mu.Unlock()
		return
	}
	serr := newError(KindRecognitionTimeout, c.now(),
		fmt.Errorf("no recognition result within %s", r.cfg.ResponseTimeout))
	c.lastErr = serr
	up := c.updateLocked()
	c.mu.Unlock()

	c.reportError(context.Background(), serr)
	c.publish(up)
	c.stopRun(r, "response timeout")
}

// ─── Inbound events ───────────────────────────────────────────────────────────

func (c *Controller) consume(r *run) {
	defer close(r.eventsDone)
	for ev := range r.sess.Events() {
		c.handle(r, ev)
	}
}

func (c *Controller) handle(r *run, ev transport.Event) {
	ctx := context.Background()
	switch ev.Kind {
	case transport.EventConnected:
		c.mu.Lock()
		if c.cur != r {
			c.mu.Unlock()
			return
		}
		c.connected = true
		up := c.updateLocked()
		c.mu.Unlock()
		c.publish(up)
	case transport.EventResult:
		c.result(ctx, r, ev.Payload)
	case transport.EventBackendError:
		c.backendError(ctx, r, errors.New(ev.Message))
	case transport.EventDisconnected:
		c.disconnected(r, ev.Err)
	}
}

func (c *Controller) result(ctx context.Context, r *run, payload []byte) {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	now := c.now()
	var latency time.Duration
	if r.outstanding {
		latency = now.Sub(r.lastSend)
		r.outstanding = false
		r.stopTimeoutLocked()
	}

	out, err := c.rec.Apply(payload)
	if err != nil {
		up := c.updateLocked()
		c.mu.Unlock()
		var be *reconcile.BackendError
		if errors.As(err, &be) {
			c.backendError(ctx, r, be)
		} else {
			slog.Debug("session: dropping malformed result", "session_id", r.id, "err", err)
			c.metrics.RecordError(ctx, KindMalformedResult.String())
		}
		c.publish(up)
		return
	}
	if out.Utterance != "" {
		c.commitLocked(out.Utterance)
	}
	if out.Final && c.state == StateFinalizing {
		r.finish()
	}
	up := c.updateLocked()
	c.mu.Unlock()

	c.metrics.RecordResult(ctx, string(out.Format), out.Final)
	if latency > 0 {
		c.metrics.ResultLatency.Record(ctx, latency.Seconds())
	}
	c.publish(up)
}

// backendError reports err without stopping the session.
func (c *Controller) backendError(ctx context.Context, r *run, err error) {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	serr := newError(KindBackendError, c.now(), err)
	c.lastErr = serr
	up := c.updateLocked()
	c.mu.Unlock()
	c.reportError(ctx, serr)
	c.publish(up)
}

func (c *Controller) disconnected(r *run, err error) {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	c.connected = false
	state := c.state
	r.finish()
	up := c.updateLocked()
	c.mu.Unlock()
	c.publish(up)

	if state != StateRecording {
		return
	}
	if err != nil {
		serr := newError(KindTransportConnectFailure, c.now(), fmt.Errorf("session: connection lost: %w", err))
		go c.abort(r, serr)
		return
	}
	go c.stopRun(r, "backend closed the connection")
}

func (c *Controller) reportError(ctx context.Context, serr *Error) {
	c.metrics.RecordError(ctx, serr.Kind.String())
	c.notifier.Notify(ctx, Notification{Severity: SeverityError, Message: serr.Message, Kind: serr.Kind})
}

// ─── Utterances ───────────────────────────────────────────────────────────────

// commitLocked queues text for the sinks. Caller holds c.mu.
func (c *Controller) commitLocked(text string) {
	c.metrics.RecordUtterance(context.Background(), string(c.active.Service))
	if len(c.sinks) == 0 || c.closed {
		return
	}
	u := history.Utterance{
		SessionID: c.sessionID,
		Service:   string(c.active.Service),
		Language:  c.active.Language,
		Text:      text,
		At:        c.now(),
	}
	select {
	case c.sinkCh <- u:
	default:
		slog.Warn("session: utterance queue full, dropping", "session_id", u.SessionID)
	}
}

func (c *Controller) sinkLoop() {
	defer close(c.sinkDone)
	for u := range c.sinkCh {
		for _, s := range c.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := s.Append(ctx, u); err != nil {
				slog.Warn("session: utterance sink failed", "session_id", u.SessionID, "err", err)
			}
			cancel()
		}
	}
}

// ─── Observers ────────────────────────────────────────────────────────────────

// Subscribe registers fn to receive a snapshot after every change. Snapshots
// are delivered in order, though intermediate ones may be skipped when
// changes race. fn must not block. The returned func unsubscribes.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Snapshot returns the current consumer view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Transcript returns the full transcript text.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Transcript()
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent reportable error, or nil.
func (c *Controller) LastError() *Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) snapshotLocked() Snapshot {
	elapsed := c.elapsed
	if c.state == StateRecording || c.state == StateFinalizing {
		elapsed = c.now().Sub(c.startedAt)
	}
	return Snapshot{
		SessionID:     c.sessionID,
		Transcript:    c.rec.Transcript(),
		Committed:     c.rec.Committed(),
		Pending:       c.rec.Pending(),
		State:         c.state,
		Recording:     c.state == StateRecording,
		Connected:     c.connected,
		Processing:    c.cur != nil && c.cur.outstanding,
		LastError:     c.lastErr,
		Service:       c.cfg.Service,
		Language:      c.cfg.Language,
		ServiceLabel:  c.cfg.Service.Label(),
		LanguageLabel: c.languageLabel(c.cfg.Language),
		Elapsed:       elapsed,
		ElapsedText:   FormatElapsed(elapsed),
	}
}

func (c *Controller) updateLocked() update {
	c.seq++
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return update{seq: c.seq, snap: c.snapshotLocked(), subs: subs}
}

func (c *Controller) publish(up update) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if up.seq <= c.published {
		return
	}
	c.published = up.seq
	for _, fn := range up.subs {
		fn(up.snap)
	}
}

// languageLabel must be called with c.mu held.
func (c *Controller) languageLabel(code string) string {
	if l, ok := c.languages[code]; ok {
		return l
	}
	return code
}
