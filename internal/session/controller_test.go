package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/liveasr/internal/history"
	"github.com/MrWong99/liveasr/internal/observe"
	"github.com/MrWong99/liveasr/pkg/audio"
	audiomock "github.com/MrWong99/liveasr/pkg/audio/mock"
	"github.com/MrWong99/liveasr/pkg/transport"
	transportmock "github.com/MrWong99/liveasr/pkg/transport/mock"
)

// ─── Test doubles ─────────────────────────────────────────────────────────────

type fakeSink struct {
	mu  sync.Mutex
	got []history.Utterance
}

func (s *fakeSink) Append(_ context.Context, u history.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
	return nil
}

func (s *fakeSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, u := range s.got {
		out[i] = u.Text
	}
	return out
}

func (s *fakeSink) All() []history.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Utterance(nil), s.got...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) All() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	frames []audio.Frame
	closed bool
}

func (r *fakeRecorder) WriteFrame(f audio.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// ─── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	c      *Controller
	dev    *audiomock.Device
	dialer *transportmock.Dialer
	notes  *recordingNotifier
	sink   *fakeSink
	reader *sdkmetric.ManualReader

	mu      sync.Mutex
	streams []*audiomock.Stream
}

func testConfig() Config {
	return Config{
		Service:         StreamingASR,
		Language:        "en_us",
		ResponseTimeout: time.Minute,
		FinalizeTimeout: 50 * time.Millisecond,
		SilenceRestart:  time.Hour,
		RestartDelay:    10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer: &transportmock.Dialer{},
		notes:  &recordingNotifier{},
		sink:   &fakeSink{},
		reader: sdkmetric.NewManualReader(),
	}
	h.dev = &audiomock.Device{OpenFunc: func(cc audio.CaptureConfig) (audio.Stream, error) {
		s := audiomock.NewStream(cc.SampleRate, 64)
		h.mu.Lock()
		h.streams = append(h.streams, s)
		h.mu.Unlock()
		return s, nil
	}}
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]Option{WithMetrics(m), WithNotifier(h.notes), WithSink(h.sink)}, opts...)
	h.c, err = New(h.dev, h.dialer, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func (h *harness) stream(t *testing.T, i int) *audiomock.Stream {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.streams) {
		t.Fatalf("stream %d not opened (have %d)", i, len(h.streams))
	}
	return h.streams[i]
}

func (h *harness) start(t *testing.T) *transportmock.Session {
	t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.c.State(); got != StateRecording {
		t.Fatalf("state after Start = %s, want recording", got)
	}
	return h.dialer.Last()
}

func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); key == "" || ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func constant(n int, v float32) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

func streaming(text string, final bool) []byte {
	return fmt.Appendf(nil, `{"data":{"result":{"text":%q,"isEnd":%t}}}`, text, final)
}

func dictation(sn, status int, text, extra string) []byte {
	return fmt.Appendf(nil,
		`{"code":0,"data":{"status":%d,"result":{"sn":%d,"ws":[{"cw":[{"w":%q}]}]%s}}}`,
		status, sn, text, extra)
}

func audioEnds(s *transportmock.Session) int {
	_, _, n, _ := s.Snapshot()
	return n
}

func sentChunks(s *transportmock.Session) [][]byte {
	_, chunks, _, _ := s.Snapshot()
	return chunks
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestController_StartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	sess := h.start(t)
	starts, _, _, _ := sess.Snapshot()
	if len(starts) != 1 || starts[0].ServiceType != "RTASR" || starts[0].Options["language"] != "en_us" {
		t.Fatalf("start requests = %+v", starts)
	}
	if got := h.dev.OpenCalls[0].Config.BufferSize; got != 4096 {
		t.Errorf("capture buffer = %d, want 4096", got)
	}
	if snap := h.c.Snapshot(); !snap.Recording || !snap.Connected || snap.SessionID == "" {
		t.Errorf("snapshot after start = %+v", snap)
	}

	h.stream(t, 0).Send(constant(4096, 0.5))
	eventually(t, func() bool { return len(sentChunks(sess)) == 1 }, "one frame sent")
	if got := len(sentChunks(sess)[0]); got != 8192 {
		t.Errorf("frame bytes = %d, want 8192", got)
	}

	sess.EmitResult(streaming("hello", false))
	eventually(t, func() bool { return h.c.Transcript() == "hello" }, "partial transcript")

	sess.OnEndAudio = func(s *transportmock.Session) {
		s.EmitResult(streaming("hello world", true))
	}
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap := h.c.Snapshot()
	if snap.State != StateIdle || snap.Recording || snap.Connected {
		t.Errorf("snapshot after stop = %+v", snap)
	}
	if snap.Transcript != "hello world" || snap.Committed != "hello world" || snap.Pending != "" {
		t.Errorf("transcript = %q committed = %q pending = %q", snap.Transcript, snap.Committed, snap.Pending)
	}
	_, _, ends, closes := sess.Snapshot()
	if ends != 1 || closes != 1 {
		t.Errorf("audio-end = %d, close = %d, want 1 and 1", ends, closes)
	}
	if !h.stream(t, 0).Closed() {
		t.Error("capture stream not released")
	}
	eventually(t, func() bool { return len(h.sink.Texts()) == 1 }, "utterance delivered to sink")
	u := h.sink.All()[0]
	if u.Text != "hello world" || u.Service != "RTASR" || u.Language != "en_us" || u.SessionID != snap.SessionID {
		t.Errorf("utterance = %+v", u)
	}
	if got := h.counter(t, "liveasr.audio.frames_sent", "", ""); got != 1 {
		t.Errorf("frames_sent = %d, want 1", got)
	}
	if got := h.counter(t, "liveasr.results", "format", "streaming"); got != 2 {
		t.Errorf("streaming results = %d, want 2", got)
	}
}

func TestController_DoubleStopSendsOneAudioEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	sess := h.start(t)

	ctx := context.Background()
	if err := h.c.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := h.c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := audioEnds(sess); got != 1 {
		t.Errorf("audio-end sent %d times, want 1", got)
	}
}

func TestController_StopFlushesRollingRemainder(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Framing = audio.FramingRolling
	h := newHarness(t, cfg)
	sess := h.start(t)

	if got := h.dev.OpenCalls[0].Config.BufferSize; got != 512 {
		t.Fatalf("capture buffer = %d, want 512", got)
	}
	for range 5 {
		h.stream(t, 0).Send(constant(512, 0.25))
	}
	eventually(t, func() bool { return len(sentChunks(sess)) == 4 }, "four rolling frames")
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	chunks := sentChunks(sess)
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	for i, c := range chunks[:4] {
		if len(c) != 1280 {
			t.Errorf("chunk %d = %d bytes, want 1280", i, len(c))
		}
	}
	if got := len(chunks[4]); got != 2*(5*512-4*640) {
		t.Errorf("remainder = %d bytes, want %d", got, 2*(5*512-4*640))
	}
}

func TestController_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(h *harness)
		wantKind  ErrorKind
		wantCause error
		check     func(t *testing.T, h *harness)
	}{
		{
			name: "permission denied",
			setup: func(h *harness) {
				h.dev.OpenFunc = func(audio.CaptureConfig) (audio.Stream, error) {
					return nil, fmt.Errorf("mic: %w", audio.ErrPermissionDenied)
				}
			},
			wantKind:  KindPermissionDenied,
			wantCause: audio.ErrPermissionDenied,
			check: func(t *testing.T, h *harness) {
				_, _, _, closes := h.dialer.Last().Snapshot()
				if closes != 1 {
					t.Errorf("transport closed %d times, want 1", closes)
				}
			},
		},
		{
			name: "connect failure",
			setup: func(h *harness) {
				h.dialer.OpenErr = fmt.Errorf("%w: refused", transport.ErrConnect)
			},
			wantKind:  KindTransportConnectFailure,
			wantCause: transport.ErrConnect,
			check: func(t *testing.T, h *harness) {
				if got := h.dev.OpenCount(); got != 0 {
					t.Errorf("capture opened %d times after connect failure", got)
				}
			},
		},
		{
			name: "start-recording rejected",
			setup: func(h *harness) {
				s := transportmock.NewSession()
				s.StartErr = transport.ErrClosed
				h.dialer.Session = s
			},
			wantKind:  KindTransportConnectFailure,
			wantCause: transport.ErrClosed,
			check: func(t *testing.T, h *harness) {
				if !h.stream(t, 0).Closed() {
					t.Error("capture stream not released")
				}
				_, _, _, closes := h.dialer.Last().Snapshot()
				if closes != 1 {
					t.Errorf("transport closed %d times, want 1", closes)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testConfig())
			tt.setup(h)

			err := h.c.Start(context.Background())
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("Start error = %v, want *Error", err)
			}
			if serr.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", serr.Kind, tt.wantKind)
			}
			if !errors.Is(err, tt.wantCause) {
				t.Errorf("error %v does not wrap %v", err, tt.wantCause)
			}
			snap := h.c.Snapshot()
			if snap.State != StateError || snap.LastError == nil || snap.LastError.Kind != tt.wantKind {
				t.Errorf("snapshot = %+v", snap)
			}
			notes := h.notes.All()
			if len(notes) != 1 || notes[0].Severity != SeverityError || notes[0].Kind != tt.wantKind {
				t.Errorf("notifications = %+v", notes)
			}
			if got := h.counter(t, "liveasr.errors", "kind", tt.wantKind.String()); got != 1 {
				t.Errorf("errors{kind=%s} = %d, want 1", tt.wantKind, got)
			}
			tt.check(t, h)
		})
	}
}

func TestController_StartFromError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.dialer.OpenErr = transport.ErrConnect
	if err := h.c.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}

	h.dialer.OpenErr = nil
	h.start(t)
	if h.c.LastError() != nil {
		t.Errorf("LastError = %v after successful start, want nil", h.c.LastError())
	}
}

func TestController_StartWhileRecordingIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.start(t)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := h.dialer.OpenCount(); got != 1 {
		t.Errorf("transport opened %d times, want 1", got)
	}
}

func TestController_Toggle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.c.Toggle(ctx); err != nil {
		t.Fatalf("Toggle on: %v", err)
	}
	if got := h.c.State(); got != StateRecording {
		t.Fatalf("state = %s, want recording", got)
	}
	if err := h.c.Toggle(ctx); err != nil {
		t.Fatalf("Toggle off: %v", err)
	}
	if got := h.c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if got := audioEnds(h.dialer.Last()); got != 1 {
		t.Errorf("audio-end = %d, want 1", got)
	}
}

func TestController_Switch(t *testing.T) {
	t.Parallel()

	t.Run("idle stores config", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		if err := h.c.Switch(context.Background(), DictationASR, "ja_jp"); err != nil {
			t.Fatalf("Switch: %v", err)
		}
		if got := h.dialer.OpenCount(); got != 0 {
			t.Errorf("transport opened %d times while idle", got)
		}
		snap := h.c.Snapshot()
		if snap.Service != DictationASR || snap.Language != "ja_jp" || snap.LanguageLabel != "Japanese" || snap.ServiceLabel != "Dictation" {
			t.Errorf("snapshot = %+v", snap)
		}
	})

	t.Run("recording restarts", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		first := h.start(t)

		if err := h.c.Switch(context.Background(), DictationASR, "ja_jp"); err != nil {
			t.Fatalf("Switch: %v", err)
		}
		if got := h.dialer.OpenCount(); got != 2 {
			t.Fatalf("transport opened %d times, want 2", got)
		}
		if got := audioEnds(first); got != 1 {
			t.Errorf("first session audio-end = %d, want 1", got)
		}
		starts, _, _, _ := h.dialer.Last().Snapshot()
		if len(starts) != 1 {
			t.Fatalf("start requests = %+v", starts)
		}
		req := starts[0]
		if req.ServiceType != "IFLYTEK_STT" || req.Options["language"] != "ja_jp" || req.Options["dwa"] != "wpgs" {
			t.Errorf("start request = %+v", req)
		}
		if got := h.c.State(); got != StateRecording {
			t.Errorf("state = %s, want recording", got)
		}
		notes := h.notes.All()
		if len(notes) != 1 || notes[0].Severity != SeverityInfo || notes[0].Message != "switched to Dictation (Japanese)" {
			t.Errorf("notifications = %+v", notes)
		}
	})

	t.Run("unknown service", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		if err := h.c.Switch(context.Background(), "NOPE", "en_us"); err == nil {
			t.Fatal("expected error for unknown service")
		}
	})
}

func TestController_SetLanguages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	h.c.SetLanguages(map[string]string{"en_us": "Anglais"})
	if got := h.c.Snapshot().LanguageLabel; got != "Anglais" {
		t.Errorf("LanguageLabel = %q, want Anglais", got)
	}

	h.c.SetLanguages(nil)
	if got := h.c.Snapshot().LanguageLabel; got != "English (US)" {
		t.Errorf("LanguageLabel after reset = %q", got)
	}
}

func TestController_Close(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	sess := h.start(t)

	if err := h.c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := audioEnds(sess); got != 1 {
		t.Errorf("audio-end = %d, want 1", got)
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

// ─── Results and errors ───────────────────────────────────────────────────────

func TestController_DictationTranscript(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Service = DictationASR
	h := newHarness(t, cfg)
	sess := h.start(t)

	sess.EmitResult(dictation(1, 0, "a", ""))
	sess.EmitResult(dictation(2, 1, "b", ""))
	sess.EmitResult(dictation(3, 1, "c", ""))
	sess.EmitResult(dictation(4, 1, "d", ""))
	eventually(t, func() bool { return h.c.Transcript() == "abcd" }, "four segments")

	sess.EmitResult(dictation(5, 1, "X", `,"pgs":"rpl","rg":[2,4]`))
	eventually(t, func() bool { return h.c.Transcript() == "aX" }, "replace range applied")

	sess.EmitResult(dictation(6, 2, "!", `,"ls":true`))
	eventually(t, func() bool { return len(h.sink.Texts()) == 1 }, "terminal utterance")
	if got := h.sink.Texts()[0]; got != "aX!" {
		t.Errorf("utterance = %q, want %q", got, "aX!")
	}
	snap := h.c.Snapshot()
	if snap.Committed != "aX!" || snap.Pending != "" {
		t.Errorf("committed = %q pending = %q", snap.Committed, snap.Pending)
	}
	if got := h.counter(t, "liveasr.results", "format", "dictation"); got != 6 {
		t.Errorf("dictation results = %d, want 6", got)
	}
}

func TestController_BackendErrorDoesNotStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	sess := h.start(t)

	sess.EmitError("quota exceeded")
	eventually(t, func() bool { return h.c.LastError() != nil }, "backend error reported")

	e := h.c.LastError()
	if e.Kind != KindBackendError || e.Message != "quota exceeded" {
		t.Errorf("LastError = %+v", e)
	}
	if got := h.c.State(); got != StateRecording {
		t.Errorf("state = %s, want recording", got)
	}

	sess.EmitResult([]byte(`{"code":10165,"message":"invalid handle","data":{}}`))
	eventually(t, func() bool {
		e := h.c.LastError()
		return e != nil && strings.Contains(e.Message, "invalid handle")
	}, "result code reported")
	if got := h.c.State(); got != StateRecording {
		t.Errorf("state = %s, want recording", got)
	}
}

func TestController_MalformedResultIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	sess := h.start(t)

	sess.EmitResult(streaming("kept", false))
	sess.EmitResult([]byte(`{"unexpected":true}`))
	sess.EmitResult([]byte(`not json`))
	sess.EmitResult(streaming("kept text", false))
	eventually(t, func() bool { return h.c.Transcript() == "kept text" }, "valid results applied")

	if e := h.c.LastError(); e != nil {
		t.Errorf("LastError = %v, want nil", e)
	}
	if n := h.notes.All(); len(n) != 0 {
		t.Errorf("notifications = %+v, want none", n)
	}
	if got := h.counter(t, "liveasr.errors", "kind", "malformed_result"); got != 2 {
		t.Errorf("malformed count = %d, want 2", got)
	}
}

func TestController_ProcessingFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	sess := h.start(t)

	h.stream(t, 0).Send(constant(4096, 0.5))
	eventually(t, func() bool { return h.c.Snapshot().Processing }, "processing after send")

	sess.EmitResult(streaming("hi", false))
	eventually(t, func() bool { return !h.c.Snapshot().Processing }, "processing cleared by result")
}

func TestController_ResponseTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ResponseTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	sess := h.start(t)

	h.stream(t, 0).Send(constant(4096, 0.5))
	eventually(t, func() bool { return h.c.State() == StateIdle }, "stop after timeout")

	e := h.c.LastError()
	if e == nil || e.Kind != KindRecognitionTimeout {
		t.Fatalf("LastError = %v, want recognition timeout", e)
	}
	if got := audioEnds(sess); got != 1 {
		t.Errorf("audio-end = %d, want 1", got)
	}
}

func TestController_NoTimeoutWithoutOutstandingAudio(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ResponseTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.start(t)

	time.Sleep(80 * time.Millisecond)
	if got := h.c.State(); got != StateRecording {
		t.Errorf("state = %s, want recording", got)
	}
	if e := h.c.LastError(); e != nil {
		t.Errorf("LastError = %v, want nil", e)
	}
}

func TestController_ConnectionLoss(t *testing.T) {
	t.Parallel()

	t.Run("unexpected drop enters error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		sess := h.start(t)

		sess.Drop(errors.New("connection reset"))
		eventually(t, func() bool { return h.c.State() == StateError }, "error state")

		if e := h.c.LastError(); e == nil || e.Kind != KindTransportConnectFailure {
			t.Errorf("LastError = %v", e)
		}
		if !h.stream(t, 0).Closed() {
			t.Error("capture stream not released")
		}
		if snap := h.c.Snapshot(); snap.Connected {
			t.Error("still connected after drop")
		}
	})

	t.Run("orderly close stops", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		sess := h.start(t)

		sess.Drop(nil)
		eventually(t, func() bool { return h.c.State() == StateIdle }, "idle state")
		if e := h.c.LastError(); e != nil {
			t.Errorf("LastError = %v, want nil", e)
		}
	})

	t.Run("capture end stops", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, testConfig())
		sess := h.start(t)

		h.stream(t, 0).End()
		eventually(t, func() bool { return h.c.State() == StateIdle }, "idle state")
		if got := audioEnds(sess); got != 1 {
			t.Errorf("audio-end = %d, want 1", got)
		}
	})
}

// ─── Silence restart ──────────────────────────────────────────────────────────

func silenceConfig(auto bool) Config {
	cfg := testConfig()
	cfg.FrameSize = 1600 // 100 ms at 16 kHz
	cfg.SilenceRestart = 250 * time.Millisecond
	cfg.AutoRestart = auto
	return cfg
}

func TestController_SilenceRestartOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silenceConfig(true))
	first := h.start(t)

	for range 3 {
		h.stream(t, 0).Send(constant(1600, 0))
	}
	eventually(t, func() bool { return h.dialer.OpenCount() == 2 && h.c.State() == StateRecording }, "restarted session")

	if got := audioEnds(first); got != 1 {
		t.Errorf("first session audio-end = %d, want 1", got)
	}
	if !h.stream(t, 0).Closed() {
		t.Error("first capture stream not released")
	}

	time.Sleep(50 * time.Millisecond)
	if got := h.dialer.OpenCount(); got != 2 {
		t.Errorf("transport opened %d times, want 2", got)
	}
	if got := h.counter(t, "liveasr.session.restarts", "reason", "silence"); got != 1 {
		t.Errorf("restarts = %d, want 1", got)
	}
}

func TestController_NoSilenceRestartWithoutAutoRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silenceConfig(false))
	sess := h.start(t)

	for range 6 {
		h.stream(t, 0).Send(constant(1600, 0))
	}
	eventually(t, func() bool { return len(sentChunks(sess)) == 6 }, "all frames sent")
	time.Sleep(30 * time.Millisecond)

	if got := h.dialer.OpenCount(); got != 1 {
		t.Errorf("transport opened %d times, want 1", got)
	}
	if got := h.c.State(); got != StateRecording {
		t.Errorf("state = %s, want recording", got)
	}
	if got := h.counter(t, "liveasr.session.restarts", "", ""); got != 0 {
		t.Errorf("restarts = %d, want 0", got)
	}
}

func TestController_SpeechPreventsRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, silenceConfig(true))
	sess := h.start(t)

	for _, v := range []float32{0, 0, 0.5, 0, 0, 0.5, 0, 0} {
		h.stream(t, 0).Send(constant(1600, v))
	}
	eventually(t, func() bool { return len(sentChunks(sess)) == 8 }, "all frames sent")
	time.Sleep(30 * time.Millisecond)
	if got := h.dialer.OpenCount(); got != 1 {
		t.Errorf("transport opened %d times, want 1", got)
	}
}

func TestController_StopCancelsPendingRestart(t *testing.T) {
	t.Parallel()
	cfg := silenceConfig(true)
	cfg.RestartDelay = time.Hour
	h := newHarness(t, cfg)
	h.start(t)

	for range 3 {
		h.stream(t, 0).Send(constant(1600, 0))
	}
	eventually(t, h.c.RestartPending, "restart scheduled")
	if got := h.c.State(); got != StateIdle {
		t.Fatalf("state = %s, want idle while restart pending", got)
	}

	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.c.RestartPending() {
		t.Error("restart still pending after Stop")
	}
}

// ─── Consumer view ────────────────────────────────────────────────────────────

func TestController_Clear(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	sess := h.start(t)

	sess.EmitResult(streaming("one", true))
	eventually(t, func() bool { return h.c.Transcript() == "one" }, "transcript")
	h.c.Clear()
	if got := h.c.Transcript(); got != "" {
		t.Errorf("transcript after Clear = %q", got)
	}
}

func TestController_Subscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	var (
		mu     sync.Mutex
		states []State
	)
	unsubscribe := h.c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	})

	h.start(t)
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	unsubscribe()
	h.start(t)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateRecording, StateFinalizing, StateIdle}
	if !slices.Equal(states, want) {
		t.Errorf("observed states = %v, want %v", states, want)
	}
}

func TestController_ElapsedTimer(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	h := newHarness(t, testConfig(), WithClock(clock))
	h.start(t)
	advance(65 * time.Second)
	if got := h.c.Snapshot().ElapsedText; got != "01:05" {
		t.Errorf("elapsed while recording = %q, want 01:05", got)
	}

	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	advance(time.Minute)
	if got := h.c.Snapshot().ElapsedText; got != "01:05" {
		t.Errorf("elapsed after stop = %q, want frozen 01:05", got)
	}
}

func TestController_Recorder(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	var gotID string
	var gotRate int
	factory := func(id string, rate int) (FrameRecorder, error) {
		gotID, gotRate = id, rate
		return rec, nil
	}
	h := newHarness(t, testConfig(), WithRecorder(factory))
	h.start(t)

	h.stream(t, 0).Send(constant(4096, 0.1))
	h.stream(t, 0).Send(constant(4096, 0.1))
	eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.frames) == 2
	}, "recorded frames")
	if err := h.c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.closed {
		t.Error("recorder not closed at stop")
	}
	if gotID != h.c.Snapshot().SessionID || gotRate != 16000 {
		t.Errorf("factory called with %q/%d", gotID, gotRate)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	dev := &audiomock.Device{}
	d := &transportmock.Dialer{}
	if _, err := New(nil, d, testConfig()); err == nil {
		t.Error("expected error for nil device")
	}
	if _, err := New(dev, nil, testConfig()); err == nil {
		t.Error("expected error for nil dialer")
	}
	if _, err := New(dev, d, Config{Service: "X"}); err == nil {
		t.Error("expected error for invalid service")
	}
}
