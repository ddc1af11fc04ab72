package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/liveasr/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
transport:
  url: "ws://localhost:3000/asr"
recognition:
  service: RTASR
  language: zh_cn
`

const watcherUpdatedYAML = `
server:
  log_level: debug
transport:
  url: "ws://localhost:3000/asr"
recognition:
  service: IFLYTEK_STT
  language: en_us
`

const watcherInvalidYAML = `
server:
  log_level: bananas
transport:
  url: "ws://localhost:3000/asr"
`

const pollInterval = 20 * time.Millisecond

// reloads records every onChange call.
type reloads struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	ch    chan struct{}
}

func newReloads() *reloads { return &reloads{ch: make(chan struct{}, 16)} }

func (r *reloads) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *reloads) last() (old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.calls[len(r.calls)-1]
	return c[0], c[1]
}

func (r *reloads) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}
}

// startWatcher writes content to a temp config, starts a watcher on it and
// stops it when the test ends.
func startWatcher(t *testing.T, content string) (*config.Watcher, *reloads, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	rec := newReloads()
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, rec, path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// settle waits several poll intervals.
func settle() { time.Sleep(10 * pollInterval) }

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _, _ := startWatcher(t, watcherValidYAML)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Recognition.Language != "zh_cn" {
		t.Errorf("initial config = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected error for invalid file")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	w, rec, path := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)
	rec.wait(t)

	old, new := rec.last()
	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels old=%q new=%q", old.Server.LogLevel, new.Server.LogLevel)
	}
	if d := config.Diff(old, new); !d.RecognitionChanged || d.NewService != "IFLYTEK_STT" {
		t.Errorf("diff = %+v, want recognition change to IFLYTEK_STT", d)
	}
	if w.Current() != new {
		t.Error("Current() is not the reloaded config")
	}
}

func TestWatcher_AtomicRenameSave(t *testing.T) {
	t.Parallel()

	_, rec, path := startWatcher(t, watcherValidYAML)

	tmp := path + ".swp"
	writeFile(t, tmp, watcherUpdatedYAML)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	rec.wait(t)

	if _, new := rec.last(); new.Recognition.Language != "en_us" {
		t.Errorf("language = %q, want en_us", new.Recognition.Language)
	}
}

func TestWatcher_InvalidEditKeepsConfigUntilFixed(t *testing.T) {
	t.Parallel()

	w, rec, path := startWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherInvalidYAML)
	settle()

	if n := rec.count(); n != 0 {
		t.Fatalf("onChange called %d times for an invalid edit", n)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() changed to %q", w.Current().Server.LogLevel)
	}

	writeFile(t, path, watcherUpdatedYAML)
	rec.wait(t)
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("fixed edit not applied: %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_IgnoresIneffectiveEdits(t *testing.T) {
	t.Parallel()

	w, rec, path := startWatcher(t, watcherValidYAML)

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	writeFile(t, path, "# operator note\n"+watcherValidYAML)
	settle()

	if n := rec.count(); n != 0 {
		t.Errorf("onChange called %d times, want 0", n)
	}
	if w.Current().Recognition.Service != "RTASR" {
		t.Errorf("Current() = %+v", w.Current().Recognition)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	w.Stop()
	w.Stop()
	if err := w.Run(context.Background()); err != nil {
		t.Errorf("Run after Stop: %v", err)
	}
}
