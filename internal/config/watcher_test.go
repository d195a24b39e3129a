package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/cleanstream/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
pipeline:
  filler_p_threshold: 0.75
transcriber:
  name: whisper
  base_url: "http://localhost:8081"
`

const watcherUpdatedYAML = `
# tuned for the evening session
server:
  log_level: debug
pipeline:
  filler_p_threshold: 0.5
transcriber:
  name: whisper
  base_url: "http://localhost:8081"
`

const watcherRestartYAML = `
server:
  log_level: info
  listen_addr: ":9999"
pipeline:
  filler_p_threshold: 0.75
transcriber:
  name: whisper
  base_url: "http://localhost:8081"
`

const watcherInvalidYAML = `
server:
  log_level: bananas
transcriber:
  name: whisper
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// newWatched writes content to a temp config file and watches it, counting
// callback invocations.
func newWatched(t *testing.T, content string, opts ...config.WatcherOption) (*config.Watcher, string, *atomic.Int32) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cleanstream.yaml")
	writeFile(t, path, content)
	var calls atomic.Int32
	w, err := config.NewWatcher(path, func(_, _ *config.Config, _ config.ConfigDiff) {
		calls.Add(1)
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path, &calls
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, calls := newWatched(t, watcherValidYAML)
	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
	if cfg.Pipeline.Threshold() != 0.75 {
		t.Errorf("threshold = %v, want 0.75", cfg.Pipeline.Threshold())
	}
	if calls.Load() != 0 {
		t.Error("callback fired on initial load")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/cleanstream.yaml", nil); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid file")
	}
}

func TestWatcher_ReloadAppliesHotChanges(t *testing.T) {
	t.Parallel()
	var gotOld, gotNew *config.Config
	path := filepath.Join(t.TempDir(), "cleanstream.yaml")
	writeFile(t, path, watcherValidYAML)
	w, err := config.NewWatcher(path, func(old, new *config.Config, _ config.ConfigDiff) {
		gotOld, gotNew = old, new
	})
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, watcherUpdatedYAML)
	d, applied, err := w.Reload()
	if err != nil || !applied {
		t.Fatalf("Reload = (%v, %v)", applied, err)
	}
	if !d.LogLevelChanged || !d.PipelineChanged || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v", d)
	}
	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("callback old=%q new=%q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if w.Current() != gotNew {
		t.Error("Current() is not the config passed to the callback")
	}
}

func TestWatcher_ReloadReportsRestartRequired(t *testing.T) {
	t.Parallel()
	w, path, _ := newWatched(t, watcherValidYAML)
	writeFile(t, path, watcherRestartYAML)
	d, applied, err := w.Reload()
	if err != nil || !applied {
		t.Fatalf("Reload = (%v, %v)", applied, err)
	}
	if len(d.RestartRequired) == 0 || d.PipelineChanged {
		t.Errorf("diff = %+v", d)
	}
}

func TestWatcher_ReloadSameContentIsNoop(t *testing.T) {
	t.Parallel()
	w, path, calls := newWatched(t, watcherValidYAML)

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if _, applied, err := w.Reload(); err != nil || applied {
		t.Fatalf("Reload after touch = (%v, %v)", applied, err)
	}
	if calls.Load() != 0 {
		t.Error("callback fired for touch-only change")
	}
}

func TestWatcher_InvalidFileReportedOnce(t *testing.T) {
	t.Parallel()
	w, path, calls := newWatched(t, watcherValidYAML)

	writeFile(t, path, watcherInvalidYAML)
	if _, applied, err := w.Reload(); err == nil || applied {
		t.Fatalf("first Reload of invalid file = (%v, %v), want error", applied, err)
	}
	if _, applied, err := w.Reload(); err != nil || applied {
		t.Fatalf("second Reload of same invalid file = (%v, %v), want silent no-op", applied, err)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("invalid file replaced the current config")
	}

	// Fixing the file applies it.
	writeFile(t, path, watcherUpdatedYAML)
	if _, applied, err := w.Reload(); err != nil || !applied {
		t.Fatalf("Reload after fix = (%v, %v)", applied, err)
	}
	if calls.Load() != 1 {
		t.Errorf("callback calls = %d, want 1", calls.Load())
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	w, path, calls := newWatched(t, watcherValidYAML, config.WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML)
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("change not picked up by polling")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
