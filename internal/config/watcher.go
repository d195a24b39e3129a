package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the previous config, the new one and their [Diff].
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher reloads a config file when its content changes. It polls rather
// than using inotify so that it also works on bind-mounted ConfigMaps, where
// the file is replaced through a symlink swap.
//
// A file that fails to load or validate is reported once per distinct
// content and otherwise ignored: the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc
	log      *slog.Logger

	// reload serialises Reload calls from Run and from signal handlers.
	reload sync.Mutex

	mu       sync.Mutex
	current  *Config
	sum      [sha256.Size]byte
	rejected [sha256.Size]byte
	stat     fileStat
}

type fileStat struct {
	mod  time.Time
	size int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and returns a watcher for it. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.stat = cfg, sha256.Sum256(data), st
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and always returns nil, so it can run inside an
// errgroup without ending the group.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.unchanged() {
				continue
			}
			if _, _, err := w.Reload(); err != nil {
				w.log.Warn("config watcher: reload failed", "path", w.path, "err", err)
			}
		}
	}
}

// unchanged is the cheap pre-check: same modification time and size.
func (w *Watcher) unchanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return info.ModTime().Equal(w.stat.mod) && info.Size() == w.stat.size
}

// Reload reads the file now and applies it when its content differs from the
// current config. It reports whether a new config was applied. A file that
// does not validate returns a nil error the second time the same content is
// seen, so callers log it once.
func (w *Watcher) Reload() (ConfigDiff, bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	st, data, err := w.read()
	if err != nil {
		return ConfigDiff{}, false, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.stat = st
	if sum == w.sum || sum == w.rejected {
		w.mu.Unlock()
		return ConfigDiff{}, false, nil
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = sum
		w.mu.Unlock()
		return ConfigDiff{}, false, fmt.Errorf("keeping previous config: %w", err)
	}

	w.mu.Lock()
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"pipeline_changed", d.PipelineChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return d, true, nil
}

func (w *Watcher) read() (fileStat, []byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return fileStat{}, nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fileStat{}, nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return fileStat{}, nil, err
	}
	return fileStat{mod: info.ModTime(), size: info.Size()}, buf.Bytes(), nil
}
