package indexset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/atomic"
)

const (
	reloadDebounce = 200 * time.Millisecond
	reloadRetry    = 30 * time.Second
)

// ErrReloadNotApplied wraps a failed BeforeSwap hook. The previous registry
// stays in effect and Watch tries again later.
var ErrReloadNotApplied = errors.New("indexset: reload not applied")

// Reloader owns the current Registry and rebuilds it from the index-set file
// whenever the file changes. An invalid file keeps the previous registry.
type Reloader struct {
	path         string
	defaultDelay time.Duration
	deps         Deps
	logger       *slog.Logger
	retry        time.Duration

	current *atomic.Pointer[Registry]

	mu         sync.Mutex
	beforeSwap []func(context.Context, *Registry) error
	listeners  []func(*Registry)
}

// NewReloader loads path once and fails if the initial file is invalid.
func NewReloader(path string, defaultReadOnlyDelay time.Duration, deps Deps) (*Reloader, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rl := &Reloader{
		path:         filepath.Clean(path),
		defaultDelay: defaultReadOnlyDelay,
		deps:         deps,
		logger:       logger.With("component", "indexset-reloader"),
		retry:        reloadRetry,
	}
	reg, err := rl.load()
	if err != nil {
		return nil, err
	}
	rl.current = atomic.NewPointer(reg)
	return rl, nil
}

func (rl *Reloader) load() (*Registry, error) {
	configs, err := LoadConfigFile(rl.path, rl.defaultDelay)
	if err != nil {
		return nil, err
	}
	return NewRegistry(configs, rl.deps)
}

// Current returns the registry in effect. Callers must not cache it across
// requests.
func (rl *Reloader) Current() *Registry { return rl.current.Load() }

// BeforeSwap registers fn to run on every newly loaded registry before it
// becomes Current. Set-up belongs here: once installed, the registry routes
// writes to every set it defines.
func (rl *Reloader) BeforeSwap(fn func(context.Context, *Registry) error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.beforeSwap = append(rl.beforeSwap, fn)
}

// OnReload registers fn to run with every newly installed registry.
func (rl *Reloader) OnReload(fn func(*Registry)) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.listeners = append(rl.listeners, fn)
}

// Reload rebuilds the registry from disk and swaps it in as a whole, after
// every BeforeSwap hook has accepted it.
func (rl *Reloader) Reload(ctx context.Context) error {
	reg, err := rl.load()
	if err != nil {
		rl.logger.Error("index set configuration rejected, keeping previous", "path", rl.path, "error", err)
		return err
	}

	rl.mu.Lock()
	beforeSwap := append([]func(context.Context, *Registry) error{}, rl.beforeSwap...)
	listeners := append([]func(*Registry){}, rl.listeners...)
	rl.mu.Unlock()

	for _, fn := range beforeSwap {
		if err := fn(ctx, reg); err != nil {
			rl.logger.Error("index set configuration not applied, keeping previous", "path", rl.path, "error", err)
			return fmt.Errorf("%w: %w", ErrReloadNotApplied, err)
		}
	}

	rl.current.Store(reg)
	rl.logger.Info("index set configuration reloaded", "path", rl.path, "index_sets", len(reg.All()))
	for _, fn := range listeners {
		fn(reg)
	}
	return nil
}

// Watch reloads on every change to the file until ctx is done. The parent
// directory is watched so editors that replace the file are seen too. A
// reload whose BeforeSwap hook failed is retried until it succeeds or the
// file changes again.
func (rl *Reloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("indexset: watch: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(rl.path)); err != nil {
		return fmt.Errorf("indexset: watch %s: %w", rl.path, err)
	}
	rl.logger.Info("watching index set configuration", "path", rl.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != rl.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(reloadDebounce)
		case <-debounce:
			debounce = nil
			if err := rl.Reload(ctx); errors.Is(err, ErrReloadNotApplied) {
				debounce = time.After(rl.retry)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			rl.logger.Warn("watcher error", "error", err)
		}
	}
}
