package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/objclass/internal/ports"
)

// DefaultWatchDebounce coalesces bursts of writes to one class directory.
const DefaultWatchDebounce = 500 * time.Millisecond

// WatchMode reports changes under the class directory, one callback per
// class after its changes settle.
type WatchMode struct {
	classDir string
	debounce time.Duration
	onChange func(ctx context.Context, class string)
	logger   ports.Logger

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	once   sync.Once

	mu        sync.Mutex
	debouncer map[string]func(func())
}

// WatchOptions configures watch mode behavior.
type WatchOptions struct {
	ClassDir string
	Debounce time.Duration
	Logger   ports.Logger
}

// NewWatchMode watches opts.ClassDir and every class directory in it.
func NewWatchMode(opts WatchOptions, onChange func(ctx context.Context, class string)) (*WatchMode, error) {
	d := opts.Debounce
	if d <= 0 {
		d = DefaultWatchDebounce
	}
	if opts.Logger == nil {
		return nil, errors.New("watch: a logger is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &WatchMode{
		classDir:  filepath.Clean(opts.ClassDir),
		debounce:  d,
		onChange:  onChange,
		logger:    opts.Logger,
		fsw:       fsw,
		stopCh:    make(chan struct{}),
		debouncer: make(map[string]func(func())),
	}
	if err := w.addDirectories(); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start delivers changes until ctx ends or Stop is called.
func (w *WatchMode) Start(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	w.logger.Info(ctx, "watching class directory", ports.F("dir", w.classDir), ports.F("debounce", w.debounce))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed")
			}
			w.handleEvent(ctx, evt)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed")
			}
			w.logger.Warn(ctx, "watch error", ports.F("error", err))
		}
	}
}

// Stop ends Start. Pending debounced callbacks may still fire.
func (w *WatchMode) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *WatchMode) addDirectories() error {
	if err := w.fsw.Add(w.classDir); err != nil {
		return fmt.Errorf("watch: %s: %w", w.classDir, err)
	}
	entries, err := os.ReadDir(w.classDir)
	if err != nil {
		return fmt.Errorf("watch: read %s: %w", w.classDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.fsw.Add(filepath.Join(w.classDir, entry.Name())); err != nil {
				return fmt.Errorf("watch: %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

// className maps a path to the class directory it belongs to.
func (w *WatchMode) className(path string) (string, bool) {
	rel, err := filepath.Rel(w.classDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	name := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

func (w *WatchMode) handleEvent(ctx context.Context, evt fsnotify.Event) {
	class, ok := w.className(evt.Name)
	if !ok {
		return
	}
	if evt.Has(fsnotify.Chmod) && !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return
	}
	if evt.Has(fsnotify.Create) && filepath.Dir(evt.Name) == w.classDir {
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(evt.Name); err != nil {
				w.logger.Warn(ctx, "watch add failed", ports.F("class", class), ports.F("error", err))
			}
		}
	}

	w.logger.Debug(ctx, "class directory changed", ports.F("class", class), ports.F("path", evt.Name), ports.F("op", evt.Op.String()))
	w.handleChanges(ctx, class)
}

// handleChanges schedules the callback for class once its changes settle.
func (w *WatchMode) handleChanges(ctx context.Context, class string) {
	w.mu.Lock()
	debounced, ok := w.debouncer[class]
	if !ok {
		debounced = debounce.New(w.debounce)
		w.debouncer[class] = debounced
	}
	w.mu.Unlock()

	debounced(func() {
		if ctx.Err() != nil {
			return
		}
		w.onChange(ctx, class)
	})
}
