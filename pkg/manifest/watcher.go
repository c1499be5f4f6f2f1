package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads manifests when files in the manifest directory change.
// Bursts of events on one file are debounced into a single reload.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	dir                string
	stabilityThreshold time.Duration
	logger             zerolog.Logger
	onReload           func(path string, err error)

	done           chan struct{}
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex
	stopOnce       sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Dir                string
	Loader             *Loader
	StabilityThreshold time.Duration
	Logger             zerolog.Logger

	// OnReload, when set, is called after each debounced load or unload.
	OnReload func(path string, err error)
}

// NewWatcher creates a manifest watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("manifest directory is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:            watcher,
		loader:             cfg.Loader,
		dir:                cfg.Dir,
		stabilityThreshold: cfg.StabilityThreshold,
		logger:             cfg.Logger.With().Str("component", "manifest_watcher").Logger(),
		onReload:           cfg.OnReload,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start creates the directory if needed and starts watching it.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch manifest directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.dir).Msg("Manifest watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Manifest watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			w.debounce(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// debounce schedules a reload of path, replacing a pending one.
func (w *Watcher) debounce(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}

	w.debounceTimers[path] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.reload(path)
		}
	})
}

// reload looks at the file as it is now rather than at the event op, so a
// write, rename or remove all end in the right state.
func (w *Watcher) reload(path string) {
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		w.loader.Unload(path)
	} else {
		err = w.loader.LoadFile(path)
		if err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("Failed to reload manifest")
		}
	}

	if w.onReload != nil {
		w.onReload(path, err)
	}
}

// shouldIgnore skips dotfiles, editor swap files and non-manifest files.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	return !Supported(base)
}
