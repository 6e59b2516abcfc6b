package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rgbdinput/logging"
	"go.viam.com/rgbdinput/utils"
)

// DefaultWatchDebounce is how long a config file must stay unchanged before it is re-read.
const DefaultWatchDebounce = 250 * time.Millisecond

// A Watcher re-reads a config file whenever it changes and hands every valid new config to its
// callback. Invalid edits are logged and skipped.
type Watcher struct {
	path      string
	logger    logging.Logger
	onChange  func(*Config)
	fsWatcher *fsnotify.Watcher
	debounced func(func())
	reload    chan struct{}
	workers   utils.StoppableWorkers
}

// NewWatcher starts watching path. onChange is called from the watcher's goroutine.
func NewWatcher(path string, delay time.Duration, logger logging.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	// editors often replace the file instead of writing it, so watch the directory
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		return nil, errors.Wrap(multierr.Combine(err, fsWatcher.Close()), "watching config directory")
	}

	w := &Watcher{
		path:      abs,
		logger:    logger,
		onChange:  onChange,
		fsWatcher: fsWatcher,
		debounced: debounce.New(delay),
		reload:    make(chan struct{}, 1),
	}
	w.workers = utils.NewStoppableWorkers(w.run)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			w.debounced(w.requestReload)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("config watcher error", "error", err)
		case <-w.reload:
			cfg, err := Read(w.path)
			if err != nil {
				w.logger.Warnw("ignoring invalid config change", "path", w.path, "error", err)
				continue
			}
			w.logger.Infow("config file changed", "path", w.path)
			w.onChange(cfg)
		}
	}
}

// requestReload never blocks since it runs on a timer goroutine that may fire after Close.
func (w *Watcher) requestReload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.workers.Stop()
	return w.fsWatcher.Close()
}

// InputDiff describes how the input sections of two configs differ, empty when they are the
// same. Input settings only take effect when a capture starts.
func InputDiff(prev, next *Config) string {
	return cmp.Diff(prev.Input, next.Input)
}
