// Package watcher follows the prover executable on disk so the server
// notices when it is removed, replaced, or loses its execute bit.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// StatusCallback receives the availability of the executable after every
// change, and once when watching starts.
type StatusCallback func(available bool, err error)

// Checker reports whether the executable can be launched.
type Checker func() error

// Watcher monitors the directory of one executable.
type Watcher struct {
	check    Checker
	callback StatusCallback
	log      *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
	last      error
	reported  bool
}

// New creates a watcher for the executable at path. A bare name is looked
// up in PATH when Start runs.
func New(path string, check Checker, callback StatusCallback, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:     path,
		check:    check,
		callback: callback,
		log:      log.With("component", "watcher"),
		debounce: debounceInterval,
	}
}

// Resolve returns the absolute path of an executable, searching PATH for
// bare names.
func Resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("no executable configured")
	}
	if !strings.ContainsRune(path, filepath.Separator) {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", err
		}
		path = found
	}
	return filepath.Abs(path)
}

// Start reports the current status and begins watching.
func (w *Watcher) Start() error {
	abs, err := Resolve(w.path)
	if err != nil {
		w.report(err)
		return fmt.Errorf("resolve %s: %w", w.path, err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w.mu.Lock()
	w.path = abs
	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.report(w.check())
	go w.watchLoop(fsW, abs)
	return nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher, target string) {
	defer close(w.done)
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.report(w.check())
			})

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "path", target, "error", err)
		}
	}
}

// report calls the callback when the status differs from the last report.
func (w *Watcher) report(err error) {
	w.mu.Lock()
	changed := !w.reported || (err == nil) != (w.last == nil)
	w.reported = true
	w.last = err
	w.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(err == nil, err)
	}
}

// Shutdown stops watching.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	fsW, cancel, done := w.fsWatcher, w.cancel, w.done
	w.fsWatcher = nil
	w.mu.Unlock()

	if fsW == nil {
		return
	}
	close(cancel)
	fsW.Close()
	<-done
}
