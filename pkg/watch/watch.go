// Package watch reports changes of a file, debounced. It watches the
// containing directory, which survives editors that replace files on save.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/giftline/recon/pkg/logutil"
)

var logger = logutil.GetLogger("[watch] ")

// ErrFileRemoved is reported when the watched file is removed.
var ErrFileRemoved = errors.New("watched file was removed")

// Watcher watches one file.
type Watcher struct {
	path     string
	debounce time.Duration
	fsw      *fsnotify.Watcher
	changes  chan struct{}
	// OnError, if not nil, is called with errors that do not stop the
	// watcher.
	OnError func(error)
}

// New starts watching path. Changes are delivered once the file has been
// quiet for the debounce duration.
func New(path string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: abs, debounce: debounce, fsw: fsw, changes: make(chan struct{}, 1)}, nil
}

// Path returns the absolute path of the watched file.
func (w *Watcher) Path() string { return w.path }

// Changes receives a value after every debounced change. Changes that happen
// while a value is pending are coalesced into it.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Run delivers changes until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			switch {
			case ev.Op&fsnotify.Remove != 0:
				w.error(ErrFileRemoved)
			case ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				timer.Reset(w.debounce)
			}
		case <-timer.C:
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.error(err)
		}
	}
}

func (w *Watcher) error(err error) {
	logger.Printf("%s: %v", w.path, err)
	if w.OnError != nil {
		w.OnError(err)
	}
}

// Close stops watching. A running Run returns.
func (w *Watcher) Close() error { return w.fsw.Close() }
