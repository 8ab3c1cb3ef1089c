// Package filewatch dispatches an event the first time a file is written or created.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fsnotify/fsnotify"
	"github.com/on-the-ground/black_box_go/blackbox"
	"go.uber.org/multierr"
)

var ErrWatcherClosed = errors.New("file watcher closed")

// EventFunc maps the file change to the event to dispatch. Returning nil
// dispatches nothing.
type EventFunc func(name string, op fsnotify.Op) blackbox.Event

// Handle watches Path from the moment it enters the state until the first
// write or create, or until it leaves the state.
type Handle struct {
	*blackbox.DeferredHandle

	Path string
}

func New(path string, toEvent EventFunc) *Handle {
	h := &Handle{Path: path}
	h.DeferredHandle = blackbox.NewDeferredContext(func(signal context.Context) (blackbox.Deferred, error) {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			return nil, closeWatcher(watcher, fmt.Errorf("failed to watch file %s: %w", path, err))
		}

		return blackbox.Go(func(ctx context.Context) (ev any, err error) {
			defer func() { err = closeWatcher(watcher, err) }()
			for {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()

				case <-signal.Done():
					return nil, signal.Err()

				case event, ok := <-watcher.Events:
					if !ok {
						return nil, ErrWatcherClosed
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					return toEvent(event.Name, event.Op), nil

				case _, ok := <-watcher.Errors:
					if !ok {
						return nil, ErrWatcherClosed
					}
					// keep watching
				}
			}
		}), nil
	})
	h.Rename("filewatch:" + path)
	return h
}

// closeWatcher closes w and adds a close failure to err.
func closeWatcher(w io.Closer, err error) error {
	if cerr := w.Close(); cerr != nil {
		return multierr.Append(err, fmt.Errorf("failed to close file watcher: %w", cerr))
	}
	return err
}
