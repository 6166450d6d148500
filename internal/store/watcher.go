package store

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that the backing document changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes the store's backing file so out-of-band edits are
// picked up without polling. The watch is on the parent directory
// because atomic saves replace the file inode on every write.
type Watcher struct {
	store  *Store
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher creates a watcher for the given store.
func NewWatcher(s *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:  s,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events exposes change notifications after each reload.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until the context is cancelled. Each relevant
// filesystem event triggers a store reload; reload failures are logged
// and the previous in-memory state is kept.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.store.Path())); err != nil {
		fsw.Close()
		return err
	}
	base := filepath.Base(w.store.Path())

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.store.Reload(); err != nil {
					w.logger.Error("store reload failed", "path", ev.Name, "error", err)
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("store watcher error", "error", err)
			}
		}
	}()
	return nil
}
