package event

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/store"
)

// Watcher bridges session record writes made by other processes onto the
// event bus. It watches the store's directory (the record is replaced by
// rename, so watching the file itself would break after the first write)
// and republishes changes as session.updated / session.cleared events.
//
// There is no cross-process lock around reads, so a narrow window of
// divergence between processes is accepted; it self-heals on the next load.
type Watcher struct {
	store   *store.Store
	watcher *fsnotify.Watcher
	done    chan struct{}

	lastSessionID string
}

// NewWatcher creates a watcher for the given store. Call Start to begin
// observing.
func NewWatcher(st *store.Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		store:   st,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start begins observing the store file and publishing to the global bus.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.store.Path())

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("session store watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Remove) {
		cleared := w.lastSessionID
		w.lastSessionID = ""
		PublishSync(Event{
			Type: SessionCleared,
			Data: SessionClearedData{SessionID: cleared},
		})
		return
	}

	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	session, err := w.store.Load()
	if err != nil {
		logging.Warn().Err(err).Msg("failed to load session record after change")
		return
	}
	if session == nil {
		return
	}

	// Drop consecutive notifications for the same record.
	if session.SessionID == w.lastSessionID {
		return
	}
	w.lastSessionID = session.SessionID

	PublishSync(Event{
		Type: SessionUpdated,
		Data: SessionUpdatedData{Session: session},
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
