package daemon

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/relaywork/workstate/internal/document"
	"github.com/relaywork/workstate/internal/types"
	"github.com/relaywork/workstate/internal/vcs"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new document was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing document was modified.
	OpModify
	// OpDelete indicates a document was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a managed document.
type FileEvent struct {
	// Path is repo-relative and slash separated
	Path string
	Kind types.Kind
	ID   string
	Op   EventOp
}

// DocWatcher watches the kind directories of a layout and emits events for
// managed documents only.
type DocWatcher struct {
	layout  document.Layout
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dirs    []string
}

// NewDocWatcher creates a watcher for layout. It must be started with Start
// before it emits events.
func NewDocWatcher(layout document.Layout) (*DocWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &DocWatcher{
		layout:  layout,
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches every kind directory that exists. It fails when none does.
func (w *DocWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, k := range types.Kinds {
		dir := w.layout.Abs(w.layout.KindDir(k))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			for _, d := range w.dirs {
				_ = w.watcher.Remove(d)
			}
			w.dirs = nil
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs = append(w.dirs, dir)
	}
	if len(w.dirs) == 0 {
		return fmt.Errorf("no document directories under %s", w.layout.Abs(w.layout.DocsDir))
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Dirs returns the watched directories.
func (w *DocWatcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.dirs...)
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited. Stop on a watcher that never started only
// releases the fsnotify handle.
func (w *DocWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of document events. It is closed by Stop.
func (w *DocWatcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *DocWatcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher is started.
func (w *DocWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *DocWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := w.convertEvent(event); ok {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event onto a document event. Events for
// files that are not managed documents are dropped.
func (w *DocWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	rel, err := vcs.ToSlashRel(w.layout.Root, event.Name)
	if err != nil {
		return FileEvent{}, false
	}
	kind, key, ok := w.layout.Classify(rel)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// a rename's new name arrives as its own create
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: rel, Kind: kind, ID: types.RecordID(kind, key), Op: op}, true
}
