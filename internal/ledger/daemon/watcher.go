package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher reports writes to a SQLite store file, including its WAL and
// shared-memory companions. It watches the parent directory because SQLite
// may recreate the companion files.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	names   map[string]bool

	events chan string
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewStoreWatcher creates a watcher for the store at path. It emits nothing
// until Start is called.
func NewStoreWatcher(path string) (*StoreWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	base := filepath.Base(abs)
	return &StoreWatcher{
		watcher: w,
		path:    abs,
		names:   map[string]bool{base: true, base + "-wal": true, base + "-journal": true},
		events:  make(chan string, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
	}, nil
}

func (sw *StoreWatcher) Start() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(sw.path)
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	sw.running = true
	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop ends watching and closes the Events and Errors channels.
func (sw *StoreWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	err := sw.watcher.Close()
	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events emits the name of each written store file.
func (sw *StoreWatcher) Events() <-chan string { return sw.events }

func (sw *StoreWatcher) Errors() <-chan error { return sw.errors }

func (sw *StoreWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *StoreWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !sw.relevant(ev) {
				continue
			}
			select {
			case sw.events <- ev.Name:
			case <-sw.done:
				return
			default:
				// A pending event already covers this write.
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

func (sw *StoreWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return sw.names[filepath.Base(ev.Name)]
}
