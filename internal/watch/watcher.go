package watch

import (
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDelay is the catch-up delay used when Config.Delay is unset.
const DefaultDelay = 500 * time.Millisecond

// Op represents the type of file system operation.
type Op int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Op = iota
	// OpUpdate indicates an existing file was modified or touched.
	OpUpdate
	// OpDelete indicates a file or directory was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event represents a coalesced file system event.
type Event struct {
	// Path is the path that changed, joined onto the watched root as given.
	Path string
	// Op is the operation that occurred.
	Op Op
}

// Config holds configuration for a Watcher.
type Config struct {
	// Delay is the catch-up window. Events for the same path arriving
	// within it are coalesced into one. Zero delivers events immediately.
	Delay time.Duration

	// Skip excludes paths. Skipped directories are not watched and events
	// for skipped paths are dropped.
	Skip func(path string) bool

	// Logger for watcher activity (default: discard)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Delay:  DefaultDelay,
		Logger: log.New(io.Discard, "", 0),
	}
}

// Watcher watches one root, a file or a directory tree, for changes.
// It uses fsnotify for cross-platform file system event monitoring.
type Watcher struct {
	watcher *fsnotify.Watcher
	config  *Config
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	root    string
	single  bool
}

// NewWatcher creates a new Watcher instance.
// The watcher must be started with Start() before it will emit events.
func NewWatcher(config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(io.Discard, "", 0)
	}
	if config.Delay < 0 {
		config.Delay = 0
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		config:  config,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching root. A directory is watched recursively,
// including directories created later. A single file is watched through
// its parent directory.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.stopped {
		return fmt.Errorf("watcher stopped")
	}

	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", root, err)
	}

	w.root = root
	if info.IsDir() {
		if err := w.addTree(root); err != nil {
			return err
		}
	} else {
		w.single = true
		if err := w.watcher.Add(filepath.Dir(root)); err != nil {
			return fmt.Errorf("failed to watch %s: %w", filepath.Dir(root), err)
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	w.config.Logger.Printf("Watching %s", root)
	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited. Calling Stop
// more than once is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	// Signal shutdown
	close(w.done)

	// Close the underlying watcher (this will unblock the event loop)
	closeErr := w.watcher.Close()

	if wasRunning {
		w.wg.Wait()
	}

	close(w.events)
	close(w.errors)

	if closeErr != nil {
		return fmt.Errorf("failed to close watcher: %w", closeErr)
	}
	return nil
}

// Close is Stop, so a Watcher satisfies io.Closer.
func (w *Watcher) Close() error {
	return w.Stop()
}

// Events returns the channel that emits Event notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Root returns the watched path.
func (w *Watcher) Root() string {
	return w.root
}

// processEvents is the main event loop. It converts fsnotify events,
// coalesces them over the catch-up delay and delivers them in arrival order.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var (
		pending = make(map[string]Op)
		order   []string
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flush := func() bool {
		for _, path := range order {
			select {
			case w.events <- Event{Path: path, Op: pending[path]}:
			case <-w.done:
				return false
			}
		}
		clear(pending)
		order = order[:0]
		return true
	}

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			ev, ok := w.convertEvent(event)
			if !ok {
				continue
			}

			if prev, seen := pending[ev.Path]; seen {
				pending[ev.Path] = coalesce(prev, ev.Op)
			} else {
				pending[ev.Path] = ev.Op
				order = append(order, ev.Path)
			}

			if w.config.Delay == 0 {
				if !flush() {
					return
				}
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.config.Delay)
				timerC = timer.C
			} else {
				timer.Reset(w.config.Delay)
			}

		case <-timerC:
			if !flush() {
				return
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

// coalesce merges two operations on the same path seen within one catch-up
// window. A creation followed by writes is still a creation; anything else
// is decided by the latest operation.
func coalesce(prev, next Op) Op {
	if prev == OpCreate && next == OpUpdate {
		return OpCreate
	}
	return next
}

// convertEvent converts an fsnotify event to an Event.
// Returns (Event, true) if the event should be delivered,
// or (Event{}, false) if the event should be ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	path := filepath.Clean(event.Name)

	if w.single && path != w.root {
		return Event{}, false
	}
	if w.config.Skip != nil && w.config.Skip(path) {
		return Event{}, false
	}

	var op Op
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
		if !w.single {
			w.maybeAddTree(path)
		}
	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		op = OpUpdate
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// Treat rename as delete (the new name will trigger a create)
		op = OpDelete
	default:
		return Event{}, false
	}

	return Event{Path: path, Op: op}, true
}

// addTree walks dir and adds every directory that is not skipped.
func (w *Watcher) addTree(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.config.Logger.Printf("Skipping inaccessible path %s: %v", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.config.Skip != nil && w.config.Skip(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch tree %s: %w", dir, err)
	}
	return nil
}

// maybeAddTree registers a newly created directory and anything created
// inside it before the registration took effect.
func (w *Watcher) maybeAddTree(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		w.config.Logger.Printf("Failed to watch new directory %s: %v", path, err)
	}
}
