package history

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/steveyegge/manifestd/internal/manifest"
)

// DefaultBuffer is the recorder queue size used when none is given.
const DefaultBuffer = 256

type pendingEvent struct {
	ev manifest.Event
	at time.Time
}

// Recorder writes events to a Store from its own goroutine, so Record
// never waits on the database.
type Recorder struct {
	store  *Store
	events chan pendingEvent
	done   chan struct{}
	logger *log.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRecorder starts a recorder for store with room for buffer queued
// events.
func NewRecorder(store *Store, buffer int, logger *log.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Recorder{
		store:  store,
		events: make(chan pendingEvent, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.loop()
	return r
}

// Record queues ev with the current time. When the queue is full the event
// is dropped and counted.
func (r *Recorder) Record(ev manifest.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- pendingEvent{ev: ev, at: time.Now()}:
	default:
		r.dropped++
		r.logger.Printf("Warning: history queue full, dropping %s %s", ev.Kind, ev.URL)
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting events and waits until the queued ones are
// written. It is idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	for p := range r.events {
		if err := r.store.RecordAt(context.Background(), p.ev, p.at); err != nil {
			r.logger.Printf("Warning: %v", err)
		}
	}
}
