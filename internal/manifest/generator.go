package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/manifestd/internal/scan"
	"github.com/steveyegge/manifestd/internal/watch"
)

// DefaultCatchupDelay is the catch-up delay used by DefaultOptions.
const DefaultCatchupDelay = watch.DefaultDelay

// RenderFunc writes the current manifest to w.
type RenderFunc func(w io.Writer) error

// Subscription is an established watch on one root. Close releases it.
type Subscription interface {
	Events() <-chan watch.Event
	Errors() <-chan error
	Close() error
}

// WatchFunc establishes a watch on root.
type WatchFunc func(root *Root, delay time.Duration, logger *log.Logger) (Subscription, error)

// ScanFunc enumerates the regular files under path, skipping what skip
// excludes.
type ScanFunc func(ctx context.Context, path string, skip func(string) bool) ([]scan.Entry, error)

// Options configures a Generator.
type Options struct {
	// OnReady is called once, after every root has been scanned and is
	// watched. It runs on its own goroutine.
	OnReady func(render RenderFunc, stop func())

	// OnUpdate is called after every change to the index or timestamp.
	OnUpdate func(snap Snapshot, change Change)

	// OnFileEvent is called for every non-ignored watch event, whether or
	// not it changed the index.
	OnFileEvent func(ev Event)

	// OnError is told about recoverable errors: failed watch events,
	// watcher errors and failed directory rescans.
	OnError func(err error)

	// CatchupDelay coalesces bursts of file system events. Zero delivers
	// events as they arrive.
	CatchupDelay time.Duration

	// Network is the NETWORK section. Nil means DefaultNetwork.
	Network []string

	// Fallback is the FALLBACK section.
	Fallback []string

	// Cache lists permanent entries. They are never removed by deletes.
	Cache []string

	// Logger for generator activity
	Logger *log.Logger

	// Scan and Watch replace the file system primitives. Nil uses
	// scan.Walk and an fsnotify watcher.
	Scan  ScanFunc
	Watch WatchFunc
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		CatchupDelay: DefaultCatchupDelay,
		Network:      DefaultNetwork,
		Logger:       log.New(os.Stderr, "[manifest] ", log.LstdFlags),
	}
}

// FSWatch is the default WatchFunc. It watches root with fsnotify.
func FSWatch(root *Root, delay time.Duration, logger *log.Logger) (Subscription, error) {
	w, err := watch.NewWatcher(&watch.Config{
		Delay:  delay,
		Skip:   root.IsIgnored,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(root.FilePath); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

// message is posted to the event loop by helper goroutines.
type message interface{}

type scanDone struct {
	root    int
	entries []scan.Entry
	err     error
}

type rescanDone struct {
	root    int
	dir     string
	since   uint64
	entries []scan.Entry
	err     error
}

type watchReady struct {
	root int
	err  error
}

type watchEvent struct {
	root  int
	event watch.Event
	info  fs.FileInfo
	err   error
}

// Generator keeps the manifest of a set of roots up to date.
//
// All index mutations happen on one event-loop goroutine started by
// Start. Scans, watch setup and stat calls run on helper goroutines and
// post their results to the loop, so roots may complete in any order.
type Generator struct {
	roots   []*Root
	engines []*engine
	state   *State
	gate    *Gate
	opts    Options
	logger  *log.Logger

	msgs chan message
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	subs    []Subscription
}

// New validates the roots, stats each of them and returns a generator
// ready to Start. Configuration and stat failures are returned as
// *ConfigError and *ScanError; no generator is returned in that case.
func New(roots []RootConfig, opts *Options) (*Generator, error) {
	if len(roots) == 0 {
		return nil, &ConfigError{Err: ErrNoRoots}
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.CatchupDelay < 0 {
		o.CatchupDelay = 0
	}
	if o.Scan == nil {
		o.Scan = scan.Walk
	}
	if o.Watch == nil {
		o.Watch = FSWatch
	}

	g := &Generator{
		state:  NewState(o.Network, o.Fallback, o.Cache),
		gate:   NewGate(len(roots)),
		opts:   o,
		logger: o.Logger,
		msgs:   make(chan message, 64),
		done:   make(chan struct{}),
	}

	for _, cfg := range roots {
		root, err := NewRoot(cfg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root.FilePath)
		if err != nil {
			return nil, &ScanError{Path: root.FilePath, Err: err}
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil, &ScanError{Path: root.FilePath, Err: errors.New("not a regular file or directory")}
		}
		g.roots = append(g.roots, root)
		g.engines = append(g.engines, &engine{id: len(g.engines), root: root, state: g.state})
	}

	return g, nil
}

// Start launches the initial scans, the watches and the event loop. It
// returns immediately; use OnReady or Ready to learn when the manifest is
// complete. Cancelling ctx stops the generator.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrStopped
	}
	if g.started {
		return ErrAlreadyStarted
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(ctx)

	for i, root := range g.roots {
		g.logger.Printf("Scanning %s", root)
		g.wg.Add(2)
		go g.initialScan(i)
		go g.establishWatch(i)
	}

	go g.loop()
	go func() {
		<-g.ctx.Done()
		g.Stop()
	}()
	return nil
}

// Stop releases every watch and moves the manifest to its stopped state.
// Later renders fail with ErrStopped. Stop is idempotent.
func (g *Generator) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	subs := g.subs
	g.subs = nil
	started := g.started
	cancel := g.cancel
	g.mu.Unlock()

	g.logger.Println("Stopping manifest generator watches")
	g.state.Stop()
	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			g.logger.Printf("Error closing watch: %v", err)
		}
	}
	if !started {
		close(g.done)
	}
}

// Ready returns a channel that is closed once every root is scanned and
// watched.
func (g *Generator) Ready() <-chan struct{} {
	return g.gate.Done()
}

// Done returns a channel that is closed once the generator has stopped and
// all of its goroutines have exited.
func (g *Generator) Done() <-chan struct{} {
	return g.done
}

// Render writes the current manifest to w.
func (g *Generator) Render(w io.Writer) error {
	_, err := g.state.WriteTo(w)
	return err
}

// ServeHTTP serves the manifest.
func (g *Generator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	Handler(g).ServeHTTP(w, r)
}

// Snapshot returns a copy of the current manifest contents.
func (g *Generator) Snapshot() (Snapshot, error) {
	return g.state.Snapshot()
}

// Len returns the number of cache entries.
func (g *Generator) Len() int {
	return g.state.Len()
}

// Roots returns the validated roots in configuration order.
func (g *Generator) Roots() []*Root {
	return append([]*Root(nil), g.roots...)
}

// post hands m to the event loop unless the generator is shutting down.
func (g *Generator) post(m message) bool {
	select {
	case g.msgs <- m:
		return true
	case <-g.ctx.Done():
		return false
	}
}

func (g *Generator) initialScan(i int) {
	defer g.wg.Done()
	root := g.roots[i]
	entries, err := g.opts.Scan(g.ctx, root.FilePath, root.IsIgnored)
	g.post(scanDone{root: i, entries: entries, err: err})
}

func (g *Generator) establishWatch(i int) {
	defer g.wg.Done()
	root := g.roots[i]

	sub, err := g.opts.Watch(root, g.opts.CatchupDelay, g.logger)
	if err != nil {
		g.post(watchReady{root: i, err: err})
		return
	}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		_ = sub.Close()
		return
	}
	g.subs = append(g.subs, sub)
	g.mu.Unlock()

	if !g.post(watchReady{root: i}) {
		return
	}

	g.wg.Add(1)
	go g.drainErrors(sub)
	g.pump(i, sub)
}

// pump re-stats each event's path and forwards it to the loop. Stat runs
// here so the loop never blocks on file system calls.
func (g *Generator) pump(i int, sub Subscription) {
	for {
		select {
		case <-g.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			msg := watchEvent{root: i, event: ev}
			if ev.Op != OpDelete {
				msg.info, msg.err = os.Stat(ev.Path)
			}
			if !g.post(msg) {
				return
			}
		}
	}
}

func (g *Generator) drainErrors(sub Subscription) {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			g.report(fmt.Errorf("watch error: %w", err))
		}
	}
}

// loop is the single goroutine that mutates the index.
func (g *Generator) loop() {
	defer func() {
		g.wg.Wait()
		close(g.done)
	}()

	for {
		select {
		case <-g.ctx.Done():
			return
		case m := <-g.msgs:
			g.handle(m)
		}
	}
}

func (g *Generator) handle(m message) {
	switch m := m.(type) {
	case scanDone:
		root := g.roots[m.root]
		if m.err != nil {
			g.fail(&ScanError{Path: root.FilePath, Err: m.err})
			return
		}
		if _, err := g.engines[m.root].applyEntries(m.entries); err != nil {
			return
		}
		g.logger.Printf("Scanned %s (%d files)", root, len(m.entries))
		if g.gate.ScanComplete() {
			g.fireReady()
		}

	case watchReady:
		root := g.roots[m.root]
		if m.err != nil {
			g.fail(&ScanError{Path: root.FilePath, Err: fmt.Errorf("failed to watch: %w", m.err)})
			return
		}
		if g.gate.WatchEstablished() {
			g.fireReady()
		}

	case watchEvent:
		g.reconcile(m)

	case rescanDone:
		eng := g.engines[m.root]
		entries := eng.finishRescan(m.since, m.entries)
		if m.err != nil {
			g.report(&WatchEventError{Op: OpCreate, Path: m.dir, Err: m.err})
			return
		}
		change, err := eng.applyEntries(entries)
		if err != nil {
			return
		}
		g.notify(change)
	}
}

func (g *Generator) reconcile(m watchEvent) {
	root := g.roots[m.root]
	ev := m.event

	if root.IsIgnored(ev.Path) {
		return
	}
	url, ok := root.ToURL(ev.Path)
	if !ok {
		return
	}
	if g.state.Stopped() {
		return
	}

	if g.opts.OnFileEvent != nil {
		g.opts.OnFileEvent(Event{Root: root.FilePath, Path: ev.Path, URL: url, Op: ev.Op, Kind: ev.Op.String()})
	}

	res, err := g.engines[m.root].reconcile(ev, url, m.info, m.err)
	if err != nil {
		if !errors.Is(err, ErrStopped) {
			g.report(err)
		}
		return
	}
	if res.rescan != "" {
		g.rescan(m.root, res.rescan)
		return
	}
	g.notify(res.change)
}

// rescan scans a newly created directory. Its first files may have been
// written before the watch on it was registered, in which case no events
// will ever arrive for them.
func (g *Generator) rescan(i int, dir string) {
	root := g.roots[i]
	since := g.engines[i].beginRescan()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		entries, err := g.opts.Scan(g.ctx, dir, root.IsIgnored)
		g.post(rescanDone{root: i, dir: dir, since: since, entries: entries, err: err})
	}()
}

func (g *Generator) notify(change Change) {
	if !change.Changed() {
		return
	}
	g.logger.Printf("Manifest updated (+%d -%d)", len(change.Added), len(change.Removed))
	if g.opts.OnUpdate == nil {
		return
	}
	snap, err := g.state.Snapshot()
	if err != nil {
		return
	}
	g.opts.OnUpdate(snap, change)
}

func (g *Generator) fireReady() {
	g.logger.Printf("Manifest ready (%d entries)", g.state.Len())
	if g.opts.OnReady != nil {
		go g.opts.OnReady(g.Render, g.Stop)
	}
}

func (g *Generator) report(err error) {
	g.logger.Printf("Warning: %v", err)
	if g.opts.OnError != nil {
		g.opts.OnError(err)
	}
}

// fail reports a fatal error and stops the generator. It never becomes
// ready.
func (g *Generator) fail(err error) {
	g.logger.Printf("Error: %v", err)
	if g.opts.OnError != nil {
		g.opts.OnError(err)
	}
	g.Stop()
}
