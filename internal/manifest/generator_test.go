package manifest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveyegge/manifestd/internal/scan"
	"github.com/steveyegge/manifestd/internal/watch"
)

// fakeSub is a Subscription driven by the test.
type fakeSub struct {
	events chan watch.Event
	errors chan error
	closed atomic.Int32
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan watch.Event, 16), errors: make(chan error, 4)}
}

func (f *fakeSub) Events() <-chan watch.Event { return f.events }
func (f *fakeSub) Errors() <-chan error       { return f.errors }
func (f *fakeSub) Close() error {
	f.closed.Add(1)
	return nil
}

// fakeWatcher hands out fakeSubs keyed by root file path. If hold is set,
// establishing each watch waits for a value on it.
type fakeWatcher struct {
	mu   sync.Mutex
	subs map[string]*fakeSub
	hold chan struct{}
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{subs: make(map[string]*fakeSub)}
}

func (fw *fakeWatcher) watch(root *Root, _ time.Duration, _ *log.Logger) (Subscription, error) {
	if fw.hold != nil {
		<-fw.hold
	}
	sub := newFakeSub()
	fw.mu.Lock()
	fw.subs[root.FilePath] = sub
	fw.mu.Unlock()
	return sub, nil
}

func (fw *fakeWatcher) sub(t *testing.T, path string) *fakeSub {
	t.Helper()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	sub, ok := fw.subs[filepath.Clean(path)]
	if !ok {
		t.Fatalf("no watch on %s", path)
	}
	return sub
}

// fixture lays out the files used by most tests and returns the roots.
func fixture(t *testing.T) (string, []RootConfig) {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{
		"hello.txt",
		"some_files/a.txt",
		"some_files/z.txt",
		"some_files/nested/x.txt",
		"some_files/nested/y.txt",
		"more_files/1.txt",
		"more_files/2.txt",
	} {
		writeFile(t, filepath.Join(dir, filepath.FromSlash(f)), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	return dir, []RootConfig{
		{File: filepath.Join(dir, "some_files"), URL: "some"},
		{File: filepath.Join(dir, "more_files"), URL: "files/more_files"},
		{File: filepath.Join(dir, "hello.txt"), URL: "hello.txt"},
	}
}

func writeFile(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("TEXT"), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("Failed to set times on %s: %v", path, err)
	}
}

var initialURLs = []string{
	"/files/more_files/1.txt",
	"/files/more_files/2.txt",
	"/hello.txt",
	"/some/a.txt",
	"/some/nested/x.txt",
	"/some/nested/y.txt",
	"/some/z.txt",
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "[test] ", 0)
}

// startGenerator starts a generator with fake watches and waits for it to
// become ready.
func startGenerator(t *testing.T, roots []RootConfig, opts *Options) (*Generator, *fakeWatcher) {
	t.Helper()
	fw := newFakeWatcher()
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = quietLogger()
	opts.Watch = fw.watch

	g, err := New(roots, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(g.Stop)

	select {
	case <-g.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for generator to become ready")
	}
	return g, fw
}

func snapshot(t *testing.T, g *Generator) Snapshot {
	t.Helper()
	snap, err := g.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	return snap
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", msg)
}

func TestNew_ConfigErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		roots []RootConfig
		check func(error) bool
	}{
		{
			name:  "no roots",
			roots: nil,
			check: func(err error) bool { return errors.Is(err, ErrNoRoots) },
		},
		{
			name:  "missing file",
			roots: []RootConfig{{URL: "/x"}},
			check: func(err error) bool { return errors.Is(err, ErrMissingFile) },
		},
		{
			name:  "absolute without url",
			roots: []RootConfig{{File: dir}},
			check: func(err error) bool { return errors.Is(err, ErrAmbiguousURL) },
		},
		{
			name:  "nonexistent root",
			roots: []RootConfig{{File: filepath.Join(dir, "missing"), URL: "/m"}},
			check: func(err error) bool {
				var scanErr *ScanError
				return errors.As(err, &scanErr) && errors.Is(err, os.ErrNotExist)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.roots, &Options{Logger: quietLogger()})
			if g != nil {
				t.Error("New() returned a generator on error")
			}
			if err == nil || !tt.check(err) {
				t.Errorf("New() error = %v", err)
			}
		})
	}
}

func TestGenerator_InitialIndex(t *testing.T) {
	_, roots := fixture(t)
	g, _ := startGenerator(t, roots, &Options{Fallback: []string{"fallback1", "fallback2"}})

	snap := snapshot(t, g)
	if !reflect.DeepEqual(snap.Cache, initialURLs) {
		t.Errorf("Cache = %v, want %v", snap.Cache, initialURLs)
	}
	if !reflect.DeepEqual(snap.Network, []string{"*"}) {
		t.Errorf("Network = %v, want default", snap.Network)
	}
	if !reflect.DeepEqual(snap.Fallback, []string{"fallback1", "fallback2"}) {
		t.Errorf("Fallback = %v", snap.Fallback)
	}
	if want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); !snap.Updated.Equal(want) {
		t.Errorf("Updated = %v, want %v", snap.Updated, want)
	}
}

func TestGenerator_SingleDirectoryRoot(t *testing.T) {
	dir, _ := fixture(t)
	g, _ := startGenerator(t, []RootConfig{{File: filepath.Join(dir, "some_files"), URL: "/some"}}, nil)

	want := []string{"/some/a.txt", "/some/nested/x.txt", "/some/nested/y.txt", "/some/z.txt"}
	if got := snapshot(t, g).Cache; !reflect.DeepEqual(got, want) {
		t.Errorf("Cache = %v, want %v", got, want)
	}
}

func TestGenerator_IgnoredFiles(t *testing.T) {
	_, roots := fixture(t)
	for i := range roots {
		roots[i].Ignore = regexp.MustCompile(`[x-z]\.txt`)
	}
	g, fw := startGenerator(t, roots, nil)

	want := []string{"/files/more_files/1.txt", "/files/more_files/2.txt", "/hello.txt", "/some/a.txt"}
	if got := snapshot(t, g).Cache; !reflect.DeepEqual(got, want) {
		t.Errorf("Cache = %v, want %v", got, want)
	}

	// Ignored paths stay out of the index when they show up later too.
	newFile := filepath.Join(roots[0].File, "new_z.txt")
	writeFile(t, newFile, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	fw.sub(t, roots[0].File).events <- watch.Event{Path: newFile, Op: OpCreate}

	other := filepath.Join(roots[0].File, "b.txt")
	writeFile(t, other, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fw.sub(t, roots[0].File).events <- watch.Event{Path: other, Op: OpCreate}

	waitFor(t, "b.txt in index", func() bool {
		return containsURL(snapshot(t, g).Cache, "/some/b.txt")
	})
	snap := snapshot(t, g)
	if containsURL(snap.Cache, "/some/new_z.txt") {
		t.Error("ignored file added by watch event")
	}
	if snap.Updated.Year() == 2030 {
		t.Error("ignored file advanced the timestamp")
	}
}

func TestGenerator_PermanentEntries(t *testing.T) {
	_, roots := fixture(t)
	g, fw := startGenerator(t, roots, &Options{Cache: []string{"/some/a.txt", "/json/lists.json"}})

	a := filepath.Join(roots[0].File, "a.txt")
	if err := os.Remove(a); err != nil {
		t.Fatalf("Failed to remove a.txt: %v", err)
	}
	fw.sub(t, roots[0].File).events <- watch.Event{Path: a, Op: OpDelete}

	z := filepath.Join(roots[0].File, "z.txt")
	fw.sub(t, roots[0].File).events <- watch.Event{Path: z, Op: OpDelete}

	waitFor(t, "z.txt removed", func() bool {
		return !containsURL(snapshot(t, g).Cache, "/some/z.txt")
	})
	cache := snapshot(t, g).Cache
	if !containsURL(cache, "/some/a.txt") {
		t.Error("permanent entry removed by delete event")
	}
	if !containsURL(cache, "/json/lists.json") {
		t.Error("permanent entry without backing file missing")
	}
}

func TestGenerator_WatchEvents(t *testing.T) {
	_, roots := fixture(t)

	var (
		mu      sync.Mutex
		changes []Change
		events  []Event
	)
	g, fw := startGenerator(t, roots, &Options{
		OnUpdate: func(_ Snapshot, c Change) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		},
		OnFileEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	sub := fw.sub(t, roots[0].File)
	later := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Touch an existing file: index unchanged, timestamp advances.
	a := filepath.Join(roots[0].File, "a.txt")
	writeFile(t, a, later)
	sub.events <- watch.Event{Path: a, Op: OpUpdate}
	waitFor(t, "timestamp update", func() bool {
		return snapshot(t, g).Updated.Equal(later)
	})

	// Re-touching with the same time changes nothing but is still observed.
	sub.events <- watch.Event{Path: a, Op: OpUpdate}

	// New file.
	c := filepath.Join(roots[0].File, "c.txt")
	writeFile(t, c, later.Add(-time.Hour))
	sub.events <- watch.Event{Path: c, Op: OpCreate}

	// Delete.
	z := filepath.Join(roots[0].File, "z.txt")
	if err := os.Remove(z); err != nil {
		t.Fatalf("Failed to remove z.txt: %v", err)
	}
	sub.events <- watch.Event{Path: z, Op: OpDelete}

	waitFor(t, "all updates", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) >= 3
	})

	snap := snapshot(t, g)
	if containsURL(snap.Cache, "/some/z.txt") {
		t.Error("deleted file still in index")
	}
	if !containsURL(snap.Cache, "/some/c.txt") {
		t.Error("created file missing from index")
	}
	if !snap.Updated.Equal(later) {
		t.Errorf("Updated = %v, want %v (deletes and older files must not move it)", snap.Updated, later)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 4 {
		t.Errorf("file listener saw %d events, want 4", len(events))
	}
	if len(changes) != 3 {
		t.Errorf("update listener fired %d times, want 3: %+v", len(changes), changes)
	}
	if len(events) > 0 && (events[0].URL != "/some/a.txt" || events[0].Kind != "update") {
		t.Errorf("first event = %+v", events[0])
	}
}

func TestGenerator_DirectoryCreateRescan(t *testing.T) {
	_, roots := fixture(t)
	g, fw := startGenerator(t, roots, nil)

	// The file exists before its directory's create event is handled and
	// no event is ever sent for the file itself.
	newDir := filepath.Join(roots[0].File, "newdir")
	writeFile(t, filepath.Join(newDir, "1.txt"), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	writeFile(t, filepath.Join(newDir, "deeper", "2.txt"), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	fw.sub(t, roots[0].File).events <- watch.Event{Path: newDir, Op: OpCreate}

	waitFor(t, "rescanned files in index", func() bool {
		cache := snapshot(t, g).Cache
		return containsURL(cache, "/some/newdir/1.txt") && containsURL(cache, "/some/newdir/deeper/2.txt")
	})
	if got := snapshot(t, g).Updated.Year(); got != 2026 {
		t.Errorf("rescan did not fold modification times, year = %d", got)
	}

	// Removing the directory drops everything under it.
	if err := os.RemoveAll(newDir); err != nil {
		t.Fatalf("Failed to remove dir: %v", err)
	}
	fw.sub(t, roots[0].File).events <- watch.Event{Path: newDir, Op: OpDelete}
	waitFor(t, "directory entries removed", func() bool {
		for _, u := range snapshot(t, g).Cache {
			if strings.HasPrefix(u, "/some/newdir/") {
				return false
			}
		}
		return true
	})
}

func TestGenerator_RescanAfterDelete(t *testing.T) {
	_, roots := fixture(t)
	newDir := filepath.Join(roots[0].File, "newdir")

	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce, releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	opts := &Options{
		Scan: func(ctx context.Context, path string, skip func(string) bool) ([]scan.Entry, error) {
			entries, err := scan.Walk(ctx, path, skip)
			if path == newDir {
				startOnce.Do(func() { close(started) })
				<-release
			}
			return entries, err
		},
	}
	g, fw := startGenerator(t, roots, opts)
	sub := fw.sub(t, roots[0].File)

	mod := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, name := range []string{"1.txt", "2.txt", "3.txt"} {
		writeFile(t, filepath.Join(newDir, name), mod)
	}
	sub.events <- watch.Event{Path: newDir, Op: OpCreate}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for rescan to start")
	}

	// The walk has seen 1.txt. Delete it and let the delete be handled
	// before the rescan result arrives.
	if err := os.Remove(filepath.Join(newDir, "1.txt")); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	sub.events <- watch.Event{Path: filepath.Join(newDir, "1.txt"), Op: OpDelete}
	sub.events <- watch.Event{Path: filepath.Join(newDir, "2.txt"), Op: OpUpdate}
	waitFor(t, "update after delete", func() bool {
		return containsURL(snapshot(t, g).Cache, "/some/newdir/2.txt")
	})

	releaseOnce.Do(func() { close(release) })
	waitFor(t, "rescan result", func() bool {
		return containsURL(snapshot(t, g).Cache, "/some/newdir/3.txt")
	})
	if containsURL(snapshot(t, g).Cache, "/some/newdir/1.txt") {
		t.Error("deleted file restored by rescan result")
	}
}

func TestGenerator_OverlappingRoots(t *testing.T) {
	dir := t.TempDir()
	mod := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, f := range []string{"public/index.html", "public/js/old.js", "build/js/app.js"} {
		writeFile(t, filepath.Join(dir, filepath.FromSlash(f)), mod)
	}
	public := filepath.Join(dir, "public")
	roots := []RootConfig{
		{File: public, URL: "/"},
		{File: filepath.Join(dir, "build", "js"), URL: "/js"},
	}
	g, fw := startGenerator(t, roots, nil)

	want := []string{"/index.html", "/js/app.js", "/js/old.js"}
	if got := snapshot(t, g).Cache; !reflect.DeepEqual(got, want) {
		t.Fatalf("Cache = %v, want %v", got, want)
	}

	if err := os.RemoveAll(filepath.Join(public, "js")); err != nil {
		t.Fatalf("Failed to remove dir: %v", err)
	}
	fw.sub(t, public).events <- watch.Event{Path: filepath.Join(public, "js"), Op: OpDelete}
	waitFor(t, "old.js removed", func() bool {
		return !containsURL(snapshot(t, g).Cache, "/js/old.js")
	})

	want = []string{"/index.html", "/js/app.js"}
	if got := snapshot(t, g).Cache; !reflect.DeepEqual(got, want) {
		t.Errorf("Cache = %v, want %v", got, want)
	}
}

func TestGenerator_StatErrorIsRecoverable(t *testing.T) {
	_, roots := fixture(t)

	errs := make(chan error, 4)
	g, fw := startGenerator(t, roots, &Options{
		OnError: func(err error) { errs <- err },
	})
	sub := fw.sub(t, roots[0].File)

	sub.events <- watch.Event{Path: filepath.Join(roots[0].File, "vanished.txt"), Op: OpUpdate}

	select {
	case err := <-errs:
		var evErr *WatchEventError
		if !errors.As(err, &evErr) {
			t.Fatalf("error = %T %v, want *WatchEventError", err, err)
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("error = %v, want not-exist cause", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for watch event error")
	}

	b := filepath.Join(roots[0].File, "b.txt")
	writeFile(t, b, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sub.events <- watch.Event{Path: b, Op: OpCreate}
	waitFor(t, "processing to continue", func() bool {
		return containsURL(snapshot(t, g).Cache, "/some/b.txt")
	})
}

func TestGenerator_EventOutsideRootIgnored(t *testing.T) {
	dir, roots := fixture(t)
	g, fw := startGenerator(t, roots, nil)
	before := snapshot(t, g).Cache

	outside := filepath.Join(dir, "outside.txt")
	writeFile(t, outside, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	sub := fw.sub(t, roots[0].File)
	sub.events <- watch.Event{Path: outside, Op: OpCreate}

	// Follow with a known event so we know the first one was handled.
	b := filepath.Join(roots[0].File, "b.txt")
	writeFile(t, b, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sub.events <- watch.Event{Path: b, Op: OpCreate}
	waitFor(t, "b.txt", func() bool { return containsURL(snapshot(t, g).Cache, "/some/b.txt") })

	snap := snapshot(t, g)
	if len(snap.Cache) != len(before)+1 {
		t.Errorf("Cache = %v", snap.Cache)
	}
	if snap.Updated.Year() == 2030 {
		t.Error("event outside the root changed the timestamp")
	}
}

func TestGenerator_ReadyWaitsForWatches(t *testing.T) {
	_, roots := fixture(t)
	fw := newFakeWatcher()
	fw.hold = make(chan struct{})

	var readyCalls atomic.Int32
	readyCh := make(chan RenderFunc, 1)
	g, err := New(roots, &Options{
		Logger: quietLogger(),
		Watch:  fw.watch,
		OnReady: func(render RenderFunc, stop func()) {
			readyCalls.Add(1)
			readyCh <- render
		},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer g.Stop()

	// Scans finish but no watch is established yet.
	waitFor(t, "initial scans", func() bool {
		scans, _ := g.gate.Counts()
		return scans == len(roots)
	})
	select {
	case <-g.Ready():
		t.Fatal("ready before watches were established")
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < len(roots); i++ {
		fw.hold <- struct{}{}
	}

	select {
	case render := <-readyCh:
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			t.Fatalf("render failed: %v", err)
		}
		if !strings.HasPrefix(buf.String(), "CACHE MANIFEST\n") {
			t.Errorf("unexpected manifest %q", buf.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for ready callback")
	}

	time.Sleep(50 * time.Millisecond)
	if n := readyCalls.Load(); n != 1 {
		t.Errorf("ready callback fired %d times", n)
	}
}

func TestGenerator_ScanFailureNeverReady(t *testing.T) {
	_, roots := fixture(t)
	fw := newFakeWatcher()
	errs := make(chan error, 4)

	g, err := New(roots, &Options{
		Logger: quietLogger(),
		Watch:  fw.watch,
		Scan: func(ctx context.Context, path string, skip func(string) bool) ([]scan.Entry, error) {
			return nil, errors.New("disk on fire")
		},
		OnError: func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	select {
	case err := <-errs:
		var scanErr *ScanError
		if !errors.As(err, &scanErr) {
			t.Errorf("error = %T %v, want *ScanError", err, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for scan error")
	}

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("generator did not stop after scan failure")
	}
	select {
	case <-g.Ready():
		t.Error("generator became ready despite failed scan")
	default:
	}
}

func TestGenerator_StopIdempotent(t *testing.T) {
	_, roots := fixture(t)
	g, fw := startGenerator(t, roots, nil)

	g.Stop()
	g.Stop()

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for generator goroutines to exit")
	}

	fw.mu.Lock()
	for path, sub := range fw.subs {
		if n := sub.closed.Load(); n != 1 {
			t.Errorf("subscription %s closed %d times, want 1", path, n)
		}
	}
	fw.mu.Unlock()

	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		if err := g.Render(&buf); !errors.Is(err, ErrStopped) {
			t.Errorf("Render() error = %v, want ErrStopped", err)
		}
		if buf.Len() != 0 {
			t.Errorf("Render() wrote %q after stop", buf.String())
		}
	}

	if err := g.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestGenerator_StopBeforeStart(t *testing.T) {
	_, roots := fixture(t)
	g, err := New(roots, &Options{Logger: quietLogger(), Watch: newFakeWatcher().watch})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	g.Stop()
	select {
	case <-g.Done():
	default:
		t.Error("Done() not closed after Stop without Start")
	}
}

func TestGenerator_ContextCancelStops(t *testing.T) {
	_, roots := fixture(t)
	fw := newFakeWatcher()
	g, err := New(roots, &Options{Logger: quietLogger(), Watch: fw.watch})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	<-g.Ready()
	cancel()

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for generator to stop")
	}
	if _, err := g.Snapshot(); !errors.Is(err, ErrStopped) {
		t.Errorf("Snapshot() error = %v, want ErrStopped", err)
	}
}

func TestGenerator_IndependentInstances(t *testing.T) {
	_, roots := fixture(t)
	g1, _ := startGenerator(t, roots, nil)
	g2, _ := startGenerator(t, roots, nil)

	g1.Stop()
	if _, err := g2.Snapshot(); err != nil {
		t.Errorf("stopping one generator affected another: %v", err)
	}
}

func TestHandler(t *testing.T) {
	_, roots := fixture(t)
	g, _ := startGenerator(t, roots, nil)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache.manifest", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/cache-manifest" {
		t.Errorf("Content-Type = %q", got)
	}
	want := "CACHE MANIFEST\n" + strings.Join(initialURLs, "\n") + "\n\nNETWORK:\n*\n\n#Updated: 2024-01-01T00:00:00Z"
	if rec.Body.String() != want {
		t.Errorf("body =\n%s\nwant\n%s", rec.Body.String(), want)
	}

	g.Stop()
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cache.manifest", nil))
	if rec.Code/100 != 5 {
		t.Errorf("status after stop = %d, want 5xx", rec.Code)
	}
	if strings.HasPrefix(rec.Body.String(), "CACHE MANIFEST") {
		t.Error("stopped generator served a manifest body")
	}
}

// TestGenerator_FSNotify exercises the real watcher: a directory created
// after the watch is active gets its first file indexed.
func TestGenerator_FSNotify(t *testing.T) {
	dir, roots := fixture(t)
	updates := make(chan Snapshot, 16)

	g, err := New(roots, &Options{
		Logger:       quietLogger(),
		CatchupDelay: 0,
		OnUpdate: func(s Snapshot, _ Change) {
			select {
			case updates <- s:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer g.Stop()

	select {
	case <-g.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for ready")
	}

	newFile := filepath.Join(dir, "some_files", "newdir", "1.txt")
	if err := os.MkdirAll(filepath.Dir(newFile), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(newFile, []byte("TEXT"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	waitFor(t, "new file in index", func() bool {
		return containsURL(snapshot(t, g).Cache, "/some/newdir/1.txt")
	})

	if err := os.Remove(newFile); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	waitFor(t, "deleted file removed from index", func() bool {
		return !containsURL(snapshot(t, g).Cache, "/some/newdir/1.txt")
	})
}

func containsURL(urls []string, url string) bool {
	for _, u := range urls {
		if u == url {
			return true
		}
	}
	return false
}
