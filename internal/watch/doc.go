// Package watch provides recursive file system watching with a catch-up
// delay.
//
// A Watcher observes one root. Directory roots are watched recursively and
// directories created later are registered as their create events arrive.
// A single-file root is watched through its parent directory, which keeps
// the watch alive across editors that save by renaming a temp file over
// the original.
//
//	w, err := watch.NewWatcher(&watch.Config{Delay: 500 * time.Millisecond})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
//	if err := w.Start("site"); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range w.Events() {
//	    fmt.Printf("%s %s\n", event.Op, event.Path)
//	}
//
// # Catch-up delay
//
// Events are held for Config.Delay after the most recent event and then
// delivered in arrival order, one per path. Bursts such as an editor's
// write-rename-chmod sequence collapse into a single event:
//
//   - create followed by update → create
//   - any operation followed by another → the later operation
//
// Consumers must therefore not assume they see every intermediate state;
// they should re-stat the path when an event arrives.
//
// The fsnotify operations map as follows:
//   - fsnotify.Create → OpCreate
//   - fsnotify.Write, fsnotify.Chmod → OpUpdate
//   - fsnotify.Remove, fsnotify.Rename → OpDelete
//
// # Shutdown
//
// Stop closes the fsnotify watcher, waits for the event goroutine and then
// closes the Events() and Errors() channels. It is safe to call repeatedly.
package watch
