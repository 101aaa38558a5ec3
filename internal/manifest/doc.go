// Package manifest maintains a live, sorted index of the files under a set
// of watched roots and renders it as an application cache manifest.
//
// # Architecture
//
//   - URLSet: sorted, duplicate-free set of URLs
//   - Root: maps paths under one configured file or directory to URLs
//   - engine: reconciles scan results and watch events for one root
//   - Gate: fires once every root is both scanned and watched
//   - State: the manifest contents, mutated atomically through Update
//   - Generator: owns one State and runs the event loop
//
// # Usage
//
//	g, err := manifest.New([]manifest.RootConfig{
//	    {File: "build/js", URL: "/js"},
//	    {File: "site", URL: "/", Ignore: regexp.MustCompile(`\.template$`)},
//	}, &manifest.Options{
//	    CatchupDelay: 500 * time.Millisecond,
//	    OnReady: func(render manifest.RenderFunc, stop func()) {
//	        log.Println("manifest ready")
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := g.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Stop()
//
//	http.Handle("/cache.manifest", g)
//
// # Reconciliation
//
// Watch events are re-statted before they are applied, because the watcher
// coalesces bursts and the path may have changed again since the event.
// Creates and updates of regular files insert the URL and fold the file's
// modification time into the manifest timestamp. A created directory is
// scanned again: files written into it before the watch covered it would
// otherwise never be seen. Deletes remove the URL, and everything under it
// when a directory goes away, except for permanent entries.
//
// The timestamp is the greatest modification time seen so far. Deletes do
// not move it, so it never goes backwards.
//
// # Output
//
//	CACHE MANIFEST
//	/js/app.js
//	/index.html
//
//	NETWORK:
//	*
//
//	#Updated: 2024-05-01T12:00:00Z
package manifest
