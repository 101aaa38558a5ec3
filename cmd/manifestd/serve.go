package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/steveyegge/manifestd/internal/config"
	"github.com/steveyegge/manifestd/internal/history"
	"github.com/steveyegge/manifestd/internal/logging"
	"github.com/steveyegge/manifestd/internal/manifest"
	"github.com/steveyegge/manifestd/internal/server"
	"github.com/steveyegge/manifestd/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve [root...]",
	GroupID: "serve",
	Short:   "Watch roots and serve a live cache manifest",
	Long: `Scan every root, watch it for changes and serve the resulting cache
manifest over HTTP.

/health reports ready once every root has been scanned and is watched.
From then on each file created, changed or deleted under a root updates
the manifest and its #Updated timestamp.

Routes:
  /cache.manifest   the manifest (see --manifest-path)
  /ws               WebSocket feed of manifest and file events
  /health           JSON status
  /<root url>/...   the root's files, when --static is set

Example usage:
  manifestd serve public=/ build/js=/js
  manifestd serve --listen :9000 --static site
  manifestd serve --history          # record events for 'manifestd history'`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(args)
		if err != nil {
			fatal("%v", err)
		}
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			fatal("invalid configuration: %v", err)
		}

		logs := logging.New(logging.Config{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Quiet:      cfg.Log.Quiet,
		})
		defer logs.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := serve(ctx, cfg, logs, os.Stdout); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Address to listen on (default :8080)")
	serveCmd.Flags().String("manifest-path", "", "URL path of the manifest (default /cache.manifest)")
	serveCmd.Flags().Bool("static", false, "Also serve each root's files under its URL")
	serveCmd.Flags().Duration("catchup-delay", 0, "Coalesce file events for this long (default 500ms)")
	serveCmd.Flags().StringSlice("network", nil, "NETWORK section entries (default *)")
	serveCmd.Flags().StringSlice("fallback", nil, "FALLBACK section entries")
	serveCmd.Flags().StringSlice("cache", nil, "Permanent cache entries")
	serveCmd.Flags().String("ignore", "", "Regular expression of paths to ignore in every root")
	serveCmd.Flags().Bool("history", false, "Record file events in the history database")
	serveCmd.Flags().BoolP("quiet", "q", false, "Only log to the log file")

	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags overrides cfg with flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("manifest-path") {
		cfg.ManifestPath, _ = flags.GetString("manifest-path")
	}
	if flags.Changed("static") {
		cfg.Static, _ = flags.GetBool("static")
	}
	if flags.Changed("catchup-delay") {
		cfg.CatchupDelay, _ = flags.GetDuration("catchup-delay")
	}
	if flags.Changed("network") {
		cfg.Network, _ = flags.GetStringSlice("network")
	}
	if flags.Changed("fallback") {
		cfg.Fallback, _ = flags.GetStringSlice("fallback")
	}
	if flags.Changed("cache") {
		cfg.Cache, _ = flags.GetStringSlice("cache")
	}
	if flags.Changed("ignore") {
		ignore, _ := flags.GetString("ignore")
		for i := range cfg.Roots {
			cfg.Roots[i].Ignore = ignore
		}
	}
	if flags.Changed("history") {
		cfg.History.Enabled, _ = flags.GetBool("history")
	}
	if flags.Changed("quiet") {
		cfg.Log.Quiet, _ = flags.GetBool("quiet")
	}
}

// serve runs the generator and the HTTP server until ctx is cancelled or
// the generator stops on its own.
func serve(ctx context.Context, cfg *config.Config, logs *logging.Logs, out io.Writer) error {
	roots, err := cfg.RootConfigs()
	if err != nil {
		return err
	}

	var store *history.Store
	if cfg.History.Enabled {
		lock := flock.New(cfg.History.Path + ".lock")
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to lock history: %w", err)
		}
		if !locked {
			return fmt.Errorf("history %s is in use by another manifestd", cfg.History.Path)
		}
		defer func() { _ = lock.Unlock() }()

		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.InitSchema(ctx); err != nil {
			return err
		}
	}

	logger := logs.Logger("manifest")
	var (
		hub *server.Handler
		rec *history.Recorder
	)
	opts := cfg.ManifestOptions(logger)
	var lastErr atomic.Pointer[error]
	opts.OnError = func(err error) {
		lastErr.Store(&err)
	}
	opts.OnReady = func(render manifest.RenderFunc, stop func()) {
		fmt.Fprintf(out, "%s manifest ready\n", ui.RenderPass("✓"))
	}
	opts.OnUpdate = func(snap manifest.Snapshot, change manifest.Change) {
		hub.OnUpdate(snap, change)
	}
	opts.OnFileEvent = func(ev manifest.Event) {
		logger.Printf("%s %s", ev.Kind, ev.URL)
		hub.OnFileEvent(ev)
		if rec != nil {
			rec.Record(ev)
		}
	}

	gen, err := manifest.New(roots, opts)
	if err != nil {
		return err
	}

	var mounts []server.Mount
	if cfg.Static {
		for _, r := range gen.Roots() {
			mounts = append(mounts, server.Mount{URL: r.URLPrefix, Path: r.FilePath})
		}
	}
	srv := server.NewServer(gen, &server.Config{
		Addr:         cfg.Listen,
		ManifestPath: cfg.ManifestPath,
		Static:       mounts,
		Logger:       logs.Logger("server"),
	})
	hub = server.NewHandler(srv, logs.Logger("server"))

	if store != nil {
		names := make([]string, 0, len(gen.Roots()))
		for _, r := range gen.Roots() {
			names = append(names, r.String())
		}
		if _, err := store.BeginSession(ctx, names); err != nil {
			return err
		}
		rec = history.NewRecorder(store, history.DefaultBuffer, logs.Logger("history"))
		defer rec.Close()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	if err := gen.Start(ctx); err != nil {
		_ = srv.Stop()
		return err
	}

	addr := srv.GetAddr()
	fmt.Fprintf(out, "Manifest: %s\n", ui.RenderAccent("http://"+displayAddr(addr)+cfg.ManifestPath))
	fmt.Fprintf(out, "WebSocket endpoint: ws://%s/ws\n", displayAddr(addr))
	fmt.Fprintf(out, "Health check: http://%s/health\n", displayAddr(addr))
	for _, r := range gen.Roots() {
		fmt.Fprintf(out, "  %s\n", ui.RenderMuted(r.String()))
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

	var genErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nShutting down...")
	case <-gen.Done():
		if ctx.Err() == nil {
			genErr = fmt.Errorf("manifest generator stopped unexpectedly")
			if err := lastErr.Load(); err != nil {
				genErr = fmt.Errorf("manifest generator stopped: %w", *err)
			}
		}
	}

	gen.Stop()
	stopErr := srv.Stop()

	select {
	case <-gen.Done():
	case <-time.After(5 * time.Second):
		logger.Printf("Warning: generator did not stop in time")
	}

	if genErr != nil {
		return genErr
	}
	return stopErr
}

// displayAddr turns a listen address into one a browser can open.
func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	if rest, ok := strings.CutPrefix(addr, "[::]"); ok {
		return "localhost" + rest
	}
	if rest, ok := strings.CutPrefix(addr, "0.0.0.0"); ok {
		return "localhost" + rest
	}
	return addr
}
