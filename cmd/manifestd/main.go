// Command manifestd serves a live HTML5 cache manifest for a set of file
// system roots.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/manifestd/internal/config"
	"github.com/steveyegge/manifestd/internal/manifest"
	"github.com/steveyegge/manifestd/internal/ui"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "manifestd",
	Short: "Live cache manifest generator",
	Long: `manifestd keeps an HTML5 cache manifest in sync with files on disk.

Each root maps a file or directory to a URL prefix. The manifest lists the
URL of every file under every root and carries the newest modification
time, so browsers refetch the application whenever a file changes.

Roots come from the config file or from arguments. An argument is either a
path, used as its own URL, or path=url:

  manifestd serve site build/js=/js`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.ConfigureColor(os.Stdout)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "serve", Title: "Serving:"},
		&cobra.Group{ID: "inspect", Title: "Inspecting:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./manifestd.{yaml,toml,json})")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and replaces its roots with any given
// as arguments.
func loadConfig(args []string) (*config.Config, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setRoots(cfg, args)
	return cfg, nil
}

// setRoots replaces the configured roots when args are given.
func setRoots(cfg *config.Config, args []string) {
	if len(args) == 0 {
		return
	}
	cfg.Roots = make([]config.Root, 0, len(args))
	for _, arg := range args {
		cfg.Roots = append(cfg.Roots, parseRootArg(arg))
	}
}

// parseRootArg parses "path" or "path=url".
func parseRootArg(arg string) config.Root {
	if file, url, ok := strings.Cut(arg, "="); ok {
		return config.Root{File: file, URL: url}
	}
	spec := manifest.ParseRootSpec(arg)
	return config.Root{File: spec.File, URL: spec.URL}
}

// fatal prints err in the CLI's error style and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}
