package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/manifestd/internal/logging"
	"github.com/steveyegge/manifestd/internal/manifest"
	"github.com/steveyegge/manifestd/internal/ui"
)

var renderCmd = &cobra.Command{
	Use:     "render [root...]",
	GroupID: "inspect",
	Short:   "Scan roots once and print the manifest",
	Long: `Scan every root once and print the manifest it would serve, without
watching or listening.

Example usage:
  manifestd render site                 # print to stdout
  manifestd render -o cache.manifest    # roots from manifestd.yaml
  manifestd render --json site          # entries and timestamp as JSON`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(args)
		if err != nil {
			fatal("%v", err)
		}
		if err := cfg.Validate(); err != nil {
			fatal("invalid configuration: %v", err)
		}
		output, _ := cmd.Flags().GetString("output")
		asJSON, _ := cmd.Flags().GetBool("json")
		verbose, _ := cmd.Flags().GetBool("verbose")

		roots, err := cfg.RootConfigs()
		if err != nil {
			fatal("%v", err)
		}
		logs := logging.New(logging.Config{Quiet: !verbose})
		state, err := manifest.Build(cmd.Context(), roots, cfg.ManifestOptions(logs.Logger("manifest")))
		if err != nil {
			fatal("%v", err)
		}

		if output == "" {
			if err := writeManifest(os.Stdout, state, asJSON, true); err != nil {
				fatal("%v", err)
			}
			return
		}
		if err := writeManifestFile(output, state, asJSON); err != nil {
			fatal("%v", err)
		}
		fmt.Fprintf(os.Stderr, "%s wrote %d entries to %s\n", ui.RenderPass("✓"), state.Len(), output)
	},
}

func init() {
	renderCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	renderCmd.Flags().Bool("json", false, "Print a JSON snapshot instead of the manifest")
	renderCmd.Flags().BoolP("verbose", "v", false, "Log scan progress to stderr")

	rootCmd.AddCommand(renderCmd)
}

// writeManifest writes state as a manifest or a JSON snapshot. The
// manifest has no final newline of its own; terminal adds one.
func writeManifest(w io.Writer, state *manifest.State, asJSON, terminal bool) error {
	if !asJSON {
		if _, err := state.WriteTo(w); err != nil {
			return err
		}
		if terminal {
			_, err := fmt.Fprintln(w)
			return err
		}
		return nil
	}
	snap, err := state.Snapshot()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// writeManifestFile writes state to path, closing the file before it
// returns.
func writeManifestFile(path string, state *manifest.State, asJSON bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeManifest(f, state, asJSON, false); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
