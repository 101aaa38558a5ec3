package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/manifestd/internal/config"
	"github.com/steveyegge/manifestd/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create, show and check configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample config file",
	Long: `Write a sample config file. The format follows the extension: .yaml,
.toml or .json. The default is manifestd.yaml in the current directory.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := config.AppName + ".yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(path); err == nil && !force {
			fatal("%s already exists (use --force to overwrite)", path)
		}
		f, err := os.Create(path)
		if err != nil {
			fatal("failed to create %s: %v", path, err)
		}
		if err := config.Sample().Encode(f, config.FormatForPath(path)); err != nil {
			_ = f.Close()
			fatal("%v", err)
		}
		if err := f.Close(); err != nil {
			fatal("failed to write %s: %v", path, err)
		}
		fmt.Printf("%s wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show [root...]",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, environment
overrides and root arguments have been applied.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(args)
		if err != nil {
			fatal("%v", err)
		}
		format, _ := cmd.Flags().GetString("format")
		if err := cfg.Encode(os.Stdout, format); err != nil {
			fatal("%v", err)
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [root...]",
	Short: "Check the configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, used, err := config.Load(configPath)
		if err != nil {
			fatal("%v", err)
		}
		setRoots(cfg, args)
		if err := cfg.Validate(); err != nil {
			fatal("invalid configuration: %v", err)
		}

		source := used
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Printf("%s configuration is valid (%s)\n", ui.RenderPass("✓"), source)
		for _, r := range cfg.Roots {
			if _, err := os.Stat(r.File); err != nil {
				fmt.Printf("  %s %s: %v\n", ui.RenderWarn("!"), r.File, err)
			}
		}
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	configShowCmd.Flags().String("format", "yaml", "Output format (yaml, toml, json)")

	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
