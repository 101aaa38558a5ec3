// Package config loads manifestd configuration from a file, the environment
// and built-in defaults.
//
// Files may be YAML, TOML or JSON; the format follows the extension. Every
// key can be overridden with a MANIFESTD_ environment variable, nested keys
// joined by underscores (MANIFESTD_LOG_QUIET=true).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/manifestd/internal/manifest"
)

const (
	// AppName is the application name.
	AppName = "manifestd"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "MANIFESTD"
	// DefaultHistoryPath is where event history is kept when enabled.
	DefaultHistoryPath = ".manifestd/history.db"
)

// Root is one configured root. In files a root may also be written as a
// plain string, which is shorthand for {file: s, url: s}.
type Root struct {
	File        string   `mapstructure:"file" yaml:"file" toml:"file" json:"file"`
	URL         string   `mapstructure:"url" yaml:"url,omitempty" toml:"url,omitempty" json:"url,omitempty"`
	Ignore      string   `mapstructure:"ignore" yaml:"ignore,omitempty" toml:"ignore,omitempty" json:"ignore,omitempty"`
	IgnoreGlobs []string `mapstructure:"ignore_globs" yaml:"ignore_globs,omitempty" toml:"ignore_globs,omitempty" json:"ignore_globs,omitempty"`
}

// LogConfig controls where log output goes.
type LogConfig struct {
	// File receives a rotated copy of the log when set
	File       string `mapstructure:"file" yaml:"file" toml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" toml:"max_age_days" json:"max_age_days"`
	// Quiet drops activity logging from stderr
	Quiet bool `mapstructure:"quiet" yaml:"quiet" toml:"quiet" json:"quiet"`
}

// HistoryConfig controls event recording.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" toml:"path" json:"path"`
}

// Config is the complete manifestd configuration.
type Config struct {
	Listen       string        `mapstructure:"listen"`
	ManifestPath string        `mapstructure:"manifest_path"`
	CatchupDelay time.Duration `mapstructure:"catchup_delay"`
	Network      []string      `mapstructure:"network"`
	Fallback     []string      `mapstructure:"fallback"`
	Cache        []string      `mapstructure:"cache"`
	Roots        []Root        `mapstructure:"roots"`
	Static       bool          `mapstructure:"static"`
	Log          LogConfig     `mapstructure:"log"`
	History      HistoryConfig `mapstructure:"history"`
}

// DefaultConfig returns the built-in defaults. It has no roots.
func DefaultConfig() *Config {
	return &Config{
		Listen:       ":8080",
		ManifestPath: "/cache.manifest",
		CatchupDelay: manifest.DefaultCatchupDelay,
		Network:      []string{"*"},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		History: HistoryConfig{
			Path: DefaultHistoryPath,
		},
	}
}

// Load reads configuration. If path is empty, manifestd.{yaml,toml,json}
// in the current directory is used when present; otherwise only defaults
// and the environment apply. Load returns the config file actually used.
func Load(path string) (*Config, string, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("listen", defaults.Listen)
	v.SetDefault("manifest_path", defaults.ManifestPath)
	v.SetDefault("catchup_delay", defaults.CatchupDelay)
	v.SetDefault("network", defaults.Network)
	v.SetDefault("fallback", []string{})
	v.SetDefault("cache", []string{})
	v.SetDefault("roots", []interface{}{})
	v.SetDefault("static", false)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("log.quiet", defaults.Log.Quiet)
	v.SetDefault("history.enabled", defaults.History.Enabled)
	v.SetDefault("history.path", defaults.History.Path)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, "", fmt.Errorf("config file not found: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, "", fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	roots, err := normalizeRoots(v.Get("roots"))
	if err != nil {
		return nil, "", err
	}
	v.Set("roots", roots)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	// Relative root and history paths are relative to the config file.
	if used := v.ConfigFileUsed(); used != "" {
		base := filepath.Dir(used)
		for i := range cfg.Roots {
			cfg.Roots[i].File = resolve(base, cfg.Roots[i].File)
		}
		if cfg.History.Path != "" {
			cfg.History.Path = resolve(base, cfg.History.Path)
		}
		if cfg.Log.File != "" {
			cfg.Log.File = resolve(base, cfg.Log.File)
		}
	}

	return &cfg, v.ConfigFileUsed(), nil
}

// resolve joins a relative path onto base. Paths under the current
// directory stay relative so default URLs keep their base names.
func resolve(base, path string) string {
	if filepath.IsAbs(path) || base == "." {
		return path
	}
	return filepath.Join(base, path)
}

// normalizeRoots turns the raw roots value into a list of maps so that
// viper can decode it. Strings are expanded with the shorthand; a single
// string (as from the environment) is split on commas.
func normalizeRoots(raw interface{}) ([]interface{}, error) {
	var items []interface{}
	switch r := raw.(type) {
	case nil:
		return nil, nil
	case string:
		for _, s := range strings.Split(r, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
	case []string:
		for _, s := range r {
			items = append(items, s)
		}
	case []interface{}:
		items = r
	case []map[string]interface{}:
		for _, m := range r {
			items = append(items, m)
		}
	default:
		return nil, fmt.Errorf("invalid roots: expected a list, got %T", raw)
	}

	out := make([]interface{}, 0, len(items))
	for i, item := range items {
		switch it := item.(type) {
		case string:
			spec := manifest.ParseRootSpec(it)
			out = append(out, map[string]interface{}{"file": spec.File, "url": spec.URL})
		case map[string]interface{}:
			out = append(out, it)
		case map[interface{}]interface{}:
			m := make(map[string]interface{}, len(it))
			for k, val := range it {
				m[fmt.Sprint(k)] = val
			}
			out = append(out, m)
		default:
			return nil, fmt.Errorf("invalid roots[%d]: expected a string or a table, got %T", i, item)
		}
	}
	return out, nil
}

// RootConfigs converts the configured roots, compiling ignore patterns.
func (c *Config) RootConfigs() ([]manifest.RootConfig, error) {
	roots := make([]manifest.RootConfig, 0, len(c.Roots))
	for i, r := range c.Roots {
		rc := manifest.RootConfig{
			File:        r.File,
			URL:         r.URL,
			IgnoreGlobs: r.IgnoreGlobs,
		}
		if r.Ignore != "" {
			re, err := regexp.Compile(r.Ignore)
			if err != nil {
				return nil, fmt.Errorf("roots[%d]: invalid ignore pattern %q: %w", i, r.Ignore, err)
			}
			rc.Ignore = re
		}
		roots = append(roots, rc)
	}
	return roots, nil
}

// ManifestOptions returns generator options for this configuration.
func (c *Config) ManifestOptions(logger *log.Logger) *manifest.Options {
	return &manifest.Options{
		CatchupDelay: c.CatchupDelay,
		Network:      c.Network,
		Fallback:     c.Fallback,
		Cache:        c.Cache,
		Logger:       logger,
	}
}

// Validate checks the configuration without touching the file system.
func (c *Config) Validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("no roots configured: %w", manifest.ErrNoRoots)
	}
	roots, err := c.RootConfigs()
	if err != nil {
		return err
	}
	for i, rc := range roots {
		if _, err := manifest.NewRoot(rc); err != nil {
			return fmt.Errorf("roots[%d]: %w", i, err)
		}
	}
	if c.CatchupDelay < 0 {
		return fmt.Errorf("catchup_delay must not be negative, got %s", c.CatchupDelay)
	}
	if !strings.HasPrefix(c.ManifestPath, "/") {
		return fmt.Errorf("manifest_path must start with /, got %q", c.ManifestPath)
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history is enabled but history.path is empty")
	}
	return nil
}

// document is the on-disk shape of a Config.
type document struct {
	Listen       string        `yaml:"listen" toml:"listen" json:"listen"`
	ManifestPath string        `yaml:"manifest_path" toml:"manifest_path" json:"manifest_path"`
	CatchupDelay string        `yaml:"catchup_delay" toml:"catchup_delay" json:"catchup_delay"`
	Network      []string      `yaml:"network" toml:"network" json:"network"`
	Fallback     []string      `yaml:"fallback" toml:"fallback" json:"fallback"`
	Cache        []string      `yaml:"cache" toml:"cache" json:"cache"`
	Static       bool          `yaml:"static" toml:"static" json:"static"`
	Roots        []Root        `yaml:"roots" toml:"roots" json:"roots"`
	Log          LogConfig     `yaml:"log" toml:"log" json:"log"`
	History      HistoryConfig `yaml:"history" toml:"history" json:"history"`
}

func (c *Config) document() document {
	nonNil := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return document{
		Listen:       c.Listen,
		ManifestPath: c.ManifestPath,
		CatchupDelay: c.CatchupDelay.String(),
		Network:      nonNil(c.Network),
		Fallback:     nonNil(c.Fallback),
		Cache:        nonNil(c.Cache),
		Static:       c.Static,
		Roots:        c.Roots,
		Log:          c.Log,
		History:      c.History,
	}
}

// Encode writes c to w as yaml, toml or json.
func (c *Config) Encode(w io.Writer, format string) error {
	doc := c.document()
	switch strings.ToLower(format) {
	case "yaml", "yml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(doc); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown format %q (want yaml, toml or json)", format)
	}
}

// Sample returns a starting configuration for `manifestd config init`.
func Sample() *Config {
	cfg := DefaultConfig()
	cfg.Roots = []Root{
		{File: "public", URL: "/"},
		{File: "build/js", URL: "/js", Ignore: `\.map$`, IgnoreGlobs: []string{"**/*.tmp"}},
	}
	cfg.Fallback = []string{}
	cfg.Cache = []string{}
	return cfg
}

// FormatForPath picks an encoding from a file extension.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}
