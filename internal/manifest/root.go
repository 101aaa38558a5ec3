package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// RootConfig is the configuration of one watched root.
type RootConfig struct {
	// File is the file or directory to track. Required.
	File string

	// URL is the URL prefix the root is published under. Defaults to the
	// base name of File. Must be set when File is absolute.
	URL string

	// Ignore excludes every path it matches. A nil pattern matches nothing.
	Ignore *regexp.Regexp

	// IgnoreGlobs are doublestar patterns matched against the slash
	// separated path relative to File.
	IgnoreGlobs []string
}

// ParseRootSpec expands the string shorthand for a root: the same value is
// used for the file path and the URL.
func ParseRootSpec(s string) RootConfig {
	return RootConfig{File: s, URL: s}
}

// Root maps the files below one watched path to manifest URLs.
// A Root is immutable once constructed.
type Root struct {
	// FilePath is the cleaned path in platform separator form.
	FilePath string

	// URLPrefix starts with "/" unless it is empty, and never ends with "/".
	URLPrefix string

	absPath string
	ignore  *regexp.Regexp
	globs   []string
}

// NewRoot validates cfg and builds its mapping.
func NewRoot(cfg RootConfig) (*Root, error) {
	if strings.TrimSpace(cfg.File) == "" {
		return nil, &ConfigError{Err: ErrMissingFile}
	}

	filePath := filepath.Clean(filepath.FromSlash(cfg.File))

	url := cfg.URL
	if url == "" {
		if filepath.IsAbs(filePath) {
			return nil, &ConfigError{Root: cfg.File, Err: ErrAmbiguousURL}
		}
		url = filepath.Base(filePath)
	}
	url = filepath.ToSlash(url)
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	url = strings.TrimRight(url, "/")

	for _, pat := range cfg.IgnoreGlobs {
		if !doublestar.ValidatePattern(pat) {
			return nil, &ConfigError{Root: cfg.File, Err: fmt.Errorf("invalid ignore glob %q", pat)}
		}
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		absPath = filePath
	}

	return &Root{
		FilePath:  filePath,
		URLPrefix: url,
		absPath:   absPath,
		ignore:    cfg.Ignore,
		globs:     append([]string(nil), cfg.IgnoreGlobs...),
	}, nil
}

// rel returns path relative to the root, or false if path lies outside it.
func (r *Root) rel(path string) (string, bool) {
	path = filepath.Clean(path)
	if r.FilePath == "." && !filepath.IsAbs(path) {
		if path == ".." || strings.HasPrefix(path, ".."+string(os.PathSeparator)) {
			return "", false
		}
		if path == "." {
			return "", true
		}
		return path, true
	}
	for _, base := range []string{r.FilePath, r.absPath} {
		if path == base {
			return "", true
		}
		prefix := base
		if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
			prefix += string(os.PathSeparator)
		}
		if strings.HasPrefix(path, prefix) {
			return strings.TrimPrefix(path[len(base):], string(os.PathSeparator)), true
		}
	}
	return "", false
}

// ToURL converts a path under the root to its manifest URL. It returns
// false when path is not under the root.
func (r *Root) ToURL(path string) (string, bool) {
	rel, ok := r.rel(path)
	if !ok {
		return "", false
	}
	if rel == "" {
		if r.URLPrefix == "" {
			return "/", true
		}
		return r.URLPrefix, true
	}
	return r.URLPrefix + "/" + filepath.ToSlash(rel), true
}

// IsIgnored reports whether path is excluded by the root's ignore filters.
func (r *Root) IsIgnored(path string) bool {
	if r.ignore != nil && r.ignore.MatchString(path) {
		return true
	}
	if len(r.globs) == 0 {
		return false
	}
	rel, ok := r.rel(path)
	if !ok || rel == "" {
		return false
	}
	normalized := filepath.ToSlash(rel)
	for _, pat := range r.globs {
		if matched, err := doublestar.Match(pat, normalized); err == nil && matched {
			return true
		}
	}
	return false
}

func (r *Root) String() string {
	return fmt.Sprintf("%s -> %s", r.FilePath, r.URLPrefix)
}
