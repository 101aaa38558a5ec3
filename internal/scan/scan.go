// Package scan enumerates the regular files below a root together with their
// modification times.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Entry is one regular file found by a scan.
type Entry struct {
	// Path is the file path, joined onto the root as given.
	Path string
	// ModTime is the file's modification time.
	ModTime time.Time
}

// Walker scans a directory tree.
type Walker struct {
	// Skip excludes a path. A skipped directory is not descended into.
	Skip func(path string) bool

	// OnError is told about entries below the root that could not be read.
	// Those entries are skipped. A nil OnError drops them silently.
	OnError func(path string, err error)
}

// Walk is shorthand for Walker{Skip: skip}.Walk.
func Walk(ctx context.Context, root string, skip func(string) bool) ([]Entry, error) {
	return Walker{Skip: skip}.Walk(ctx, root)
}

// Walk returns every regular file under root. If root is itself a regular
// file it is the only entry. Failing to stat or read root is an error;
// failures below root are reported to OnError and skipped.
func (w Walker) Walk(ctx context.Context, root string) ([]Entry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is neither a regular file nor a directory", root)
		}
		return []Entry{{Path: root, ModTime: info.ModTime()}}, nil
	}

	var entries []Entry
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.report(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if path != root && w.Skip != nil && w.Skip(path) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		fi, err := entryInfo(path, d)
		if err != nil {
			w.report(path, err)
			return nil
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		entries = append(entries, Entry{Path: path, ModTime: fi.ModTime()})
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			return entries, walkErr
		}
		return nil, fmt.Errorf("failed to walk %s: %w", root, walkErr)
	}
	return entries, nil
}

// entryInfo resolves symlinks so that linked files are indexed like the
// files they point at.
func entryInfo(path string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		return os.Stat(path)
	}
	return d.Info()
}

func (w Walker) report(path string, err error) {
	if w.OnError != nil {
		w.OnError(path, err)
	}
}

// Latest returns the greatest modification time among entries.
func Latest(entries []Entry) time.Time {
	var latest time.Time
	for _, e := range entries {
		if e.ModTime.After(latest) {
			latest = e.ModTime
		}
	}
	return latest
}
