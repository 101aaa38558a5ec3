package manifest

import (
	"errors"
	"fmt"
)

// Errors returned by the manifest generator.
//
// Configuration and scan failures abort New; the remaining errors are
// reported while the generator is running and never stop it:
//
//	if errors.Is(err, manifest.ErrStopped) {
//	    // respond with a server error
//	}
var (
	// ErrNoRoots is returned when no roots are configured.
	ErrNoRoots = errors.New("at least one root must be configured")

	// ErrMissingFile is returned when a root has no file path.
	ErrMissingFile = errors.New("root must contain a file property")

	// ErrAmbiguousURL is returned when a root is an absolute path and no
	// URL was given. The basename of an absolute path is rarely the
	// intended namespace, so an explicit URL is required.
	ErrAmbiguousURL = errors.New("absolute root path requires an explicit url")

	// ErrStopped is returned when the manifest is read after Stop.
	ErrStopped = errors.New("manifest generator stopped")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("manifest generator already started")
)

// ConfigError describes an invalid root or option.
type ConfigError struct {
	Root string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Root == "" {
		return fmt.Sprintf("manifest config: %v", e.Err)
	}
	return fmt.Sprintf("manifest config: root %q: %v", e.Root, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ScanError describes a failure to stat or enumerate a configured root.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("failed to scan root %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// WatchEventError describes a watch event that could not be reconciled.
// The event is dropped and processing continues.
type WatchEventError struct {
	Op   Op
	Path string
	Err  error
}

func (e *WatchEventError) Error() string {
	return fmt.Sprintf("failed to reconcile %s event for %s: %v", e.Op, e.Path, e.Err)
}

func (e *WatchEventError) Unwrap() error { return e.Err }
