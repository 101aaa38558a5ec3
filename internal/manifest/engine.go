package manifest

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/steveyegge/manifestd/internal/scan"
	"github.com/steveyegge/manifestd/internal/watch"
)

// Op is the kind of a watch event.
type Op = watch.Op

// Watch event kinds.
const (
	OpCreate = watch.OpCreate
	OpUpdate = watch.OpUpdate
	OpDelete = watch.OpDelete
)

// Event is a watch event as seen by file listeners.
type Event struct {
	// Root is the file path of the root the event belongs to.
	Root string `json:"root"`
	// Path is the file path reported by the watch.
	Path string `json:"path"`
	// URL is the manifest URL Path maps to.
	URL string `json:"url"`
	// Op is the event kind.
	Op Op `json:"-"`
	// Kind is Op as text.
	Kind string `json:"op"`
}

// engine reconciles one root's scans and watch events into the shared
// state. It is driven from the generator's event loop and is not safe for
// concurrent use.
type engine struct {
	// id owns this root's entries in the shared state.
	id    int
	root  *Root
	state *State

	// seq counts delete events. While rescans are pending, deleted maps
	// each deleted path to the seq of its latest delete.
	seq     uint64
	pending int
	deleted map[string]uint64
}

// applyEntries inserts the URL of every non-ignored entry and folds its
// modification time.
func (e *engine) applyEntries(entries []scan.Entry) (Change, error) {
	return e.state.UpdateAs(e.id, func(tx *Tx) {
		for _, entry := range entries {
			if e.root.IsIgnored(entry.Path) {
				continue
			}
			url, ok := e.root.ToURL(entry.Path)
			if !ok {
				continue
			}
			tx.Insert(url)
			tx.Touch(entry.ModTime)
		}
	})
}

// beginRescan marks the start of a directory rescan. The returned value is
// passed back to finishRescan with the scan's entries.
func (e *engine) beginRescan() uint64 {
	e.pending++
	return e.seq
}

// finishRescan drops the entries deleted since the rescan began; the walk
// may have seen them before their delete event was handled.
func (e *engine) finishRescan(since uint64, entries []scan.Entry) []scan.Entry {
	if e.pending > 0 {
		e.pending--
	}
	kept := entries
	if len(e.deleted) > 0 {
		kept = make([]scan.Entry, 0, len(entries))
		for _, entry := range entries {
			if !e.deletedSince(entry.Path, since) {
				kept = append(kept, entry)
			}
		}
	}
	if e.pending == 0 {
		e.deleted = nil
	}
	return kept
}

// deletedSince reports whether path or a directory above it was deleted
// after seq since.
func (e *engine) deletedSince(path string, since uint64) bool {
	for p := filepath.Clean(path); ; {
		if seq, ok := e.deleted[p]; ok && seq > since {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

// result is the outcome of reconciling one event.
type result struct {
	change Change
	// rescan is a created directory whose contents must be scanned.
	rescan string
}

// reconcile applies one watch event. info and statErr are the result of
// re-statting the path for create and update events.
//
// A stat failure yields a *WatchEventError and leaves the state untouched.
// ErrStopped is returned once the state has been stopped.
func (e *engine) reconcile(ev watch.Event, url string, info fs.FileInfo, statErr error) (result, error) {
	switch ev.Op {
	case OpCreate, OpUpdate:
		if statErr != nil {
			return result{}, &WatchEventError{Op: ev.Op, Path: ev.Path, Err: statErr}
		}
		if info.Mode().IsRegular() {
			change, err := e.state.UpdateAs(e.id, func(tx *Tx) {
				tx.Insert(url)
				tx.Touch(info.ModTime())
			})
			return result{change: change}, err
		}
		if info.IsDir() && ev.Op == OpCreate {
			if e.state.Stopped() {
				return result{}, ErrStopped
			}
			return result{rescan: ev.Path}, nil
		}
		return result{}, nil

	case OpDelete:
		e.seq++
		if e.pending > 0 {
			if e.deleted == nil {
				e.deleted = make(map[string]uint64)
			}
			e.deleted[filepath.Clean(ev.Path)] = e.seq
		}
		change, err := e.state.UpdateAs(e.id, func(tx *Tx) {
			tx.Remove(url)
			tx.RemoveTree(url)
		})
		return result{change: change}, err
	}
	return result{}, errors.New("unknown watch event")
}
