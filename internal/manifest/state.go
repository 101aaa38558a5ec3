package manifest

import (
	"sync"
	"time"
)

// DefaultNetwork is the NETWORK section used when none is configured.
var DefaultNetwork = []string{"*"}

// Snapshot is a point-in-time copy of the manifest contents.
type Snapshot struct {
	Cache    []string  `json:"cache"`
	Network  []string  `json:"network"`
	Fallback []string  `json:"fallback,omitempty"`
	Updated  time.Time `json:"updated"`
}

// Change summarizes what a single Update did to the state.
type Change struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Advanced bool     `json:"advanced,omitempty"`
}

// Changed reports whether listeners should be notified.
func (c Change) Changed() bool {
	return len(c.Added) > 0 || len(c.Removed) > 0 || c.Advanced
}

// State holds the manifest: the ordered cache set, the static NETWORK and
// FALLBACK lists, permanent entries and the running timestamp.
//
// Mutations go through Update and are expected to come from a single
// goroutine; reads may happen concurrently. After Stop every method returns
// ErrStopped.
type State struct {
	mu        sync.RWMutex
	cache     *URLSet
	network   []string
	fallback  []string
	permanent map[string]struct{}
	// owners records which roots reported each URL.
	owners    map[string]map[int]struct{}
	timestamp time.Time
	stopped   bool
}

// NewState builds a state with the given static sections. Permanent entries
// are inserted into the cache set immediately.
func NewState(network, fallback, permanent []string) *State {
	if network == nil {
		network = DefaultNetwork
	}
	s := &State{
		cache:     NewURLSet(),
		network:   append([]string(nil), network...),
		fallback:  append([]string(nil), fallback...),
		permanent: make(map[string]struct{}, len(permanent)),
		owners:    make(map[string]map[int]struct{}),
	}
	for _, u := range permanent {
		s.permanent[u] = struct{}{}
		s.cache.Insert(u)
	}
	return s
}

// Tx is the mutation handle passed to Update. Every Insert and Remove is
// made on behalf of the transaction's owner.
type Tx struct {
	s      *State
	owner  int
	change Change
}

// Insert adds url to the cache set and records the owner as reporting it.
func (tx *Tx) Insert(url string) bool {
	owners, ok := tx.s.owners[url]
	if !ok {
		owners = make(map[int]struct{}, 1)
		tx.s.owners[url] = owners
	}
	owners[tx.owner] = struct{}{}
	if !tx.s.cache.Insert(url) {
		return false
	}
	tx.change.Added = append(tx.change.Added, url)
	return true
}

// Remove withdraws the owner's claim on url. The URL leaves the cache set
// once no owner reports it. Permanent entries are kept.
func (tx *Tx) Remove(url string) bool {
	if _, ok := tx.s.permanent[url]; ok {
		return false
	}
	if owners, ok := tx.s.owners[url]; ok {
		delete(owners, tx.owner)
		if len(owners) > 0 {
			return false
		}
		delete(tx.s.owners, url)
	}
	if !tx.s.cache.Remove(url) {
		return false
	}
	tx.change.Removed = append(tx.change.Removed, url)
	return true
}

// RemoveTree withdraws the owner's claim on every entry below dir, where
// dir is the URL of a removed directory. Entries other owners still report
// stay.
func (tx *Tx) RemoveTree(dir string) int {
	n := 0
	for _, url := range tx.s.cache.WithPrefix(dir + "/") {
		if tx.Remove(url) {
			n++
		}
	}
	return n
}

// Touch folds a modification time into the timestamp. The timestamp only
// moves forward; Touch reports whether it advanced.
func (tx *Tx) Touch(mod time.Time) bool {
	if !mod.After(tx.s.timestamp) {
		return false
	}
	tx.s.timestamp = mod
	tx.change.Advanced = true
	return true
}

// Update runs fn with exclusive access to the state, as owner 0.
func (s *State) Update(fn func(tx *Tx)) (Change, error) {
	return s.UpdateAs(0, fn)
}

// UpdateAs runs fn with exclusive access to the state on behalf of owner,
// normally the index of a root.
func (s *State) UpdateAs(owner int, fn func(tx *Tx)) (Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Change{}, ErrStopped
	}
	tx := &Tx{s: s, owner: owner}
	fn(tx)
	return tx.change, nil
}

// IsPermanent reports whether url was configured as a permanent entry.
func (s *State) IsPermanent(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.permanent[url]
	return ok
}

// Snapshot returns a copy of the current contents.
func (s *State) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return Snapshot{}, ErrStopped
	}
	return Snapshot{
		Cache:    s.cache.All(),
		Network:  append([]string(nil), s.network...),
		Fallback: append([]string(nil), s.fallback...),
		Updated:  s.timestamp,
	}, nil
}

// Len returns the number of cache entries, or 0 once stopped.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return 0
	}
	return s.cache.Len()
}

// Stop moves the state to its terminal stopped sentinel. It reports whether
// this call performed the transition.
func (s *State) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

// Stopped reports whether Stop has been called.
func (s *State) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
