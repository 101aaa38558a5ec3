package manifest

import (
	"sort"
	"strings"
)

// URLSet is an ordered collection of unique URL strings.
//
// Entries are kept sorted by plain byte-wise string comparison so that
// iteration order is the order in which URLs appear in the rendered manifest.
// Lookups are O(log n); Insert and Remove shift the backing slice.
//
// URLSet is not safe for concurrent use. State serializes access to it.
type URLSet struct {
	urls []string
}

// NewURLSet returns an empty set. Any initial values are inserted.
func NewURLSet(urls ...string) *URLSet {
	s := &URLSet{}
	for _, u := range urls {
		s.Insert(u)
	}
	return s
}

// search returns the index of url and whether it is present.
func (s *URLSet) search(url string) (int, bool) {
	i := sort.SearchStrings(s.urls, url)
	return i, i < len(s.urls) && s.urls[i] == url
}

// Insert adds url to the set. It reports whether the set changed.
func (s *URLSet) Insert(url string) bool {
	i, found := s.search(url)
	if found {
		return false
	}
	s.urls = append(s.urls, "")
	copy(s.urls[i+1:], s.urls[i:])
	s.urls[i] = url
	return true
}

// Remove deletes url from the set. It reports whether the set changed.
func (s *URLSet) Remove(url string) bool {
	i, found := s.search(url)
	if !found {
		return false
	}
	s.urls = append(s.urls[:i], s.urls[i+1:]...)
	return true
}

// WithPrefix returns the entries that start with prefix, in order.
func (s *URLSet) WithPrefix(prefix string) []string {
	i := sort.SearchStrings(s.urls, prefix)
	j := i
	for j < len(s.urls) && strings.HasPrefix(s.urls[j], prefix) {
		j++
	}
	out := make([]string, j-i)
	copy(out, s.urls[i:j])
	return out
}

// Contains reports whether url is a member.
func (s *URLSet) Contains(url string) bool {
	_, found := s.search(url)
	return found
}

// Len returns the number of entries.
func (s *URLSet) Len() int {
	return len(s.urls)
}

// All returns a sorted copy of the entries.
func (s *URLSet) All() []string {
	out := make([]string, len(s.urls))
	copy(out, s.urls)
	return out
}

// Each calls fn for every entry in order.
func (s *URLSet) Each(fn func(url string)) {
	for _, u := range s.urls {
		fn(u)
	}
}
