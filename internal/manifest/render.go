package manifest

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"
)

const (
	// ContentType is the media type of a rendered manifest.
	ContentType = "text/cache-manifest"

	// TimestampLayout is the ISO-8601 layout of the #Updated comment.
	TimestampLayout = "2006-01-02T15:04:05Z"
)

// FormatTimestamp renders t in UTC with second precision. The zero time
// renders as the Unix epoch.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(TimestampLayout)
}

// Render serializes the state into manifest text.
func Render(s *State) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the manifest text to w. Nothing is written when the state
// is stopped.
func (s *State) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return 0, ErrStopped
	}
	buf.WriteString("CACHE MANIFEST\n")
	s.cache.Each(func(url string) {
		buf.WriteString(url)
		buf.WriteByte('\n')
	})
	buf.WriteString("\nNETWORK:\n")
	for _, n := range s.network {
		buf.WriteString(n)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if len(s.fallback) > 0 {
		buf.WriteString("FALLBACK:\n")
		for _, f := range s.fallback {
			buf.WriteString(f)
			buf.WriteByte('\n')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("#Updated: ")
	buf.WriteString(FormatTimestamp(s.timestamp))
	s.mu.RUnlock()

	return buf.WriteTo(w)
}

// Handler serves the manifest rendered by r. Once the generator is stopped
// it answers 503 with a plain-text body.
func Handler(r interface{ Render(io.Writer) error }) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var buf bytes.Buffer
		err := r.Render(&buf)
		if errors.Is(err, ErrStopped) {
			http.Error(w, ErrStopped.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", ContentType)
		_, _ = buf.WriteTo(w)
	})
}
