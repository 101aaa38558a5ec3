package server

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/steveyegge/manifestd/internal/manifest"
)

// Handler turns generator callbacks into pushed messages.
// It bridges between the manifest generator and the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnUpdate handles manifest changes. It matches manifest.Options.OnUpdate.
func (h *Handler) OnUpdate(snap manifest.Snapshot, change manifest.Change) {
	data := ManifestUpdateData{
		Entries: len(snap.Cache),
		Added:   change.Added,
		Removed: change.Removed,
		Updated: snap.Updated,
	}
	h.send(MessageTypeManifestUpdate, data)
}

// OnFileEvent handles watch events. It matches manifest.Options.OnFileEvent.
func (h *Handler) OnFileEvent(ev manifest.Event) {
	h.send(MessageTypeFileEvent, ev)
}

func (h *Handler) send(typ MessageType, v interface{}) {
	dataJSON, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// NoCache wraps next so responses are never served from a cache without
// revalidation.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}
