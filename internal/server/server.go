// Package server serves a live cache manifest over HTTP.
//
// Besides the manifest itself the server exposes a health endpoint, an
// optional set of static mounts and a WebSocket endpoint that pushes manifest
// and file events to connected clients as they happen.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/steveyegge/manifestd/internal/manifest"
)

// MessageType defines the type of a pushed message
type MessageType string

const (
	// MessageTypeHello is sent to each client when it connects
	MessageTypeHello MessageType = "hello"

	// MessageTypeManifestUpdate indicates the manifest index or timestamp changed
	MessageTypeManifestUpdate MessageType = "manifest_update"

	// MessageTypeFileEvent indicates a watched file was created, updated or deleted
	MessageTypeFileEvent MessageType = "file_event"
)

// Message represents a pushed message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloData describes the manifest to a newly connected client
type HelloData struct {
	ClientID string    `json:"client_id"`
	Ready    bool      `json:"ready"`
	Entries  int       `json:"entries"`
	Updated  time.Time `json:"updated"`
}

// ManifestUpdateData contains manifest change information
type ManifestUpdateData struct {
	Entries int       `json:"entries"`
	Added   []string  `json:"added,omitempty"`
	Removed []string  `json:"removed,omitempty"`
	Updated time.Time `json:"updated"`
}

// Source is what the server renders. *manifest.Generator implements it.
type Source interface {
	Render(w io.Writer) error
	Snapshot() (manifest.Snapshot, error)
	Ready() <-chan struct{}
}

// Mount serves a file or directory under a URL prefix.
type Mount struct {
	URL  string
	Path string
}

// Server serves the manifest and broadcasts changes to WebSocket clients
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	source   Source
	config   *Config

	// WebSocket client management, keyed by connection with a client id
	clients   map[*websocket.Conn]string
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logging
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8080"). Port 0 picks a free port.
	Addr string

	// ManifestPath is the URL path of the manifest (default: "/cache.manifest")
	ManifestPath string

	// Static mounts served with caching disabled
	Static []Mount

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8080",
		ManifestPath: "/cache.manifest",
		Logger:       log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// NewServer creates a new manifest server for source
func NewServer(source Source, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ManifestPath == "" {
		config.ManifestPath = "/cache.manifest"
	}
	if !strings.HasPrefix(config.ManifestPath, "/") {
		config.ManifestPath = "/" + config.ManifestPath
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		source:    source,
		config:    config,
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.ManifestPath, manifest.Handler(s.source))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	seen := map[string]bool{s.config.ManifestPath: true, "/ws": true, "/health": true}
	for _, m := range s.config.Static {
		prefix := strings.TrimRight(m.URL, "/")
		info, err := os.Stat(m.Path)
		if err != nil {
			s.logger.Printf("Warning: skipping static mount %s: %v", m.Path, err)
			continue
		}
		pattern := prefix + "/"
		if !info.IsDir() {
			pattern = prefix
		}
		if pattern == "" || seen[pattern] {
			s.logger.Printf("Warning: skipping static mount %s: URL %q unavailable", m.Path, m.URL)
			continue
		}
		seen[pattern] = true

		if !info.IsDir() {
			path := m.Path
			mux.Handle(prefix, NoCache(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.ServeFile(w, r, path)
			})))
			continue
		}
		mux.Handle(pattern, NoCache(http.StripPrefix(prefix, http.FileServer(http.Dir(m.Path)))))
	}
	if !seen["/"] {
		mux.HandleFunc("/", s.handleRoot)
	}
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	// Start broadcast handler
	s.wg.Add(1)
	go s.broadcastLoop()

	// Start HTTP server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Serving %s on %s", s.config.ManifestPath, ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server. Calling Stop more than once is a
// no-op.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Println("Stopping manifest server")
		s.cancel()

		s.clientsMu.Lock()
		for conn := range s.clients {
			_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("server shutdown error: %w", shutdownErr)
				return
			}
		}

		s.wg.Wait()
		s.logger.Println("Manifest server stopped")
	})
	return err
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so one slow client cannot block others joining
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	s.clientsMu.Lock()
	s.clients[conn] = id
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client %s connected (total: %d)", id, clientCount)

	hello := HelloData{ClientID: id, Ready: s.ready()}
	if snap, err := s.source.Snapshot(); err == nil {
		hello.Entries = len(snap.Cache)
		hello.Updated = snap.Updated
	}
	data, _ := json.Marshal(hello)
	welcome, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now(), Data: data})

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	// The request context ends when the handler returns, so read on the
	// server's context instead.
	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	id, exists := s.clients[conn]
	if !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client %s disconnected (total: %d)", id, clientCount)
}

func (s *Server) ready() bool {
	select {
	case <-s.source.Ready():
		return true
	default:
		return false
	}
}

// handleHealth returns server and manifest status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snap, err := s.source.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "stopped",
			"error":  err.Error(),
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"ready":   s.ready(),
		"entries": len(snap.Cache),
		"updated": manifest.FormatTimestamp(snap.Updated),
		"clients": s.ClientCount(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>manifestd</title>
</head>
<body>
    <h1>manifestd</h1>
    <p>Manifest: <a href="%[2]s">%[2]s</a></p>
    <p>WebSocket endpoint: <code>ws://%[1]s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host, s.config.ManifestPath)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
