// Package docserver hosts the shared sync document over websockets.
//
// Clients send {"type":"get"} and {"type":"set","document":{...}}. A set is
// stored only when its updatedAt is newer than the held document, and every
// stored set is announced to all clients with {"type":"changed"}.
package docserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sadopc/doflow/internal/cloudsync"
)

// Config holds server configuration
type Config struct {
	// Port to listen on (0 picks a free port)
	Port int

	// File persists the document across restarts when set
	File string

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8787,
		Logger: log.Default(),
	}
}

// Server holds one document and the connected clients.
type Server struct {
	addr     string
	file     string
	listener net.Listener
	server   *http.Server

	docMu sync.RWMutex
	doc   *cloudsync.Document

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan cloudsync.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server and loads the persisted document, if any.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		file:      config.File,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan cloudsync.Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
	if err := s.load(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP routes, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens and serves in the background.
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

	s.StartBroadcaster()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("document server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("server error: %v", err)
		}
	}()
	return nil
}

// StartBroadcaster runs the fan-out loop. Start calls it; callers serving
// Handler themselves must call it once.
func (s *Server) StartBroadcaster() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// Stop closes all clients and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Println("document server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Document returns a copy of the held document, nil if none.
func (s *Server) Document() *cloudsync.Document {
	s.docMu.RLock()
	defer s.docMu.RUnlock()
	if s.doc == nil {
		return nil
	}
	d := *s.doc
	return &d
}

// Put stores doc if it is newer than the held one and announces it. When the
// document file cannot be written the held document is left unchanged.
func (s *Server) Put(doc cloudsync.Document) (bool, error) {
	s.docMu.Lock()
	if s.doc != nil && !doc.UpdatedAt.After(s.doc.UpdatedAt) {
		s.docMu.Unlock()
		return false, nil
	}
	prev := s.doc
	s.doc = &doc
	if err := s.persistLocked(); err != nil {
		s.doc = prev
		s.docMu.Unlock()
		return false, err
	}
	s.docMu.Unlock()

	s.logger.Printf("stored document from %s (%s)", doc.DeviceID, doc.UpdatedAt.Format(time.RFC3339))
	s.Broadcast(cloudsync.Message{Type: cloudsync.MsgChanged})
	return true, nil
}

// Broadcast queues msg for every client.
func (s *Server) Broadcast(msg cloudsync.Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(cloudsync.MaxMessageBytes)

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg cloudsync.Message
		var reply cloudsync.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			reply = cloudsync.Message{Type: cloudsync.MsgError, Error: "malformed message"}
		} else {
			reply = s.handle(msg)
		}

		out, err := json.Marshal(reply)
		if err != nil {
			s.logger.Printf("failed to marshal reply: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err = conn.Write(ctx, websocket.MessageText, out)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(msg cloudsync.Message) cloudsync.Message {
	switch msg.Type {
	case cloudsync.MsgGet:
		return cloudsync.Message{Type: cloudsync.MsgDocument, Document: s.Document()}
	case cloudsync.MsgSet:
		if msg.Document == nil {
			return cloudsync.Message{Type: cloudsync.MsgError, Error: "set without document"}
		}
		stored, err := s.Put(*msg.Document)
		if err != nil {
			s.logger.Printf("persist document: %v", err)
			return cloudsync.Message{Type: cloudsync.MsgError, Error: "document not stored: " + err.Error()}
		}
		return cloudsync.Message{Type: cloudsync.MsgAck, Stored: stored}
	default:
		return cloudsync.Message{Type: cloudsync.MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", count)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.Document()
	resp := map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	}
	if doc != nil {
		resp["updatedAt"] = doc.UpdatedAt
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) load() error {
	if s.file == "" {
		return nil
	}
	data, err := os.ReadFile(s.file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read document file: %w", err)
	}
	var doc cloudsync.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode document file %s: %w", s.file, err)
	}
	s.doc = &doc
	return nil
}

func (s *Server) persistLocked() error {
	if s.file == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document file: %w", err)
	}
	if err := os.Rename(tmp, s.file); err != nil {
		return fmt.Errorf("replace document file: %w", err)
	}
	return nil
}
