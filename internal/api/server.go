package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"relayhub/internal/bus"
	"relayhub/internal/document"
	"relayhub/internal/registry"
	"relayhub/internal/session"

	"github.com/gorilla/websocket"
)

type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	bus        *bus.Bus
	docs       *document.Service

	channelPrefix    string
	subscriberBuffer int
}

// New builds the HTTP server. docs may be nil; the config endpoints then
// answer 503 while WebSocket serving stays up.
func New(addr string, reg *registry.Registry, b *bus.Bus, docs *document.Service, channelPrefix string, subscriberBuffer int) *Server {
	s := &Server{
		registry:         reg,
		bus:              b,
		docs:             docs,
		channelPrefix:    channelPrefix,
		subscriberBuffer: subscriberBuffer,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/config", s.handleConfigList)
	mux.HandleFunc("/api/v1/config/", s.handleConfigByName)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("relay hub listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"connections": s.registry.Count(),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := session.New(conn, s.registry, s.bus, s.channelPrefix, s.subscriberBuffer)
	log.Printf("connection %s established from %s", sess.ID(), r.RemoteAddr)
	sess.Run(r.Context())
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.docs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "config service unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": s.docs.SchemaNames()})
}

func (s *Server) handleConfigByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.docs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "config service unavailable"})
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/config/"), "/")
	if path == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "config name missing"})
		return
	}
	parts := strings.Split(path, "/")
	name := parts[0]

	if len(parts) == 1 {
		doc, err := s.docs.GetDocument(name)
		if err != nil {
			writeJSON(w, configErrorStatus(err), map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}
	if len(parts) == 2 && parts[1] == "validate" {
		res, err := s.docs.Validate(name)
		if err != nil {
			writeJSON(w, configErrorStatus(err), map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown action"})
}

func configErrorStatus(err error) int {
	if errors.Is(err, document.ErrSchemaNotFound) || errors.Is(err, document.ErrDocumentNotFound) {
		return http.StatusNotFound
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(obj)
}
