// Package server implements the relay's WebSocket server: connection
// handling, the session registry and the per-connection command dispatcher.
package server

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Server wires configuration, persistence and the Hub together. Its lifetime
// is the process lifetime; nothing in the package is held in globals.
type Server struct {
	cfg      Config
	hub      *Hub
	store    Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a Server. Call Start to run its hub before serving.
func NewServer(cfg Config, store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = discardLogger()
	}
	cfg = cfg.sanitize()
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Server{
		cfg:    cfg,
		hub:    NewHub(logger),
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// Start runs the hub loop in its own goroutine.
func (s *Server) Start() {
	go s.hub.Run()
	s.logger.Info("hub started and ready to manage WebSocket connections")
}

// Hub returns the server's hub, for shutdown coordination and inspection.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) newClient(conn *websocket.Conn, addr string) *Client {
	client := NewClient(conn, s.hub, addr, s.cfg, s.logger)
	client.dispatcher = NewDispatcher(client, s.hub, s.store, client.logger)
	return client
}
