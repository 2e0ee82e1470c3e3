// Package server exposes HTTP handlers: the WebSocket upgrade and the health check.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// WebSocketHandler upgrades GET requests to WebSocket and hands the new
// connection to the hub, which starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := s.newClient(conn, r.RemoteAddr)
	if !s.hub.Register(client) {
		s.logger.Info("rejecting connection during shutdown", "remote_addr", r.RemoteAddr)
		client.closeConn()
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Online  int    `json:"online"`
	Clients int    `json:"clients"`
}

// HealthHandler reports whether the relay and its database are usable, with
// the number of open connections and online identities.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "ok",
		Online:  s.hub.Online(),
		Clients: s.hub.ClientCount(),
	}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("health check: database unreachable", "error", err)
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("error writing health response", "error", err)
	}
}
