// Package server coordinates connection tracking, the identity-to-connection
// session registry, and connection cleanup via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub tracks every live connection and owns the session registry. Connection
// registration runs through its event loop; registry operations are atomic
// per identity and never take the connection lock.
type Hub struct {
	clients    map[*Client]struct{}
	sessions   sync.Map // identity -> *Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// NewHub creates a Hub ready to be started with Run.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Bind installs or replaces the session for identity. A replaced connection
// is neither notified nor closed.
func (h *Hub) Bind(identity string, client *Client) {
	if previous, loaded := h.sessions.Swap(identity, client); loaded && previous != client {
		h.logger.Info("session replaced by a newer login",
			"login", identity,
			"previous_conn_id", previous.(*Client).ID(),
			"conn_id", client.ID())
	}
}

// Unbind removes the session for identity if present, whoever owns it.
// Connections end their own sessions through Release.
func (h *Hub) Unbind(identity string) {
	h.sessions.Delete(identity)
}

// Release removes the session for identity only while it is still bound to
// client, so a stale connection never removes a newer login's session.
func (h *Hub) Release(identity string, client *Client) bool {
	return h.sessions.CompareAndDelete(identity, client)
}

// Lookup returns the connection bound to identity.
func (h *Hub) Lookup(identity string) (*Client, bool) {
	value, ok := h.sessions.Load(identity)
	if !ok {
		return nil, false
	}
	return value.(*Client), true
}

// Online returns the number of bound identities.
func (h *Hub) Online() int {
	count := 0
	h.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Deliver queues payload on client's outbound queue. A client whose queue is
// full is a slow consumer and gets disconnected; Deliver then reports false.
func (h *Hub) Deliver(client *Client, payload []byte) bool {
	if client.enqueue(payload) {
		return true
	}
	h.evict(client)
	return false
}

// evict closes a client's queue and transport. Its read pump then fails and
// runs the normal teardown path.
func (h *Hub) evict(client *Client) {
	if client.closeSend() {
		h.logger.Warn("disconnecting slow client", "conn_id", client.ID(), "remote_addr", client.addr)
	}
	client.closeConn()
}

// Register hands a new connection to the hub loop, which starts its pumps.
// It returns false once the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		h.mutex.Lock()
		delete(h.clients, client)
		h.mutex.Unlock()
		client.closeSend()
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.clients[client] = struct{}{}
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("client connected",
				"conn_id", client.ID(),
				"remote_addr", client.addr,
				"clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump(h.ctx)
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			clientCount := len(h.clients)
			h.mutex.Unlock()

			client.closeSend()
			if ok {
				h.logger.Info("client disconnected",
					"conn_id", client.ID(),
					"remote_addr", client.addr,
					"clients", clientCount)
			}
		}
	}
}

// ClientCount returns the number of open connections, authenticated or not.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// shutdownClients closes every open connection so that each read pump
// performs its own teardown.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeConn()
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub and waits for every connection goroutine to finish,
// or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some connections may still be running")
		return context.DeadlineExceeded
	}
}
