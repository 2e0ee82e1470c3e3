package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/storage"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

type relayFixture struct {
	relay *server.Server
	store *storage.Store
	http  *httptest.Server
	wsURL string
}

func newRelay(t *testing.T, customize func(cfg *server.Config)) *relayFixture {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	store.SetPasswordCost(bcrypt.MinCost)

	cfg := server.NewConfig()
	cfg.PasswordHashCost = bcrypt.MinCost
	if customize != nil {
		customize(cfg)
	}

	relay := server.NewServer(*cfg, store, nil)
	relay.Start()
	ts := httptest.NewServer(relay.SetupRoutes())

	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, relay.Hub().Shutdown(5*time.Second))
		require.NoError(t, store.Close())
	})

	return &relayFixture{
		relay: relay,
		store: store,
		http:  ts,
		wsURL: testhelpers.WebSocketURL(ts.URL),
	}
}

// session connects, registers login and logs in.
func (f *relayFixture) session(t *testing.T, login string) *websocket.Conn {
	t.Helper()
	conn := testhelpers.MustConnect(t, f.wsURL)
	testhelpers.RequireStatus(t, conn, register(login, "pw-"+login), server.StatusRegistered)
	testhelpers.RequireStatus(t, conn, loginFrame(login, "pw-"+login), server.StatusLoggedIn)
	return conn
}

func (f *relayFixture) waitForAudit(t *testing.T, login string, events ...storage.AuditEvent) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, err := f.store.AuditEntries(context.Background(), login)
		if err != nil || len(entries) != len(events) {
			return false
		}
		for i, entry := range entries {
			if entry.Event != events[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "audit trail of %s", login)
}

func register(login, password string) map[string]any {
	return map[string]any{"command": "register", "login": login, "password": password}
}

func loginFrame(login, password string) map[string]any {
	return map[string]any{"command": "login", "login": login, "password": password}
}

func sendTo(to, message string) map[string]any {
	return map[string]any{"command": "send_message", "to": to, "message": message}
}

var (
	logout     = map[string]any{"command": "logout"}
	getHistory = map[string]any{"command": "get_history"}
)

func readHistory(t *testing.T, conn *websocket.Conn) server.HistoryResponse {
	t.Helper()
	testhelpers.Send(t, conn, getHistory)
	var history server.HistoryResponse
	testhelpers.ReadInto(t, conn, &history)
	require.Equal(t, server.CommandChatHistory, history.Command)
	return history
}

func TestRelayConversation(t *testing.T) {
	f := newRelay(t, nil)

	alice := testhelpers.MustConnect(t, f.wsURL)
	testhelpers.RequireStatus(t, alice, register("alice", "pw1"), server.StatusRegistered)
	testhelpers.RequireStatus(t, alice, loginFrame("alice", "pw1"), server.StatusLoggedIn)

	bob := testhelpers.MustConnect(t, f.wsURL)
	testhelpers.RequireStatus(t, bob, register("bob", "pw2"), server.StatusRegistered)
	testhelpers.RequireStatus(t, bob, loginFrame("bob", "pw2"), server.StatusLoggedIn)

	testhelpers.RequireStatus(t, alice, sendTo("bob", "hi"), server.StatusSent)

	var delivered server.ChatMessage
	testhelpers.ReadInto(t, bob, &delivered)
	require.Equal(t, "alice", delivered.From)
	require.Equal(t, "hi", delivered.Message)
	stamp, err := time.Parse(time.RFC3339Nano, delivered.Timestamp)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), stamp, time.Minute)

	history := readHistory(t, bob)
	require.Equal(t, map[string][]server.ChatMessage{"alice": {delivered}}, history.History)

	testhelpers.RequireStatus(t, bob, logout, server.StatusLoggedOut)
	testhelpers.RequireError(t, alice, sendTo("bob", "later"), "Receiver not online")

	testhelpers.RequireStatus(t, bob, loginFrame("bob", "pw2"), server.StatusLoggedIn)
	history = readHistory(t, bob)
	require.Len(t, history.History["alice"], 2)
	require.Equal(t, "hi", history.History["alice"][0].Message)
	require.Equal(t, "later", history.History["alice"][1].Message)

	f.waitForAudit(t, "bob",
		storage.AuditRegister, storage.AuditLogin, storage.AuditLogout, storage.AuditLogin)
}

func TestRelayPreservesPerSenderOrder(t *testing.T) {
	f := newRelay(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 200
	})
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")

	const count = 50
	for i := range count {
		testhelpers.Send(t, alice, sendTo("bob", "M"+strconv.Itoa(i)))
	}

	for i := range count {
		var delivered server.ChatMessage
		testhelpers.ReadInto(t, bob, &delivered)
		require.Equal(t, "M"+strconv.Itoa(i), delivered.Message)
	}
	for range count {
		reply := testhelpers.Read(t, alice)
		require.Equal(t, server.StatusSent, reply["status"])
	}

	history := readHistory(t, alice)
	require.Len(t, history.History["bob"], count)
	for i, msg := range history.History["bob"] {
		require.Equal(t, "M"+strconv.Itoa(i), msg.Message)
	}
}

func TestRelayOfflineMessagesAreDurable(t *testing.T) {
	f := newRelay(t, nil)
	alice := f.session(t, "alice")

	testhelpers.RequireError(t, alice, sendTo("bob", "are you there?"), "Receiver not online")

	bob := f.session(t, "bob")
	history := readHistory(t, bob)
	require.Len(t, history.History["alice"], 1)
	require.Equal(t, "are you there?", history.History["alice"][0].Message)

	// Both participants see the same conversation.
	require.Equal(t, history.History["alice"], readHistory(t, alice).History["bob"])
}

func TestRelayDuplicateRegistration(t *testing.T) {
	f := newRelay(t, nil)
	first := testhelpers.MustConnect(t, f.wsURL)
	second := testhelpers.MustConnect(t, f.wsURL)

	testhelpers.RequireStatus(t, first, register("alice", "pw1"), server.StatusRegistered)
	testhelpers.RequireError(t, second, register("alice", "other"), "Login already exists")

	testhelpers.RequireStatus(t, second, loginFrame("alice", "pw1"), server.StatusLoggedIn)
	testhelpers.RequireError(t, second, loginFrame("alice", "other"), "Invalid credentials")
}

func TestRelayMultibytePasswords(t *testing.T) {
	f := newRelay(t, nil)
	conn := testhelpers.MustConnect(t, f.wsURL)

	testhelpers.RequireError(t, conn, register("ivan", strings.Repeat("пароль", 7)), "Malformed request: password")

	password := strings.Repeat("пароль", 6)
	testhelpers.RequireStatus(t, conn, register("ivan", password), server.StatusRegistered)
	testhelpers.RequireStatus(t, conn, loginFrame("ivan", password), server.StatusLoggedIn)
}

func TestRelayRequiresAuthentication(t *testing.T) {
	f := newRelay(t, nil)
	conn := testhelpers.MustConnect(t, f.wsURL)

	testhelpers.RequireError(t, conn, sendTo("bob", "hi"), "Unauthorized")
	testhelpers.RequireError(t, conn, getHistory, "Not authorized")

	// Logout without a session gets no reply at all.
	testhelpers.Send(t, conn, logout)
	testhelpers.ExpectNoFrame(t, conn, 200*time.Millisecond)
}

func TestRelayBadFramesKeepConnectionOpen(t *testing.T) {
	f := newRelay(t, nil)
	conn := testhelpers.MustConnect(t, f.wsURL)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.Equal(t, map[string]any{"status": "error", "message": "Malformed request: invalid JSON"},
		testhelpers.Read(t, conn))

	testhelpers.RequireError(t, conn, map[string]any{"command": "dance"}, "Unknown command")
	testhelpers.RequireError(t, conn, map[string]any{"command": "register", "login": "x"}, "Malformed request: password")

	testhelpers.RequireStatus(t, conn, register("alice", "pw"), server.StatusRegistered)
}

func TestRelayDisconnectIsAudited(t *testing.T) {
	f := newRelay(t, nil)
	alice := f.session(t, "alice")
	observer := f.session(t, "observer")

	require.NoError(t, testhelpers.CloseWebSocket(alice))
	f.waitForAudit(t, "alice", storage.AuditRegister, storage.AuditLogin, storage.AuditDisconnected)

	testhelpers.RequireError(t, observer, sendTo("alice", "bye"), "Receiver not online")
}

func TestRelayReloginTakesOverDelivery(t *testing.T) {
	f := newRelay(t, nil)
	sender := f.session(t, "sender")
	first := f.session(t, "alice")

	second := testhelpers.MustConnect(t, f.wsURL)
	testhelpers.RequireStatus(t, second, loginFrame("alice", "pw-alice"), server.StatusLoggedIn)

	testhelpers.RequireStatus(t, sender, sendTo("alice", "to the newest"), server.StatusSent)

	var delivered server.ChatMessage
	testhelpers.ReadInto(t, second, &delivered)
	require.Equal(t, "to the newest", delivered.Message)
	testhelpers.ExpectNoFrame(t, first, 200*time.Millisecond)

	// Closing the replaced connection must not unbind the newer session.
	require.NoError(t, first.Close())
	f.waitForAudit(t, "alice",
		storage.AuditRegister, storage.AuditLogin, storage.AuditLogin, storage.AuditDisconnected)
	testhelpers.RequireStatus(t, sender, sendTo("alice", "still here?"), server.StatusSent)
}

func TestRelayRateLimit(t *testing.T) {
	f := newRelay(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})
	conn := testhelpers.MustConnect(t, f.wsURL)

	testhelpers.RequireStatus(t, conn, register("alice", "pw"), server.StatusRegistered)
	testhelpers.RequireError(t, conn, register("alice", "pw"), "Login already exists")
	testhelpers.RequireError(t, conn, register("carol", "pw"), "Rate limit exceeded")
}

func TestRelayMessageSizeLimit(t *testing.T) {
	f := newRelay(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 128
	})
	conn := testhelpers.MustConnect(t, f.wsURL)

	huge := strings.Repeat("x", 1024)
	require.NoError(t, conn.WriteJSON(register(huge, "pw")))
	testhelpers.ExpectClosed(t, conn)
}

func TestRelayOriginPolicy(t *testing.T) {
	f := newRelay(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = server.Origins{"http://chat.example.com"}
	})

	conn, _, err := testhelpers.ConnectWebSocket(f.wsURL, "http://chat.example.com")
	require.NoError(t, err)
	_ = conn.Close()

	conn, _, err = testhelpers.ConnectWebSocket(f.wsURL, "")
	require.NoError(t, err, "clients without an Origin header are accepted")
	_ = conn.Close()

	_, resp, err := testhelpers.ConnectWebSocket(f.wsURL, "http://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRelayConcurrentSenders(t *testing.T) {
	f := newRelay(t, nil)
	receiver := f.session(t, "hub")

	const senders = 5
	conns := make([]*websocket.Conn, senders)
	for i := range senders {
		conns[i] = f.session(t, "sender"+strconv.Itoa(i))
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 3 {
				if err := conn.WriteJSON(sendTo("hub", strconv.Itoa(i)+"/"+strconv.Itoa(j))); err != nil {
					t.Errorf("sender %d: %v", i, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Interleaving across senders is arbitrary; each sender's own order holds.
	next := make(map[string]int)
	for range senders * 3 {
		var delivered server.ChatMessage
		testhelpers.ReadInto(t, receiver, &delivered)
		sender, seq, ok := strings.Cut(delivered.Message, "/")
		require.True(t, ok)
		require.Equal(t, strconv.Itoa(next[sender]), seq, "order from sender %s", sender)
		next[sender]++
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newRelay(t, nil)
	f.session(t, "alice")

	resp := testhelpers.MakeRequest(t, http.MethodGet, f.http.URL+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status  string `json:"status"`
		Online  int    `json:"online"`
		Clients int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Online)
	require.Equal(t, 1, body.Clients)
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	f := newRelay(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, f.http.URL+"/ws")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestShutdownClosesConnectionsAndAuditsDisconnect(t *testing.T) {
	f := newRelay(t, nil)
	alice := f.session(t, "alice")

	require.NoError(t, f.relay.Hub().Shutdown(5*time.Second))
	testhelpers.ExpectClosed(t, alice)

	entries, err := f.store.AuditEntries(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, storage.AuditDisconnected, entries[len(entries)-1].Event)
	require.Zero(t, f.relay.Hub().ClientCount())
}
