package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/storage"
)

const teardownTimeout = 5 * time.Second

// SessionRegistry is the identity-to-connection map the dispatcher mutates.
// *Hub implements it.
type SessionRegistry interface {
	Bind(identity string, client *Client)
	Release(identity string, client *Client) bool
	Lookup(identity string) (*Client, bool)
	Deliver(client *Client, payload []byte) bool
}

// Dispatcher is the per-connection state machine. It is driven only by its
// client's read pump, so its state needs no locking.
type Dispatcher struct {
	client   *Client
	registry SessionRegistry
	store    Store
	logger   *slog.Logger

	// identity is empty while unauthenticated.
	identity     string
	teardownOnce sync.Once
}

// NewDispatcher binds a dispatcher to client.
func NewDispatcher(client *Client, registry SessionRegistry, store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = discardLogger()
	}
	return &Dispatcher{
		client:   client,
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Identity returns the authenticated login, or "" when unauthenticated.
func (d *Dispatcher) Identity() string {
	return d.identity
}

// Handle processes one request frame and returns the reply frame, or nil
// when the request is answered with silence (logout while unauthenticated).
// Every failure is reported as an error response; none ends the connection.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) any {
	env, err := decodeEnvelope(raw)
	if err != nil {
		d.logger.Debug("rejecting malformed request", "error", err)
		return errorResponse(err)
	}

	d.logger.Debug("received command", "command", env.Command, "login", d.identity)

	switch env.Command {
	case CommandRegister:
		return d.register(ctx, raw)
	case CommandLogin:
		return d.login(ctx, raw)
	case CommandLogout:
		return d.logout(ctx)
	case CommandSendMessage:
		return d.sendMessage(ctx, raw)
	case CommandGetHistory:
		return d.getHistory(ctx)
	default:
		d.logger.Warn("unknown command", "command", env.Command)
		return errorResponse(ErrUnknownCommand)
	}
}

func (d *Dispatcher) register(ctx context.Context, raw []byte) any {
	var req credentialsRequest
	if err := decodeRequest(raw, &req); err != nil {
		return errorResponse(err)
	}
	login := *req.Login

	if err := d.store.Register(ctx, login, *req.Password); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateLogin):
			d.logger.Info("registration rejected: login already exists", "login", login)
		case errors.Is(err, storage.ErrPasswordTooLong):
			d.logger.Info("registration rejected: password too long", "login", login)
		default:
			d.logger.Error("registration failed", "login", login, "error", err)
		}
		return errorResponse(err)
	}

	d.appendAudit(ctx, login, storage.AuditRegister)
	d.logger.Info("user registered", "login", login)
	return okResponse(StatusRegistered)
}

func (d *Dispatcher) login(ctx context.Context, raw []byte) any {
	var req credentialsRequest
	if err := decodeRequest(raw, &req); err != nil {
		return errorResponse(err)
	}
	login := *req.Login

	if err := d.store.Verify(ctx, login, *req.Password); err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			d.logger.Info("login rejected: invalid credentials", "login", login)
		} else {
			d.logger.Error("login failed", "login", login, "error", err)
		}
		return errorResponse(err)
	}

	if d.identity != "" && d.identity != login {
		d.registry.Release(d.identity, d.client)
	}
	d.registry.Bind(login, d.client)
	d.identity = login

	d.appendAudit(ctx, login, storage.AuditLogin)
	d.logger.Info("user logged in", "login", login)
	return okResponse(StatusLoggedIn)
}

func (d *Dispatcher) logout(ctx context.Context) any {
	if d.identity == "" {
		return nil
	}
	login := d.identity

	d.registry.Release(login, d.client)
	d.identity = ""

	d.appendAudit(ctx, login, storage.AuditLogout)
	d.logger.Info("user logged out", "login", login)
	return okResponse(StatusLoggedOut)
}

// sendMessage logs the message, then pushes it to the receiver if online.
// Because one connection's requests never overlap, a sender's messages reach
// a receiver's queue in the order they were sent.
func (d *Dispatcher) sendMessage(ctx context.Context, raw []byte) any {
	if d.identity == "" {
		d.logger.Info("send_message rejected: not logged in")
		return errorResponse(ErrUnauthorized)
	}

	var req sendMessageRequest
	if err := decodeRequest(raw, &req); err != nil {
		return errorResponse(err)
	}
	receiver := *req.To

	msg, err := d.store.AppendMessage(ctx, d.identity, receiver, *req.Message)
	if err != nil {
		d.logger.Error("logging message failed", "login", d.identity, "receiver", receiver, "error", err)
		return errorResponse(fmt.Errorf("%w: %w", ErrInternal, err))
	}

	target, ok := d.registry.Lookup(receiver)
	if !ok {
		d.logger.Warn("receiver not online", "login", d.identity, "receiver", receiver)
		return errorResponse(ErrReceiverOffline)
	}

	payload, err := json.Marshal(chatMessageFrom(msg))
	if err != nil {
		d.logger.Error("encoding delivery failed", "error", err)
		return errorResponse(fmt.Errorf("%w: %w", ErrInternal, err))
	}

	if !d.registry.Deliver(target, payload) {
		d.logger.Warn("receiver could not accept message", "login", d.identity, "receiver", receiver)
		return errorResponse(ErrReceiverOffline)
	}

	d.logger.Info("message delivered", "login", d.identity, "receiver", receiver)
	return okResponse(StatusSent)
}

func (d *Dispatcher) getHistory(ctx context.Context) any {
	if d.identity == "" {
		return errorResponse(ErrNotAuthorized)
	}

	messages, err := d.store.MessagesFor(ctx, d.identity)
	if err != nil {
		d.logger.Error("loading history failed", "login", d.identity, "error", err)
		return errorResponse(fmt.Errorf("%w: %w", ErrInternal, err))
	}

	return HistoryResponse{
		Command: CommandChatHistory,
		History: BuildHistory(d.identity, messages),
	}
}

// BuildHistory groups messages by the counterpart of identity, keeping the
// log order inside each group. The result is never nil.
func BuildHistory(identity string, messages []storage.Message) map[string][]ChatMessage {
	grouped := lo.GroupBy(messages, func(msg storage.Message) string {
		return msg.Counterpart(identity)
	})
	return lo.MapValues(grouped, func(msgs []storage.Message, _ string) []ChatMessage {
		return lo.Map(msgs, func(msg storage.Message, _ int) ChatMessage {
			return chatMessageFrom(msg)
		})
	})
}

// Teardown releases the session of an authenticated connection and records
// the disconnect. It runs at most once and does nothing after a logout.
func (d *Dispatcher) Teardown() {
	d.teardownOnce.Do(func() {
		if d.identity == "" {
			return
		}
		login := d.identity
		d.identity = ""

		d.registry.Release(login, d.client)

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		d.appendAudit(ctx, login, storage.AuditDisconnected)
		d.logger.Info("user disconnected", "login", login)
	})
}

// appendAudit writes an audit entry before the triggering response is sent.
// A failure is logged; the credential or session change it describes has
// already happened and is not rolled back.
func (d *Dispatcher) appendAudit(ctx context.Context, login string, event storage.AuditEvent) {
	if _, err := d.store.AppendAudit(ctx, login, event); err != nil {
		d.logger.Error("writing audit entry failed", "login", login, "event", event, "error", err)
	}
}
