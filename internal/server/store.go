//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
package server

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/storage"
)

// CredentialStore persists login/password pairs.
type CredentialStore interface {
	Register(ctx context.Context, login, password string) error
	Verify(ctx context.Context, login, password string) error
}

// AuditLog is the append-only record of authentication events.
type AuditLog interface {
	AppendAudit(ctx context.Context, login string, event storage.AuditEvent) (storage.AuditEntry, error)
}

// ConversationLog is the append-only record of routed messages.
type ConversationLog interface {
	AppendMessage(ctx context.Context, sender, receiver, body string) (storage.Message, error)
	MessagesFor(ctx context.Context, identity string) ([]storage.Message, error)
}

// Store is everything the relay needs from persistence. *storage.Store
// implements it.
type Store interface {
	CredentialStore
	AuditLog
	ConversationLog
	Ping(ctx context.Context) error
}
