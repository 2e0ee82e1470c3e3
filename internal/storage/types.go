package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateLogin is returned by Register when the login is taken.
	ErrDuplicateLogin = errors.New("storage: login already exists")
	// ErrInvalidCredentials is returned by Verify when no stored credential
	// matches the supplied login and password.
	ErrInvalidCredentials = errors.New("storage: invalid credentials")
	// ErrPasswordTooLong is returned by Register for passwords over
	// MaxPasswordBytes.
	ErrPasswordTooLong = errors.New("storage: password too long")
)

// MaxPasswordBytes is the longest password bcrypt accepts, in bytes.
const MaxPasswordBytes = 72

// AuditEvent is the kind of an authentication event.
type AuditEvent string

const (
	AuditRegister     AuditEvent = "register"
	AuditLogin        AuditEvent = "login"
	AuditLogout       AuditEvent = "logout"
	AuditDisconnected AuditEvent = "disconnected"
)

func (e AuditEvent) validate() error {
	switch e {
	case AuditRegister, AuditLogin, AuditLogout, AuditDisconnected:
		return nil
	default:
		return fmt.Errorf("invalid audit event %q", e)
	}
}

// AuditEntry is one row of the authentication audit log.
type AuditEntry struct {
	ID        int64
	Login     string
	Event     AuditEvent
	Timestamp time.Time
}

// Message is one routed message in the conversation log.
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Body      string
	Timestamp time.Time
}

// Counterpart returns the other party of m as seen by identity.
func (m Message) Counterpart(identity string) string {
	if m.Sender == identity {
		return m.Receiver
	}
	return m.Sender
}
