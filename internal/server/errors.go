package server

import (
	"errors"

	"github.com/Tyrowin/chatrelay/internal/storage"
)

var (
	// ErrUnauthorized means the command requires an authenticated session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotAuthorized is the history-specific form of ErrUnauthorized.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrReceiverOffline means the message was logged but nobody is bound
	// to the receiver identity.
	ErrReceiverOffline = errors.New("receiver not online")
	// ErrMalformedRequest means a frame could not be decoded or lacks a
	// required field.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrUnknownCommand means the command field names no known command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrRateLimited means the connection exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInternal wraps storage faults that are not the client's doing.
	ErrInternal = errors.New("internal error")
)

// MalformedRequestError names the offending field of a rejected frame.
type MalformedRequestError struct {
	Field string
}

func (e *MalformedRequestError) Error() string {
	return "malformed request: " + e.Field
}

func (e *MalformedRequestError) Unwrap() error {
	return ErrMalformedRequest
}

// errorText maps an error to the text carried in an error response.
func errorText(err error) string {
	var malformed *MalformedRequestError
	switch {
	case errors.Is(err, storage.ErrDuplicateLogin):
		return "Login already exists"
	case errors.Is(err, storage.ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrNotAuthorized):
		return "Not authorized"
	case errors.Is(err, storage.ErrPasswordTooLong):
		return "Malformed request: password"
	case errors.Is(err, ErrReceiverOffline):
		return "Receiver not online"
	case errors.As(err, &malformed):
		return "Malformed request: " + malformed.Field
	case errors.Is(err, ErrMalformedRequest):
		return "Malformed request"
	case errors.Is(err, ErrUnknownCommand):
		return "Unknown command"
	case errors.Is(err, ErrRateLimited):
		return "Rate limit exceeded"
	default:
		return "Internal error"
	}
}
