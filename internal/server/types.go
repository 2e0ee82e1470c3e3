// Package server defines the relay's wire frames and utility helpers shared
// by client and hub logic.
package server

import (
	"strings"
	"time"

	"github.com/Tyrowin/chatrelay/internal/storage"
)

// Commands accepted from clients.
const (
	CommandRegister    = "register"
	CommandLogin       = "login"
	CommandLogout      = "logout"
	CommandSendMessage = "send_message"
	CommandGetHistory  = "get_history"
	CommandChatHistory = "chat_history"
)

// Response statuses.
const (
	StatusRegistered = "registered"
	StatusLoggedIn   = "logged_in"
	StatusLoggedOut  = "logged_out"
	StatusSent       = "sent"
	StatusError      = "error"
)

// TimestampLayout is RFC 3339 with fixed nanosecond width so that timestamps
// of the same zone sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Response is the reply to register, login, logout and send_message, and to
// any failed request.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ChatMessage is both the unsolicited delivery frame pushed to a receiver
// and one entry of a history view.
type ChatMessage struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// HistoryResponse is the reply to get_history: peer login to the messages
// exchanged with that peer, oldest first.
type HistoryResponse struct {
	Command string                   `json:"command"`
	History map[string][]ChatMessage `json:"history"`
}

func okResponse(status string) Response {
	return Response{Status: status}
}

func errorResponse(err error) Response {
	return Response{Status: StatusError, Message: errorText(err)}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func chatMessageFrom(msg storage.Message) ChatMessage {
	return ChatMessage{
		From:      msg.Sender,
		Message:   msg.Body,
		Timestamp: formatTimestamp(msg.Timestamp),
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
