package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppendMessage records a routed message and returns it with its assigned
// id and timestamp. The row is committed before AppendMessage returns.
func (s *Store) AppendMessage(ctx context.Context, sender, receiver, body string) (Message, error) {
	if sender == "" {
		return Message{}, errors.New("sender is required")
	}
	if receiver == "" {
		return Message{}, errors.New("receiver is required")
	}

	ts := s.nextTimestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_log (sender, receiver, message, timestamp) VALUES (?, ?, ?, ?)`,
		sender,
		receiver,
		body,
		ts,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message %q -> %q: %w", sender, receiver, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("read message id: %w", err)
	}

	return Message{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		Body:      body,
		Timestamp: time.Unix(0, ts),
	}, nil
}

// MessagesFor returns every message identity sent or received, ordered by
// timestamp ascending with insertion order breaking ties.
func (s *Store) MessagesFor(ctx context.Context, identity string) ([]Message, error) {
	if identity == "" {
		return nil, errors.New("identity is required")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, receiver, message, timestamp
		FROM chat_log
		WHERE sender = ? OR receiver = ?
		ORDER BY timestamp ASC, id ASC`,
		identity,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for %q: %w", identity, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			msg Message
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.Unix(0, ts)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}
