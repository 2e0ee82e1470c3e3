package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppendAudit records an authentication event for login and returns the
// stored entry.
func (s *Store) AppendAudit(ctx context.Context, login string, event AuditEvent) (AuditEntry, error) {
	if login == "" {
		return AuditEntry{}, errors.New("login is required")
	}
	if err := event.validate(); err != nil {
		return AuditEntry{}, err
	}

	ts := s.nextTimestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_log (login, event, timestamp) VALUES (?, ?, ?)`,
		login,
		string(event),
		ts,
	)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("insert audit event %q for %q: %w", event, login, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return AuditEntry{}, fmt.Errorf("read audit entry id: %w", err)
	}

	return AuditEntry{
		ID:        id,
		Login:     login,
		Event:     event,
		Timestamp: time.Unix(0, ts),
	}, nil
}

// AuditEntries returns every audit entry for login, oldest first.
func (s *Store) AuditEntries(ctx context.Context, login string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, login, event, timestamp
		FROM auth_log
		WHERE login = ?
		ORDER BY timestamp ASC, id ASC`,
		login,
	)
	if err != nil {
		return nil, fmt.Errorf("get audit entries for %q: %w", login, err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			entry AuditEntry
			event string
			ts    int64
		)
		if err := rows.Scan(&entry.ID, &entry.Login, &event, &ts); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entry.Event = AuditEvent(event)
		entry.Timestamp = time.Unix(0, ts)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}

	return entries, nil
}
