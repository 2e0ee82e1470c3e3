package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Register inserts a new credential. The password is stored as a bcrypt hash.
func (s *Store) Register(ctx context.Context, login, password string) error {
	if login == "" {
		return errors.New("login is required")
	}

	if len(password) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return ErrPasswordTooLong
		}
		return fmt.Errorf("hash password for %q: %w", login, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (login, password_hash) VALUES (?, ?)`,
		login,
		string(hash),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLogin
		}
		return fmt.Errorf("insert user %q: %w", login, err)
	}

	return nil
}

// Verify succeeds only when login exists and password matches its stored hash.
func (s *Store) Verify(ctx context.Context, login, password string) error {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE login = ?`,
		login,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("get user %q: %w", login, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("compare password for %q: %w", login, err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
