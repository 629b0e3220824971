// Package userstore is the SQLite-backed credential store and single-session
// registry for the chat server. It owns both the durable user table and the
// in-memory map of which connection currently holds each username's session.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to the Message Router, which maps them onto the
// wire error kinds from spec.md §7.
var (
	ErrUsernameTaken   = errors.New("userstore: username already registered")
	ErrInvalidUsername = errors.New("userstore: username is required")
	ErrInvalidPassword = errors.New("userstore: password is required")
	ErrBadCredentials  = errors.New("userstore: invalid username or password")
	ErrAlreadyLoggedIn = errors.New("userstore: user already has an active session")
)

// Record is a durable user record.
type Record struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Store persists user credentials in SQLite and tracks live sessions in
// memory. One mutex guards the session map: the single-session invariant
// requires that the existing-session check and session registration happen
// atomically with respect to concurrent logins for the same username.
// Password verification runs before the mutex is taken.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	sessions map[string]string // username -> connection id holding the session
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("userstore: database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("userstore: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("userstore: open sqlite database: %w", err)
	}

	st := &Store{db: db, sessions: make(map[string]string)}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("userstore opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("userstore: enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("userstore: run migrations: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = 1`).Scan(&applied); err != nil {
		return fmt.Errorf("userstore: check migration state: %w", err)
	}
	if applied == 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at_unix_ms) VALUES (1, ?)`,
			time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("userstore: record migration: %w", err)
		}
	}

	slog.Debug("userstore migrations applied")
	return nil
}

// Register creates a new user with a bcrypt-hashed password. The row is
// committed before Register returns, satisfying the durable-before-
// acknowledgment requirement.
func (s *Store) Register(ctx context.Context, username, password string) (Record, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Record{}, ErrInvalidUsername
	}
	if password == "" {
		return Record{}, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Record{}, fmt.Errorf("userstore: hash password: %w", err)
	}

	rec := Record{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}

	const q = `INSERT INTO users (id, username, password_hash, created_at_unix_ms) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q, rec.ID, rec.Username, string(hash), rec.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrUsernameTaken
		}
		return Record{}, fmt.Errorf("userstore: insert user: %w", err)
	}
	slog.Info("user registered", "user_id", rec.ID, "username", rec.Username)
	return rec, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

// Authenticate verifies credentials and, on success, claims the single
// session slot for the username. If another connection already holds the
// session, it returns ErrAlreadyLoggedIn and leaves the existing session
// untouched.
func (s *Store) Authenticate(ctx context.Context, username, password, connID string) (Record, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Record{}, ErrBadCredentials
	}

	var (
		rec            Record
		hash           string
		createdAtUnixM int64
	)
	const q = `SELECT id, username, password_hash, created_at_unix_ms FROM users WHERE username = ?`
	err := s.db.QueryRowContext(ctx, q, username).Scan(&rec.ID, &rec.Username, &hash, &createdAtUnixM)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrBadCredentials
		}
		return Record{}, fmt.Errorf("userstore: query user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Record{}, ErrBadCredentials
	}
	rec.CreatedAt = time.UnixMilli(createdAtUnixM).UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[username]; ok && existing != connID {
		return Record{}, ErrAlreadyLoggedIn
	}
	s.sessions[username] = connID
	slog.Info("user authenticated", "user_id", rec.ID, "username", rec.Username, "conn", connID)
	return rec, nil
}

// Logout releases the session slot for username if connID holds it. Logging
// out a username not currently held by connID is a no-op, which keeps the
// teardown path (spec.md §4.5.1) safe to call unconditionally.
func (s *Store) Logout(username, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[username] == connID {
		delete(s.sessions, username)
		slog.Info("user logged out", "username", username, "conn", connID)
	}
}

// ActiveSession reports the connection id currently holding username's
// session, if any.
func (s *Store) ActiveSession(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connID, ok := s.sessions[username]
	return connID, ok
}

// SessionCount returns the number of currently active sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// UserCount returns the number of durably registered users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("userstore: count users: %w", err)
	}
	return n, nil
}
