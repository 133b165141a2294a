// Package store is the administrative surface the broker core depends on:
// a small SQLite-backed table of domain records plus a request log sink.
// Creating/listing/updating domains through an admin UI or CLI is out of
// scope for this module; store exposes only the narrow contract the core
// itself calls (CreateDomain, LookupByToken, Enable/Disable,
// RegenerateToken, RecordRequest).
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Mode selects the relay behaviour for a domain. TCP mode is a separate,
// out-of-scope transport; this module only implements HTTP mode.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeTCP  Mode = "tcp"
)

// DomainRecord is the tuple the broker core consumes, keyed by token.
type DomainRecord struct {
	Domain  string
	Token   string
	Enabled bool
	Mode    Mode
}

// RequestLog is one record per completed forward, written by the Forward
// Dispatcher regardless of outcome.
type RequestLog struct {
	Domain     string
	Method     string
	Path       string
	Status     int
	DurationMs float64
	Error      string
	CreatedAt  time.Time
}

// Store is the SQLite-backed implementation of the administrative surface.
type Store struct {
	db *sql.DB
}

// Open creates or migrates the SQLite database at path and returns a ready
// Store. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS domains (
	domain      TEXT PRIMARY KEY,
	token       TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	mode        TEXT NOT NULL DEFAULT 'http',
	enabled     INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS request_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	domain      TEXT NOT NULL,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	status      INTEGER NOT NULL,
	duration_ms REAL NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDomain inserts a new domain record with a freshly generated token
// and returns both.
func (s *Store) CreateDomain(ctx context.Context, domain, name, description string, mode Mode) (string, string, error) {
	if mode == "" {
		mode = ModeHTTP
	}
	token, err := generateToken()
	if err != nil {
		return "", "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO domains (domain, token, name, description, mode, enabled) VALUES (?, ?, ?, ?, ?, 1)`,
		domain, token, name, description, string(mode))
	if err != nil {
		return "", "", fmt.Errorf("store: creating domain %q: %w", domain, err)
	}
	return domain, token, nil
}

// LookupByToken returns the domain record matching token, or nil if none
// exists. This is the hot path the broker calls on every AUTH frame.
func (s *Store) LookupByToken(ctx context.Context, token string) (*DomainRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT domain, token, enabled, mode FROM domains WHERE token = ?`, token)
	var rec DomainRecord
	var enabled int
	var mode string
	if err := row.Scan(&rec.Domain, &rec.Token, &enabled, &mode); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: looking up token: %w", err)
	}
	rec.Enabled = enabled != 0
	rec.Mode = Mode(mode)
	return &rec, nil
}

// SetEnabled toggles whether a domain accepts new sessions.
func (s *Store) SetEnabled(ctx context.Context, domain string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE domains SET enabled = ? WHERE domain = ?`, boolToInt(enabled), domain)
	if err != nil {
		return fmt.Errorf("store: updating domain %q: %w", domain, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: domain %q not found", domain)
	}
	return nil
}

// RegenerateToken replaces a domain's token with a fresh random one and
// returns it.
func (s *Store) RegenerateToken(ctx context.Context, domain string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE domains SET token = ? WHERE domain = ?`, token, domain)
	if err != nil {
		return "", fmt.Errorf("store: regenerating token for %q: %w", domain, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("store: domain %q not found", domain)
	}
	return token, nil
}

// RecordRequest appends one request-log record.
func (s *Store) RecordRequest(ctx context.Context, rec RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (domain, method, path, status, duration_ms, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Domain, rec.Method, rec.Path, rec.Status, rec.DurationMs, rec.Error, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: recording request log: %w", err)
	}
	return nil
}

// generateToken returns a collision-resistant opaque secret, hex-encoded.
// Unlike the broker's previous shared-secret HMAC scheme (one secret for
// every agent, valid within a rolling time window), each domain gets its
// own long-lived random token: the per-domain model requires distinguishing
// agents by domain, not by a single clock-bound signature.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
