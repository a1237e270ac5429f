package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists idempotency keys and the request audit log.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// CachedResponse is a previously stored response for an idempotency key.
type CachedResponse struct {
	Status int
	Body   []byte
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            subject TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(subject, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            request_id TEXT NOT NULL,
            subject TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LookupIdempotency returns the cached response for (subject, key) when the
// request hash matches, nil when the key is unseen, and
// ErrIdempotencyMismatch when the key was used with a different payload.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, subject, key, requestHash string) (*CachedResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body FROM idempotency_keys WHERE subject = ? AND idempotency_key = ?`,
		subject, key)
	var storedHash string
	cached := &CachedResponse{}
	switch err := row.Scan(&storedHash, &cached.Status, &cached.Body); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return cached, nil
}

// StoreIdempotency records the response for a fresh idempotency key.
func (s *SQLiteStore) StoreIdempotency(ctx context.Context, subject, key, requestHash string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (subject, idempotency_key, request_hash, response_status, response_body, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		subject, key, requestHash, status, body, time.Now().UTC())
	return err
}

// RecordAudit appends one request to the audit log.
func (s *SQLiteStore) RecordAudit(ctx context.Context, requestID, subject, method, path string, status int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (request_id, subject, method, path, response_status) VALUES (?, ?, ?, ?, ?)`,
		requestID, subject, method, path, status)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
