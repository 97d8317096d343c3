// Package audit persists the payment simulator's idempotency cache and its
// request audit log in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

// ErrIdempotencyConflict indicates a key is reused with a different payload.
var ErrIdempotencyConflict = errors.New("idempotency key conflict")

// Store is the SQLite-backed audit store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            key TEXT PRIMARY KEY,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TEXT NOT NULL,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            subject TEXT,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// StoredResponse captures an idempotent response.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response for key, nil when the key is
// unknown, or ErrIdempotencyConflict when the key was used for another
// request.
func (s *Store) LookupIdempotency(ctx context.Context, key, hash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE key = ?`
	row := s.db.QueryRowContext(ctx, query, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != hash {
		return nil, ErrIdempotencyConflict
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *Store) SaveIdempotency(ctx context.Context, key, hash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, key, hash, status, body, formatTime(s.now()))
	return err
}

// Purge drops every cached response. Used when the simulator state is reset.
func (s *Store) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys`)
	return err
}

// Entry is one request/response pair.
type Entry struct {
	ID             int64
	Method         string
	Path           string
	Subject        string
	RequestBody    []byte
	ResponseStatus int
	ResponseBody   []byte
	Timestamp      time.Time
}

func (s *Store) Insert(ctx context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	const stmt = `INSERT INTO audit_log(occurred_at, method, path, subject, request_body, response_status, response_body) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, formatTime(entry.Timestamp), entry.Method, entry.Path, entry.Subject, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody)
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, occurred_at, method, path, COALESCE(subject, ''), request_body, response_status, response_body FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var entry Entry
		var occurred string
		if err := rows.Scan(&entry.ID, &occurred, &entry.Method, &entry.Path, &entry.Subject, &entry.RequestBody, &entry.ResponseStatus, &entry.ResponseBody); err != nil {
			return nil, err
		}
		entry.Timestamp, err = time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("audit: entry %d: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// HashRequest fingerprints a request for idempotency checks. Query parameters
// are sorted so their order does not matter.
func HashRequest(method, path, rawQuery string, body []byte) string {
	if path == "" {
		path = "/"
	}
	if rawQuery != "" {
		parts := strings.Split(rawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	payload := strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
