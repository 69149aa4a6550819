// Package sqlitestore provides a durable CheckpointManager backed by
// modernc.org/sqlite, optionally encrypting each checkpoint's serialized
// payload at rest with an age recipient before it reaches disk.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"filippo.io/age"
	_ "modernc.org/sqlite"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	encrypted  INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
`

// serialized mirrors runloop.RunLoopCheckpoint for JSON round-tripping; the
// store never interprets the payload, it only persists and retrieves it.
type serialized struct {
	ID             string                    `json:"id"`
	Mode           runloop.Mode              `json:"mode"`
	PendingEvents  int                       `json:"pending_events"`
	Metrics        runloop.CheckpointMetrics `json:"metrics"`
	Timestamp      time.Time                 `json:"timestamp"`
}

// Store is a sqlite-backed runloop.CheckpointManager. The zero value is not
// usable; construct with Open.
type Store struct {
	db             *sql.DB
	maxCheckpoints int
	recipient      *age.X25519Recipient // nil disables encryption
	identity       *age.X25519Identity  // nil disables decryption (write-only store)
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithMaxCheckpoints bounds retained rows; oldest rows are pruned on save.
// Default 10.
func WithMaxCheckpoints(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxCheckpoints = n
		}
	}
}

// WithEncryption enables at-rest encryption of checkpoint payloads. identity
// may be nil if the store only ever writes (never loads) checkpoints.
func WithEncryption(recipient *age.X25519Recipient, identity *age.X25519Identity) Option {
	return func(s *Store) {
		s.recipient = recipient
		s.identity = identity
	}
}

// Open opens (creating if needed) a sqlite database at path and ensures the
// checkpoints table exists.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}

	s := &Store{db: db, maxCheckpoints: 10}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) encode(cp *runloop.RunLoopCheckpoint) ([]byte, bool, error) {
	data, err := json.Marshal(serialized{
		ID:            cp.ID,
		Mode:          cp.Mode,
		PendingEvents: cp.PendingEvents,
		Metrics:       cp.Metrics,
		Timestamp:     cp.Timestamp,
	})
	if err != nil {
		return nil, false, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: cp.ID, Cause: err}
	}

	if s.recipient == nil {
		return data, false, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, false, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: cp.ID, Cause: fmt.Errorf("age encrypt init: %w", err)}
	}
	if _, err := w.Write(data); err != nil {
		return nil, false, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: cp.ID, Cause: fmt.Errorf("age encrypt write: %w", err)}
	}
	if err := w.Close(); err != nil {
		return nil, false, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: cp.ID, Cause: fmt.Errorf("age encrypt close: %w", err)}
	}
	return buf.Bytes(), true, nil
}

func (s *Store) decode(id string, payload []byte, encrypted bool) (*runloop.RunLoopCheckpoint, error) {
	if encrypted {
		if s.identity == nil {
			return nil, &runloop.CheckpointError{Kind: runloop.CheckpointIOError, ID: id, Cause: fmt.Errorf("checkpoint is encrypted but no age identity was configured")}
		}
		r, err := age.Decrypt(bytes.NewReader(payload), s.identity)
		if err != nil {
			return nil, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: id, Cause: fmt.Errorf("age decrypt: %w", err)}
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: id, Cause: fmt.Errorf("age decrypt read: %w", err)}
		}
		payload = buf.Bytes()
	}

	var v serialized
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &runloop.CheckpointError{Kind: runloop.CheckpointSerializationError, ID: id, Cause: err}
	}

	return &runloop.RunLoopCheckpoint{
		ID:            v.ID,
		Mode:          v.Mode,
		PendingEvents: v.PendingEvents,
		Metrics:       v.Metrics,
		Timestamp:     v.Timestamp,
	}, nil
}

// SaveRunLoopCheckpoint persists cp, then prunes rows beyond maxCheckpoints
// (oldest-first).
func (s *Store) SaveRunLoopCheckpoint(ctx context.Context, cp *runloop.RunLoopCheckpoint) error {
	payload, encrypted, err := s.encode(cp)
	if err != nil {
		return err
	}

	encFlag := 0
	if encrypted {
		encFlag = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (id, payload, encrypted, created_at) VALUES (?, ?, ?, ?)`,
		cp.ID, payload, encFlag, cp.Timestamp.Unix())
	if err != nil {
		return &runloop.CheckpointError{Kind: runloop.CheckpointIOError, ID: cp.ID, Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE id IN (
			SELECT id FROM checkpoints ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.maxCheckpoints)
	if err != nil {
		return &runloop.CheckpointError{Kind: runloop.CheckpointIOError, ID: cp.ID, Cause: fmt.Errorf("prune: %w", err)}
	}
	return nil
}

// LoadLatestCheckpoint returns the most recently created checkpoint, or nil
// if none exist.
func (s *Store) LoadLatestCheckpoint(ctx context.Context) (*runloop.RunLoopCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, encrypted FROM checkpoints ORDER BY created_at DESC LIMIT 1`)

	var id string
	var payload []byte
	var encFlag int
	if err := row.Scan(&id, &payload, &encFlag); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &runloop.CheckpointError{Kind: runloop.CheckpointIOError, Cause: err}
	}

	return s.decode(id, payload, encFlag == 1)
}

// ListCheckpoints returns checkpoint IDs, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, &runloop.CheckpointError{Kind: runloop.CheckpointIOError, Cause: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &runloop.CheckpointError{Kind: runloop.CheckpointIOError, Cause: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCheckpoint removes a checkpoint by ID.
func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return &runloop.CheckpointError{Kind: runloop.CheckpointIOError, ID: id, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &runloop.CheckpointError{Kind: runloop.CheckpointIOError, ID: id, Cause: err}
	}
	if n == 0 {
		return &runloop.CheckpointError{Kind: runloop.CheckpointNotFound, ID: id}
	}
	return nil
}

var _ runloop.CheckpointManager = (*Store)(nil)
