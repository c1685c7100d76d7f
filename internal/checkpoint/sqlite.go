// internal/checkpoint/sqlite.go
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"convowal/internal/message"
)

// SQLiteStore is the persistent Store. Checkpoints survive process
// restarts, which is what makes crash recovery possible at all; snapshots
// are stored as zstd-compressed JSON.
type SQLiteStore struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenSQLite creates or opens a checkpoint database at the given path
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	encoder, _ := zstd.NewWriter(nil)
	decoder, _ := zstd.NewReader(nil)

	s := &SQLiteStore{db: db, encoder: encoder, decoder: decoder}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the database schema
func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		message_index INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		operation TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		meta TEXT,
		snapshot BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create appends a new pending checkpoint for the session
func (s *SQLiteStore) Create(ctx context.Context, sessionID string, history []message.Message, op Operation, opts CreateOptions) (*Checkpoint, error) {
	hash, err := message.Digest(history)
	if err != nil {
		return nil, fmt.Errorf("digest history: %w", err)
	}

	cp := &Checkpoint{
		ID:           GenerateID(),
		SessionID:    sessionID,
		Timestamp:    time.Now(),
		MessageIndex: len(history),
		ContentHash:  hash,
		Operation:    op,
		State:        StatePending,
		Meta:         opts.Meta,
	}
	if opts.Snapshot {
		cp.Snapshot = message.Clone(history)
	}

	var metaJSON []byte
	if cp.Meta != nil {
		if metaJSON, err = json.Marshal(cp.Meta); err != nil {
			return nil, fmt.Errorf("marshal meta: %w", err)
		}
	}

	var snapshot []byte
	if cp.Snapshot != nil {
		raw, err := json.Marshal(cp.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot: %w", err)
		}
		snapshot = s.encoder.EncodeAll(raw, nil)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, session_id, seq, timestamp, message_index, content_hash, operation, state, meta, snapshot)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE session_id = ?), ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, sessionID, sessionID, cp.Timestamp.UnixNano(), cp.MessageIndex, cp.ContentHash, string(cp.Operation), string(cp.State), metaJSON, snapshot)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns a checkpoint by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, timestamp, message_index, content_hash, operation, state, meta, snapshot
		FROM checkpoints WHERE id = ?`, id)
	cp, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cp, err
}

// GetLatest returns the newest pending or committed checkpoint for a session
func (s *SQLiteStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, timestamp, message_index, content_hash, operation, state, meta, snapshot
		FROM checkpoints
		WHERE session_id = ? AND state IN ('pending', 'committed')
		ORDER BY seq DESC LIMIT 1`, sessionID)
	cp, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return cp, err
}

// List returns all checkpoints for a session in creation order
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp, message_index, content_hash, operation, state, meta, snapshot
		FROM checkpoints WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Commit moves a pending checkpoint to committed
func (s *SQLiteStore) Commit(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatePending, StateCommitted, false)
}

// MarkRolledBack moves a pending checkpoint to rolled_back
func (s *SQLiteStore) MarkRolledBack(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatePending, StateRolledBack, false)
}

// MarkExpired moves a committed checkpoint to expired, discarding its snapshot
func (s *SQLiteStore) MarkExpired(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateCommitted, StateExpired, true)
}

func (s *SQLiteStore) transition(ctx context.Context, id string, from, to State, dropSnapshot bool) error {
	query := `UPDATE checkpoints SET state = ? WHERE id = ? AND state = ?`
	if dropSnapshot {
		query = `UPDATE checkpoints SET state = ?, snapshot = NULL WHERE id = ? AND state = ?`
	}
	res, err := s.db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update checkpoint state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cp, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("checkpoint %s is %s, not %s", id, cp.State, from)
	}
	return nil
}

// Prune deletes the oldest committed checkpoints beyond keepCount
func (s *SQLiteStore) Prune(ctx context.Context, sessionID string, keepCount int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE id IN (
			SELECT id FROM checkpoints
			WHERE session_id = ? AND state = 'committed'
			ORDER BY seq DESC LIMIT -1 OFFSET ?
		)`, sessionID, keepCount)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Clear deletes all checkpoints for a session
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	return err
}

// scan reads one checkpoint row
func (s *SQLiteStore) scan(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var ts int64
	var op, state string
	var metaJSON, snapshot []byte

	err := row.Scan(&cp.ID, &cp.SessionID, &ts, &cp.MessageIndex, &cp.ContentHash, &op, &state, &metaJSON, &snapshot)
	if err != nil {
		return nil, err
	}

	cp.Timestamp = time.Unix(0, ts)
	cp.Operation = Operation(op)
	cp.State = State(state)

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &cp.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	if len(snapshot) > 0 {
		raw, err := s.decoder.DecodeAll(snapshot, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		if err := json.Unmarshal(raw, &cp.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return &cp, nil
}
