// internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"convowal/internal/message"
)

// ErrRestoreUnsafe is returned when a hash-only checkpoint cannot prove
// that truncating the live history would restore the checkpointed state.
// Callers fall through to repair instead of truncating blind.
var ErrRestoreUnsafe = errors.New("restore unsafe: history prefix was mutated since checkpoint")

// Manager is the policy layer over a Store. It decides snapshot retention
// and pruning; the store only persists what it is told.
type Manager struct {
	store     Store
	retention int
	snapshot  bool
}

// NewManager creates a checkpoint manager. retention bounds the number of
// committed checkpoints kept per session; snapshot selects full-copy
// checkpoints over hash-only ones.
func NewManager(store Store, retention int, snapshot bool) *Manager {
	return &Manager{store: store, retention: retention, snapshot: snapshot}
}

// Store exposes the underlying store for direct lookups
func (m *Manager) Store() Store {
	return m.store
}

// Create makes a new pending checkpoint and prunes on the write path, so
// retention is enforced even for sessions that are never read back.
func (m *Manager) Create(ctx context.Context, sessionID string, history []message.Message, op Operation, meta map[string]string) (*Checkpoint, error) {
	cp, err := m.store.Create(ctx, sessionID, history, op, CreateOptions{Snapshot: m.snapshot, Meta: meta})
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Prune(ctx, sessionID, m.retention); err != nil {
		return nil, fmt.Errorf("prune after create: %w", err)
	}
	return cp, nil
}

// Commit commits a checkpoint and re-prunes: the pending -> committed
// transition changes what the retention rule may now discard.
func (m *Manager) Commit(ctx context.Context, id string) error {
	cp, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Commit(ctx, id); err != nil {
		return err
	}
	if _, err := m.store.Prune(ctx, cp.SessionID, m.retention); err != nil {
		return fmt.Errorf("prune after commit: %w", err)
	}
	return nil
}

// Rollback marks a checkpoint rolled back
func (m *Manager) Rollback(ctx context.Context, id string) error {
	return m.store.MarkRolledBack(ctx, id)
}

// Latest returns the newest restorable checkpoint for a session
func (m *Manager) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return m.store.GetLatest(ctx, sessionID)
}

// RestoreTarget is the computed safe state to roll a session back to
type RestoreTarget struct {
	Messages []message.Message
	Removed  int
}

// RestoreMessages computes the message history a session should be rolled
// back to. Snapshot checkpoints replay a deep copy of the stored messages.
// Hash-only checkpoints re-digest current[0..MessageIndex] and compare it
// against the recorded ContentHash, returning ErrRestoreUnsafe on any
// mismatch: a mutated prefix means blind truncation could silently discard
// or corrupt data this manager never wrote. That check is never skipped.
func (m *Manager) RestoreMessages(ctx context.Context, checkpointID string, current []message.Message) (*RestoreTarget, error) {
	cp, err := m.store.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	if cp.Snapshot != nil {
		return &RestoreTarget{
			Messages: message.Clone(cp.Snapshot),
			Removed:  len(current) - len(cp.Snapshot),
		}, nil
	}

	if cp.MessageIndex > len(current) {
		return nil, fmt.Errorf("checkpoint %s spans %d messages, history has %d: %w",
			cp.ID, cp.MessageIndex, len(current), ErrRestoreUnsafe)
	}

	hash, err := message.Digest(current[:cp.MessageIndex])
	if err != nil {
		return nil, fmt.Errorf("digest prefix: %w", err)
	}
	if hash != cp.ContentHash {
		return nil, fmt.Errorf("checkpoint %s: %w", cp.ID, ErrRestoreUnsafe)
	}

	return &RestoreTarget{
		Messages: message.Clone(current[:cp.MessageIndex]),
		Removed:  len(current) - cp.MessageIndex,
	}, nil
}
