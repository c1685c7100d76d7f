// internal/checkpoint/store.go
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convowal/internal/message"
)

// ErrNotFound is returned when no checkpoint matches a lookup
var ErrNotFound = errors.New("checkpoint not found")

// Store is the checkpoint persistence contract. Every method takes a
// context and may fail, so a persistent backend (see SQLiteStore) is a
// drop-in substitute for the in-memory default without an interface change.
type Store interface {
	// Create appends a new pending checkpoint over the given history.
	Create(ctx context.Context, sessionID string, history []message.Message, op Operation, opts CreateOptions) (*Checkpoint, error)
	// Get returns a checkpoint by id.
	Get(ctx context.Context, id string) (*Checkpoint, error)
	// GetLatest returns the most recent checkpoint for the session still in
	// pending or committed state, scanning newest-first.
	GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error)
	// List returns all checkpoints for the session in creation order.
	List(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	// Commit moves a pending checkpoint to committed.
	Commit(ctx context.Context, id string) error
	// MarkRolledBack moves a pending checkpoint to rolled_back.
	MarkRolledBack(ctx context.Context, id string) error
	// MarkExpired moves a committed checkpoint to expired and drops its snapshot.
	MarkExpired(ctx context.Context, id string) error
	// Prune deletes the oldest committed checkpoints beyond keepCount.
	// Only committed checkpoints count toward the limit; pending and
	// rolled_back entries are never touched.
	Prune(ctx context.Context, sessionID string, keepCount int) (int, error)
	// Clear deletes all checkpoints for the session.
	Clear(ctx context.Context, sessionID string) error
}

// MemoryStore is the in-memory Store. It cannot survive a process restart,
// so it provides no crash recovery across restarts; use SQLiteStore when
// that matters.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	order       map[string][]string // sessionID -> checkpoint IDs in creation order
}

// NewMemoryStore creates an empty in-memory checkpoint store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
		order:       make(map[string][]string),
	}
}

// Create appends a new pending checkpoint for the session
func (s *MemoryStore) Create(ctx context.Context, sessionID string, history []message.Message, op Operation, opts CreateOptions) (*Checkpoint, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ID] = cp
	s.order[sessionID] = append(s.order[sessionID], cp.ID)
	return copyCheckpoint(cp), nil
}

// Get returns a checkpoint by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return copyCheckpoint(cp), nil
}

// GetLatest returns the newest pending or committed checkpoint for a session
func (s *MemoryStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[sessionID]
	for i := len(ids) - 1; i >= 0; i-- {
		cp := s.checkpoints[ids[i]]
		if cp.State == StatePending || cp.State == StateCommitted {
			return copyCheckpoint(cp), nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
}

// List returns all checkpoints for a session in creation order
func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order[sessionID]
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyCheckpoint(s.checkpoints[id]))
	}
	return out, nil
}

// Commit moves a pending checkpoint to committed
func (s *MemoryStore) Commit(ctx context.Context, id string) error {
	return s.transition(id, StatePending, StateCommitted)
}

// MarkRolledBack moves a pending checkpoint to rolled_back
func (s *MemoryStore) MarkRolledBack(ctx context.Context, id string) error {
	return s.transition(id, StatePending, StateRolledBack)
}

// MarkExpired moves a committed checkpoint to expired, discarding its snapshot
func (s *MemoryStore) MarkExpired(ctx context.Context, id string) error {
	if err := s.transition(id, StateCommitted, StateExpired); err != nil {
		return err
	}
	s.mu.Lock()
	s.checkpoints[id].Snapshot = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) transition(id string, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if cp.State != from {
		return fmt.Errorf("checkpoint %s is %s, not %s", id, cp.State, from)
	}
	cp.State = to
	return nil
}

// Prune deletes the oldest committed checkpoints beyond keepCount
func (s *MemoryStore) Prune(ctx context.Context, sessionID string, keepCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.order[sessionID]
	committed := 0
	for _, id := range ids {
		if s.checkpoints[id].State == StateCommitted {
			committed++
		}
	}

	toDrop := committed - keepCount
	if toDrop <= 0 {
		return 0, nil
	}

	dropped := 0
	kept := ids[:0]
	for _, id := range ids {
		if dropped < toDrop && s.checkpoints[id].State == StateCommitted {
			delete(s.checkpoints, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	s.order[sessionID] = kept
	return dropped, nil
}

// Clear deletes all checkpoints for a session
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order[sessionID] {
		delete(s.checkpoints, id)
	}
	delete(s.order, sessionID)
	return nil
}

// copyCheckpoint shields the store's record from caller mutation
func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Snapshot = message.Clone(cp.Snapshot)
	if cp.Meta != nil {
		out.Meta = make(map[string]string, len(cp.Meta))
		for k, v := range cp.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}
