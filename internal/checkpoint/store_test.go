// internal/checkpoint/store_test.go
package checkpoint

import (
	"context"
	"errors"
	"testing"

	"convowal/internal/message"
)

func history(n int) []message.Message {
	msgs := make([]message.Message, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, message.UserText("hello"))
		} else {
			msgs = append(msgs, message.AssistantText("hi there"))
		}
	}
	return msgs
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("CreateStartsPending", func(t *testing.T) {
		cp, err := store.Create(ctx, "s1", history(2), OpManual, CreateOptions{})
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if cp.State != StatePending {
			t.Errorf("expected pending, got %s", cp.State)
		}
		if cp.MessageIndex != 2 {
			t.Errorf("expected message index 2, got %d", cp.MessageIndex)
		}
		if cp.ContentHash == "" {
			t.Error("expected a content hash")
		}
		if cp.Snapshot != nil {
			t.Error("expected no snapshot without the option")
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CommitTransition", func(t *testing.T) {
		cp, _ := store.Create(ctx, "s2", history(2), OpToolCycle, CreateOptions{})
		if err := store.Commit(ctx, cp.ID); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
		got, _ := store.Get(ctx, cp.ID)
		if got.State != StateCommitted {
			t.Errorf("expected committed, got %s", got.State)
		}
		// Terminal states stay terminal
		if err := store.Commit(ctx, cp.ID); err == nil {
			t.Error("expected error committing a committed checkpoint")
		}
		if err := store.MarkRolledBack(ctx, cp.ID); err == nil {
			t.Error("expected error rolling back a committed checkpoint")
		}
	})

	t.Run("GetLatestSkipsRolledBack", func(t *testing.T) {
		first, _ := store.Create(ctx, "s3", history(2), OpToolCycle, CreateOptions{})
		store.Commit(ctx, first.ID)
		second, _ := store.Create(ctx, "s3", history(4), OpToolCycle, CreateOptions{})
		store.MarkRolledBack(ctx, second.ID)

		latest, err := store.GetLatest(ctx, "s3")
		if err != nil {
			t.Fatalf("getLatest failed: %v", err)
		}
		if latest.ID != first.ID {
			t.Errorf("expected the committed checkpoint, got %s", latest.ID)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		store.Create(ctx, "s4", history(2), OpManual, CreateOptions{})
		if err := store.Clear(ctx, "s4"); err != nil {
			t.Fatalf("clear failed: %v", err)
		}
		if _, err := store.GetLatest(ctx, "s4"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after clear, got %v", err)
		}
	})
}

func TestMemoryStorePruneKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var committed []*Checkpoint
	for i := 0; i < 4; i++ {
		cp, _ := store.Create(ctx, "s1", history(2*i), OpToolCycle, CreateOptions{})
		store.Commit(ctx, cp.ID)
		committed = append(committed, cp)
	}
	pending, _ := store.Create(ctx, "s1", history(8), OpToolCycle, CreateOptions{})

	n, err := store.Prune(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}

	// The two oldest committed checkpoints are gone
	for _, cp := range committed[:2] {
		if _, err := store.Get(ctx, cp.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected %s pruned", cp.ID)
		}
	}
	// Pending survives pruning unconditionally
	if _, err := store.Get(ctx, pending.ID); err != nil {
		t.Errorf("pending checkpoint was pruned: %v", err)
	}
}

func TestMemoryStoreSnapshotIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	msgs := history(2)
	cp, _ := store.Create(ctx, "s1", msgs, OpManual, CreateOptions{Snapshot: true})

	// Mutating the returned snapshot must not affect the stored one
	cp.Snapshot[0] = message.UserText("tampered")
	got, _ := store.Get(ctx, cp.ID)
	if text, ok := got.Snapshot[0].Content[0].(message.Text); !ok || text.Text != "hello" {
		t.Error("store snapshot was mutated through the returned copy")
	}
}
