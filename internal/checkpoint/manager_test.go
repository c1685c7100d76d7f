// internal/checkpoint/manager_test.go
package checkpoint

import (
	"context"
	"errors"
	"testing"

	"convowal/internal/message"
)

func TestManagerRestoreFromSnapshot(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStore(), 10, true)

	base := []message.Message{message.UserText("hi")}
	cp, err := manager.Create(ctx, "s1", base, OpToolCycle, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	grown := append(message.Clone(base),
		message.AssistantText("working"),
		message.UserText("more"))

	target, err := manager.RestoreMessages(ctx, cp.ID, grown)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(target.Messages) != 1 {
		t.Errorf("expected 1 restored message, got %d", len(target.Messages))
	}
	if target.Removed != 2 {
		t.Errorf("expected 2 removed, got %d", target.Removed)
	}
	if text := target.Messages[0].Content[0].(message.Text); text.Text != "hi" {
		t.Errorf("unexpected restored content: %q", text.Text)
	}
}

func TestManagerHashVerifiedTruncation(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStore(), 10, false)

	base := []message.Message{
		message.UserText("hi"),
		message.AssistantText("hello"),
	}
	cp, err := manager.Create(ctx, "s1", base, OpToolCycle, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	t.Run("UntouchedPrefixRestores", func(t *testing.T) {
		grown := append(message.Clone(base), message.UserText("later"))
		target, err := manager.RestoreMessages(ctx, cp.ID, grown)
		if err != nil {
			t.Fatalf("restore failed: %v", err)
		}
		if len(target.Messages) != 2 || target.Removed != 1 {
			t.Errorf("expected 2 messages with 1 removed, got %d/%d", len(target.Messages), target.Removed)
		}
	})

	t.Run("MutatedPrefixIsUnsafe", func(t *testing.T) {
		mutated := message.Clone(base)
		mutated[0] = message.UserText("rewritten")
		if _, err := manager.RestoreMessages(ctx, cp.ID, mutated); !errors.Is(err, ErrRestoreUnsafe) {
			t.Errorf("expected ErrRestoreUnsafe, got %v", err)
		}
	})

	t.Run("ShorterHistoryIsUnsafe", func(t *testing.T) {
		if _, err := manager.RestoreMessages(ctx, cp.ID, base[:1]); !errors.Is(err, ErrRestoreUnsafe) {
			t.Errorf("expected ErrRestoreUnsafe, got %v", err)
		}
	})
}

func TestManagerRetentionOnCommit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	manager := NewManager(store, 2, false)

	// Five create+commit cycles leave at most 2 committed checkpoints
	for i := 0; i < 5; i++ {
		cp, err := manager.Create(ctx, "s1", history(i+1), OpToolCycle, nil)
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		if err := manager.Commit(ctx, cp.ID); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	cps, _ := store.List(ctx, "s1")
	committed := 0
	for _, cp := range cps {
		if cp.State == StateCommitted {
			committed++
		}
	}
	if committed > 2 {
		t.Errorf("expected at most 2 committed checkpoints, got %d", committed)
	}
}
