// internal/integrity/controller_test.go
package integrity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"convowal/internal/checkpoint"
	"convowal/internal/message"
	"convowal/internal/validate"
)

func newTestController(cfg Config) (*Controller, *checkpoint.MemoryStore) {
	store := checkpoint.NewMemoryStore()
	return New(cfg, store, nil), store
}

func pendingToolSession(id string) *MemorySession {
	return NewMemorySession(id, []message.Message{
		message.UserText("run ls for me"),
		{Role: message.RoleAssistant, Content: []message.Block{
			message.ToolUse{ID: "t1", Name: "bash", Input: map[string]any{"cmd": "ls"}},
		}},
	})
}

func TestExecuteToolCycleSuccess(t *testing.T) {
	ctx := context.Background()
	controller, store := newTestController(DefaultConfig())
	session := pendingToolSession("s1")

	use := message.ToolUse{ID: "t1", Name: "bash", Input: map[string]any{"cmd": "ls"}}
	result := controller.ExecuteToolCycle(ctx, session, use, func(ctx context.Context, name string, input map[string]any) (ToolOutput, error) {
		if name != "bash" {
			t.Errorf("expected tool name bash, got %s", name)
		}
		return ToolOutput{Content: "main.go"}, nil
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Result.ToolUseID != "t1" || result.Result.Content != "main.go" {
		t.Errorf("unexpected tool result: %+v", result.Result)
	}

	msgs := session.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after cycle, got %d", len(msgs))
	}
	if !validate.IsValid(msgs) {
		t.Errorf("history invalid after cycle: %+v", validate.Messages(msgs).Errors)
	}

	latest, err := store.GetLatest(ctx, "s1")
	if err != nil {
		t.Fatalf("no checkpoint recorded: %v", err)
	}
	if latest.State != checkpoint.StateCommitted {
		t.Errorf("expected committed checkpoint, got %s", latest.State)
	}
	if latest.Meta["tool_use_id"] != "t1" {
		t.Errorf("expected tool_use_id meta, got %+v", latest.Meta)
	}
	if controller.HasPendingToolCycles("s1") {
		t.Error("cycle still pending after commit")
	}
}

func TestExecuteToolCycleRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	controller, store := newTestController(DefaultConfig())
	session := pendingToolSession("s1")
	lengthBefore := len(session.Messages())

	use := message.ToolUse{ID: "t1", Name: "bash"}
	result := controller.ExecuteToolCycle(ctx, session, use, func(ctx context.Context, name string, input map[string]any) (ToolOutput, error) {
		return ToolOutput{}, errors.New("boom")
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "boom" {
		t.Errorf("expected error boom, got %q", result.Error)
	}
	if !result.RolledBack {
		t.Error("expected rolledBack=true")
	}
	if len(session.Messages()) != lengthBefore {
		t.Errorf("history length changed: %d -> %d", lengthBefore, len(session.Messages()))
	}

	cps, _ := store.List(ctx, "s1")
	if len(cps) != 1 || cps[0].State != checkpoint.StateRolledBack {
		t.Errorf("expected one rolled_back checkpoint, got %+v", cps)
	}
}

func TestExecuteToolCycleDisabledBypassesCheckpoints(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false
	controller, store := newTestController(cfg)
	session := pendingToolSession("s1")

	use := message.ToolUse{ID: "t1", Name: "bash"}
	result := controller.ExecuteToolCycle(ctx, session, use, func(ctx context.Context, name string, input map[string]any) (ToolOutput, error) {
		return ToolOutput{Content: "ok"}, nil
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if cps, _ := store.List(ctx, "s1"); len(cps) != 0 {
		t.Errorf("expected no checkpoints when disabled, got %d", len(cps))
	}
}

func TestHasPendingToolCyclesDuringExecution(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(DefaultConfig())
	session := pendingToolSession("s1")

	sawPending := false
	use := message.ToolUse{ID: "t1", Name: "bash"}
	controller.ExecuteToolCycle(ctx, session, use, func(ctx context.Context, name string, input map[string]any) (ToolOutput, error) {
		sawPending = controller.HasPendingToolCycles("s1")
		if len(controller.ActiveTransactions()) != 1 {
			t.Errorf("expected 1 active transaction during execution")
		}
		return ToolOutput{Content: "ok"}, nil
	})

	if !sawPending {
		t.Error("expected a pending cycle during execution")
	}
	if len(controller.ActiveTransactions()) != 0 {
		t.Error("expected no active transactions after the cycle")
	}
}

func TestActiveTransactionsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(DefaultConfig())
	session := pendingToolSession("s1")

	use := message.ToolUse{ID: "t1", Name: "bash"}
	controller.ExecuteToolCycle(ctx, session, use, func(ctx context.Context, name string, input map[string]any) (ToolOutput, error) {
		txs := controller.ActiveTransactions()
		if len(txs) != 1 {
			t.Fatalf("expected 1 active transaction, got %d", len(txs))
		}
		if txs[0].State != TxExecuting {
			t.Errorf("expected state %s during executor, got %s", TxExecuting, txs[0].State)
		}

		// Mutating the snapshot must not touch the live transaction.
		txs[0].State = TxRolledBack
		txs[0].Error = "scribbled"

		again := controller.ActiveTransactions()
		if again[0].State != TxExecuting || again[0].Error != "" {
			t.Errorf("live transaction changed through a snapshot: %+v", again[0])
		}
		return ToolOutput{Content: "ok"}, nil
	})
}

func TestConcurrentToolCyclesAcrossSessions(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(DefaultConfig())

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			session := pendingToolSession(sessionID)
			use := message.ToolUse{ID: "t1", Name: "bash"}
			result := controller.ExecuteToolCycle(ctx, session, use, func(ctx context.Context, name string, input map[string]any) (ToolOutput, error) {
				// Observe the shared tracking state while the other
				// session's cycle may be mid-flight.
				for _, tx := range controller.ActiveTransactions() {
					if tx.ID == "" || tx.State == "" {
						t.Errorf("incomplete transaction snapshot: %+v", tx)
					}
				}
				controller.HasPendingToolCycles(sessionID)
				return ToolOutput{Content: "ok"}, nil
			})
			if !result.Success {
				t.Errorf("cycle for %s failed: %s", sessionID, result.Error)
			}
		}(id)
	}
	wg.Wait()

	if len(controller.ActiveTransactions()) != 0 {
		t.Errorf("expected no active transactions after both cycles")
	}
}

func TestHandleErrorRollsBackToCheckpoint(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(DefaultConfig())
	session := NewMemorySession("s1", []message.Message{message.UserText("hi")})

	if _, err := controller.CreateCheckpoint(ctx, session, checkpoint.OpAPICall, nil); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	// The API call left garbage behind
	session.Append(
		message.AssistantText("partial"),
		message.Message{Role: message.RoleUser, Content: []message.Block{
			message.ToolResult{ToolUseID: "ghost", Content: "?"},
		}},
	)

	recovery, err := controller.HandleError(ctx, session, errors.New("content filter"))
	if err != nil {
		t.Fatalf("handleError failed: %v", err)
	}
	if recovery.Outcome != OutcomeRolledBack {
		t.Fatalf("expected rolled_back, got %s", recovery.Outcome)
	}
	if recovery.RemovedMessages != 2 {
		t.Errorf("expected 2 removed, got %d", recovery.RemovedMessages)
	}
	if len(session.Messages()) != 1 {
		t.Errorf("expected 1 message after rollback, got %d", len(session.Messages()))
	}
}

func TestHandleErrorFallsBackToRepair(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(DefaultConfig())

	// No checkpoint exists; the orphaned result must be repaired instead
	session := NewMemorySession("s1", []message.Message{
		message.AssistantText("hi"),
		{Role: message.RoleUser, Content: []message.Block{
			message.ToolResult{ToolUseID: "orphan", Content: "?"},
		}},
	})

	recovery, err := controller.HandleError(ctx, session, errors.New("network reset"))
	if err != nil {
		t.Fatalf("handleError failed: %v", err)
	}
	if recovery.Outcome != OutcomeRepaired {
		t.Fatalf("expected repaired, got %s", recovery.Outcome)
	}
	if len(recovery.RepairSteps) == 0 {
		t.Error("expected repair steps in the recovery report")
	}
	if !validate.IsValid(session.Messages()) {
		t.Error("history still invalid after recovery")
	}
}

func TestHandleErrorEscalates(t *testing.T) {
	ctx := context.Background()
	controller, _ := newTestController(DefaultConfig())

	// tool_use inside a user message is structurally invalid and outside
	// the repair engine's fix set
	session := NewMemorySession("s1", []message.Message{
		{Role: message.RoleUser, Content: []message.Block{
			message.ToolUse{ID: "t1", Name: "bash"},
		}},
		message.UserText("still here"),
	})

	recovery, err := controller.HandleError(ctx, session, errors.New("unrecoverable"))
	if err != nil {
		t.Fatalf("handleError failed: %v", err)
	}
	if recovery.Outcome != OutcomeEscalate {
		t.Errorf("expected escalate, got %s", recovery.Outcome)
	}
}

func TestEnsureValid(t *testing.T) {
	ctx := context.Background()

	invalid := func() *MemorySession {
		return NewMemorySession("s1", []message.Message{
			message.AssistantText("hi"),
			{Role: message.RoleUser, Content: []message.Block{
				message.ToolResult{ToolUseID: "orphan", Content: "?"},
			}},
		})
	}

	t.Run("RepairDisabledFails", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AutoRepair = false
		controller, _ := newTestController(cfg)

		err := controller.EnsureValid(ctx, invalid())
		var integrityErr *IntegrityError
		if !errors.As(err, &integrityErr) {
			t.Fatalf("expected IntegrityError, got %v", err)
		}
		if len(integrityErr.Result.Errors) == 0 {
			t.Error("expected the validation report to be attached")
		}
	})

	t.Run("RepairEnabledFixes", func(t *testing.T) {
		controller, _ := newTestController(DefaultConfig())
		session := invalid()
		if err := controller.EnsureValid(ctx, session); err != nil {
			t.Fatalf("expected auto-repair to succeed, got %v", err)
		}
		if !validate.IsValid(session.Messages()) {
			t.Error("history still invalid after EnsureValid")
		}
	})

	t.Run("ValidHistoryPasses", func(t *testing.T) {
		controller, _ := newTestController(DefaultConfig())
		session := NewMemorySession("s1", []message.Message{message.UserText("hi")})
		if err := controller.EnsureValid(ctx, session); err != nil {
			t.Errorf("expected nil for valid history, got %v", err)
		}
	})
}

func TestRepairSessionCopyLeavesSessionAlone(t *testing.T) {
	controller, _ := newTestController(DefaultConfig())
	session := NewMemorySession("s1", []message.Message{
		message.AssistantText("hi"),
		{Role: message.RoleUser, Content: []message.Block{
			message.ToolResult{ToolUseID: "orphan", Content: "?"},
		}},
	})

	fixed, result := controller.RepairSessionCopy(session)
	if len(session.Messages()) != 2 {
		t.Error("preview mutated the session")
	}
	if len(fixed) != 1 || len(result.Steps) == 0 {
		t.Errorf("unexpected preview: %d messages, %+v", len(fixed), result.Steps)
	}
}

func TestResetSession(t *testing.T) {
	ctx := context.Background()
	controller, store := newTestController(DefaultConfig())

	session := NewMemorySession("s1", []message.Message{
		message.UserText("You are a careful coding assistant."),
		message.UserText("delete everything"),
		message.AssistantText("working on it"),
	})
	controller.CreateCheckpoint(ctx, session, checkpoint.OpManual, nil)

	err := controller.ResetSession(ctx, session, ResetOptions{KeepSystemMessages: true, Reason: "manual"})
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	// The leading run of text-only user messages survives
	msgs := session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 kept messages, got %d", len(msgs))
	}
	if _, err := store.GetLatest(ctx, "s1"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected checkpoints cleared, got %v", err)
	}
}

func TestIncidentLogBounded(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.IncidentCapacity = 3
	controller, _ := newTestController(cfg)
	session := NewMemorySession("s1", []message.Message{message.UserText("hi")})

	for i := 0; i < 5; i++ {
		if _, err := controller.CreateCheckpoint(ctx, session, checkpoint.OpManual, nil); err != nil {
			t.Fatalf("checkpoint %d failed: %v", i, err)
		}
	}

	incidents := controller.Incidents()
	if len(incidents) != 3 {
		t.Fatalf("expected 3 retained incidents, got %d", len(incidents))
	}
	for _, inc := range incidents {
		if inc.Type != IncidentCheckpointCreated {
			t.Errorf("unexpected incident type %s", inc.Type)
		}
		if inc.SessionID != "s1" {
			t.Errorf("unexpected session id %s", inc.SessionID)
		}
	}
}
