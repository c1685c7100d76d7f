// internal/integrity/controller.go
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"convowal/internal/checkpoint"
	"convowal/internal/message"
	"convowal/internal/repair"
	"convowal/internal/validate"
)

// Config is the host-supplied controller configuration. It is fixed at
// construction and not re-derivable at runtime.
type Config struct {
	// Enabled gates the whole subsystem; when false, tool cycles execute
	// without checkpointing. Explicit escape hatch, not a silent change.
	Enabled bool
	// ValidateBeforeCall runs validation (and optionally repair) ahead of
	// every API call.
	ValidateBeforeCall bool
	// AutoRepair lets EnsureValid fix defects instead of failing.
	AutoRepair bool
	// CheckpointRetention bounds committed checkpoints kept per session.
	CheckpointRetention int
	// SnapshotMessages stores full message copies in checkpoints, trading
	// memory for rollback that cannot hit a hash mismatch.
	SnapshotMessages bool
	// IncidentCapacity bounds the incident ring buffer (default 256).
	IncidentCapacity int
	// Verbose raises log verbosity to debug.
	Verbose bool
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		ValidateBeforeCall:  true,
		AutoRepair:          true,
		CheckpointRetention: 10,
		SnapshotMessages:    false,
	}
}

// IntegrityError is returned by EnsureValid when a history is invalid and
// cannot (or may not) be auto-repaired. It carries the full validation
// report for diagnostics.
type IntegrityError struct {
	SessionID string
	Result    validate.Result
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("session %s history is invalid: %d structural errors", e.SessionID, len(e.Result.Errors))
}

// Outcome is the result category of HandleError's recovery ladder
type Outcome string

const (
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeRepaired   Outcome = "repaired"
	OutcomeEscalate   Outcome = "escalate"
)

// Recovery reports what HandleError did to the session
type Recovery struct {
	Outcome         Outcome       `json:"outcome"`
	RemovedMessages int           `json:"removed_messages,omitempty"`
	RepairSteps     []repair.Step `json:"repair_steps,omitempty"`
}

// ResetOptions controls ResetSession
type ResetOptions struct {
	// Archive saves the history out of band before clearing and keeps the
	// checkpoint ledger (entries move to expired instead of being deleted).
	Archive bool
	// KeepSystemMessages preserves the leading run of text-only user
	// messages, which is where system-prompt-shaped content lives.
	KeepSystemMessages bool
	Reason             string
}

// Controller is the session integrity orchestration surface. It assumes
// the host serializes calls per session id; different sessions are fully
// independent.
type Controller struct {
	cfg      Config
	manager  *checkpoint.Manager
	logger   *slog.Logger
	log      *incidentLog
	mu       sync.Mutex
	active   map[string]*ToolCycleTransaction // transaction ID -> in-flight cycle
	pending  map[string]int                   // session ID -> in-flight cycle count
}

// New creates a controller over the given checkpoint store. A nil logger
// discards log output unless Verbose is set, which logs debug detail to
// stderr.
func New(cfg Config, store checkpoint.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		if cfg.Verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
	return &Controller{
		cfg:     cfg,
		manager: checkpoint.NewManager(store, cfg.CheckpointRetention, cfg.SnapshotMessages),
		logger:  logger,
		log:     newIncidentLog(cfg.IncidentCapacity),
		active:  make(map[string]*ToolCycleTransaction),
		pending: make(map[string]int),
	}
}

// Manager exposes the checkpoint policy layer
func (c *Controller) Manager() *checkpoint.Manager {
	return c.manager
}

// IsSessionValid is the fast-path structural check
func (c *Controller) IsSessionValid(session SessionAdapter) bool {
	return validate.IsValid(session.Messages())
}

// EnsureValid validates the session history before an API call. With
// AutoRepair enabled it repairs and re-validates; if the history is still
// invalid (or repair is disabled) it returns an IntegrityError carrying
// the full report.
func (c *Controller) EnsureValid(ctx context.Context, session SessionAdapter) error {
	if !c.cfg.Enabled || !c.cfg.ValidateBeforeCall {
		return nil
	}

	result := validate.Messages(session.Messages())
	if result.Valid {
		return nil
	}

	c.incident(IncidentValidationFailed, session.SessionID(),
		fmt.Sprintf("%d structural errors", len(result.Errors)), nil)

	if !c.cfg.AutoRepair {
		return &IntegrityError{SessionID: session.SessionID(), Result: result}
	}

	if _, err := c.RepairSession(ctx, session); err != nil {
		return err
	}
	result = validate.Messages(session.Messages())
	if !result.Valid {
		return &IntegrityError{SessionID: session.SessionID(), Result: result}
	}
	return nil
}

// CreateCheckpoint records a pending checkpoint over the session's current
// history
func (c *Controller) CreateCheckpoint(ctx context.Context, session SessionAdapter, op checkpoint.Operation, meta map[string]string) (*checkpoint.Checkpoint, error) {
	cp, err := c.manager.Create(ctx, session.SessionID(), session.Messages(), op, meta)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	c.incident(IncidentCheckpointCreated, session.SessionID(), string(op), map[string]string{"checkpoint_id": cp.ID})
	c.logger.Debug("checkpoint created", "session", session.SessionID(), "checkpoint", cp.ID, "operation", string(op), "message_index", cp.MessageIndex)
	return cp, nil
}

// CommitCheckpoint commits a checkpoint and enforces retention
func (c *Controller) CommitCheckpoint(ctx context.Context, sessionID, checkpointID string) error {
	if err := c.manager.Commit(ctx, checkpointID); err != nil {
		return err
	}
	c.incident(IncidentCheckpointCommitted, sessionID, "", map[string]string{"checkpoint_id": checkpointID})
	return nil
}

// GetLatestCheckpoint returns the newest restorable checkpoint for the session
func (c *Controller) GetLatestCheckpoint(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	return c.manager.Latest(ctx, sessionID)
}

// ExecuteToolCycle runs one tool invocation as an atomic transaction:
// checkpoint, execute, record the result, commit. Any failure at any step
// rolls the session back to the checkpoint and reports the error in the
// result; nothing partial survives.
func (c *Controller) ExecuteToolCycle(ctx context.Context, session SessionAdapter, use message.ToolUse, exec ToolExecutor) CycleResult {
	if !c.cfg.Enabled {
		return c.executeDirect(ctx, session, use, exec)
	}

	tx := newTransaction(use)
	c.trackStart(session.SessionID(), tx)
	defer c.trackEnd(session.SessionID(), tx)

	lengthBefore := len(session.Messages())

	cp, err := c.CreateCheckpoint(ctx, session, checkpoint.OpToolCycle, map[string]string{
		"tool_use_id": use.ID,
		"tool_name":   use.Name,
	})
	if err != nil {
		c.failTx(tx, err)
		return CycleResult{Error: err.Error()}
	}
	c.attachCheckpoint(tx, cp)

	c.setTxState(tx, TxExecuting)
	out, err := exec(ctx, use.Name, use.Input)
	if err != nil {
		return c.rollbackCycle(ctx, session, tx, lengthBefore, err)
	}

	c.setTxState(tx, TxRecording)
	result := message.ToolResult{ToolUseID: use.ID, Content: out.Content, IsError: out.IsError}
	session.Append(message.Message{Role: message.RoleUser, Content: []message.Block{result}})
	if err := session.Persist(ctx); err != nil {
		return c.rollbackCycle(ctx, session, tx, lengthBefore, err)
	}

	if err := c.CommitCheckpoint(ctx, session.SessionID(), cp.ID); err != nil {
		return c.rollbackCycle(ctx, session, tx, lengthBefore, err)
	}
	c.setTxState(tx, TxCommitted)

	c.logger.Debug("tool cycle committed", "session", session.SessionID(), "tool", use.Name, "tool_use_id", use.ID)
	return CycleResult{Success: true, Result: &result}
}

// executeDirect is the Enabled=false escape hatch: no checkpoint, no
// rollback, the executor's outcome is recorded as-is
func (c *Controller) executeDirect(ctx context.Context, session SessionAdapter, use message.ToolUse, exec ToolExecutor) CycleResult {
	out, err := exec(ctx, use.Name, use.Input)
	if err != nil {
		return CycleResult{Error: err.Error()}
	}
	result := message.ToolResult{ToolUseID: use.ID, Content: out.Content, IsError: out.IsError}
	session.Append(message.Message{Role: message.RoleUser, Content: []message.Block{result}})
	if err := session.Persist(ctx); err != nil {
		return CycleResult{Error: err.Error()}
	}
	return CycleResult{Success: true, Result: &result}
}

// rollbackCycle restores the checkpointed state after a failed step
func (c *Controller) rollbackCycle(ctx context.Context, session SessionAdapter, tx *ToolCycleTransaction, lengthBefore int, cause error) CycleResult {
	c.failTx(tx, cause)

	rolledBack := false
	if target, err := c.manager.RestoreMessages(ctx, tx.Checkpoint.ID, session.Messages()); err == nil {
		session.Replace(target.Messages)
		if perr := session.Persist(ctx); perr != nil {
			c.logger.Error("persist after rollback failed", "session", session.SessionID(), "error", perr)
		} else {
			rolledBack = true
		}
	} else {
		// Restore refused; drop only what this cycle appended.
		session.Truncate(lengthBefore)
		rolledBack = session.Persist(ctx) == nil
	}

	if err := c.manager.Rollback(ctx, tx.Checkpoint.ID); err != nil {
		c.logger.Error("mark rolled back failed", "checkpoint", tx.Checkpoint.ID, "error", err)
	}

	c.incident(IncidentRolledBack, session.SessionID(), cause.Error(), map[string]string{
		"checkpoint_id": tx.Checkpoint.ID,
		"tool_use_id":   tx.ToolUse.ID,
	})
	c.logger.Warn("tool cycle rolled back", "session", session.SessionID(), "tool", tx.ToolUse.Name, "error", cause)

	return CycleResult{Error: cause.Error(), RolledBack: rolledBack}
}

// HandleError drives the recovery ladder after an external failure:
// rollback to the latest checkpoint, else repair the live history, else
// escalate to the caller.
func (c *Controller) HandleError(ctx context.Context, session SessionAdapter, cause error) (Recovery, error) {
	sessionID := session.SessionID()
	c.logger.Warn("handling session error", "session", sessionID, "error", cause)

	if cp, err := c.manager.Latest(ctx, sessionID); err == nil {
		target, rerr := c.manager.RestoreMessages(ctx, cp.ID, session.Messages())
		if rerr == nil {
			session.Replace(target.Messages)
			if err := session.Persist(ctx); err != nil {
				return Recovery{Outcome: OutcomeEscalate}, fmt.Errorf("persist after rollback: %w", err)
			}
			if cp.State == checkpoint.StatePending {
				if err := c.manager.Rollback(ctx, cp.ID); err != nil {
					c.logger.Error("mark rolled back failed", "checkpoint", cp.ID, "error", err)
				}
			}
			c.incident(IncidentRolledBack, sessionID, cause.Error(), map[string]string{"checkpoint_id": cp.ID})
			return Recovery{Outcome: OutcomeRolledBack, RemovedMessages: target.Removed}, nil
		}
		if !errors.Is(rerr, checkpoint.ErrRestoreUnsafe) {
			c.logger.Error("restore failed", "checkpoint", cp.ID, "error", rerr)
		}
	}

	steps, err := c.RepairSession(ctx, session)
	if err == nil && validate.IsValid(session.Messages()) {
		return Recovery{Outcome: OutcomeRepaired, RepairSteps: steps.Steps}, nil
	}

	c.incident(IncidentEscalated, sessionID, cause.Error(), nil)
	return Recovery{Outcome: OutcomeEscalate}, nil
}

// RepairSession fixes the session history in place and persists it
func (c *Controller) RepairSession(ctx context.Context, session SessionAdapter) (repair.Result, error) {
	fixed, result := repair.Apply(session.Messages())
	if len(result.Steps) == 0 {
		return result, nil
	}
	session.Replace(fixed)
	if err := session.Persist(ctx); err != nil {
		return result, fmt.Errorf("persist after repair: %w", err)
	}
	c.incident(IncidentRepaired, session.SessionID(), result.String(), nil)
	c.logger.Info("session repaired", "session", session.SessionID(), "fixes", len(result.Steps))
	return result, nil
}

// RepairSessionCopy previews the repair over a deep copy; the session is
// never touched
func (c *Controller) RepairSessionCopy(session SessionAdapter) ([]message.Message, repair.Result) {
	return repair.ApplyCopy(session.Messages())
}

// RollbackToCheckpoint restores the session to a specific checkpoint and
// returns the number of messages removed
func (c *Controller) RollbackToCheckpoint(ctx context.Context, session SessionAdapter, checkpointID string) (int, error) {
	target, err := c.manager.RestoreMessages(ctx, checkpointID, session.Messages())
	if err != nil {
		return 0, err
	}
	session.Replace(target.Messages)
	if err := session.Persist(ctx); err != nil {
		return 0, fmt.Errorf("persist after rollback: %w", err)
	}
	c.incident(IncidentRolledBack, session.SessionID(), "manual rollback", map[string]string{"checkpoint_id": checkpointID})
	return target.Removed, nil
}

// ResetSession is the last-resort recovery action: clear the history
// (optionally keeping system-prompt-shaped leading messages) and retire
// every checkpoint for the session. Never invoked automatically.
func (c *Controller) ResetSession(ctx context.Context, session SessionAdapter, opts ResetOptions) error {
	sessionID := session.SessionID()

	if opts.Archive {
		path, err := session.Archive(ctx)
		if err != nil {
			return fmt.Errorf("archive before reset: %w", err)
		}
		c.logger.Info("session archived", "session", sessionID, "path", path)
	}

	var kept []message.Message
	if opts.KeepSystemMessages {
		for _, m := range session.Messages() {
			if m.Role != message.RoleUser || !m.TextOnly() {
				break
			}
			kept = append(kept, message.CloneMessage(m))
		}
	}

	session.Replace(kept)
	if err := session.Persist(ctx); err != nil {
		return fmt.Errorf("persist after reset: %w", err)
	}

	if opts.Archive {
		cps, err := c.manager.Store().List(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, cp := range cps {
			if cp.State == checkpoint.StateCommitted {
				if err := c.manager.Store().MarkExpired(ctx, cp.ID); err != nil {
					c.logger.Error("expire checkpoint failed", "checkpoint", cp.ID, "error", err)
				}
			}
		}
	} else {
		if err := c.manager.Store().Clear(ctx, sessionID); err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
	}

	c.incident(IncidentSessionReset, sessionID, opts.Reason, map[string]string{
		"kept_messages": fmt.Sprintf("%d", len(kept)),
	})
	return nil
}

// Incidents returns the retained incident log, oldest first
func (c *Controller) Incidents() []Incident {
	return c.log.snapshot()
}

// ActiveTransactions returns snapshots of the in-flight tool cycles.
// Copies are taken under the mutex: a cycle on another session may be
// mutating the live transaction concurrently.
func (c *Controller) ActiveTransactions() []ToolCycleTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ToolCycleTransaction, 0, len(c.active))
	for _, tx := range c.active {
		out = append(out, *tx)
	}
	return out
}

// HasPendingToolCycles reports whether the session has a cycle in flight
func (c *Controller) HasPendingToolCycles(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[sessionID] > 0
}

func (c *Controller) trackStart(sessionID string, tx *ToolCycleTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[tx.ID] = tx
	c.pending[sessionID]++
}

func (c *Controller) trackEnd(sessionID string, tx *ToolCycleTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, tx.ID)
	if c.pending[sessionID] > 0 {
		c.pending[sessionID]--
	}
}

// Transaction fields are read by ActiveTransactions from other
// goroutines, so every write goes through one of these helpers.
func (c *Controller) setTxState(tx *ToolCycleTransaction, state TxState) {
	c.mu.Lock()
	tx.State = state
	c.mu.Unlock()
}

func (c *Controller) failTx(tx *ToolCycleTransaction, cause error) {
	c.mu.Lock()
	tx.State = TxRolledBack
	tx.Error = cause.Error()
	c.mu.Unlock()
}

func (c *Controller) attachCheckpoint(tx *ToolCycleTransaction, cp *checkpoint.Checkpoint) {
	c.mu.Lock()
	tx.Checkpoint = cp
	c.mu.Unlock()
}

func (c *Controller) incident(t IncidentType, sessionID, msg string, details map[string]string) {
	c.log.add(Incident{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Message:   msg,
		Details:   details,
	})
}
