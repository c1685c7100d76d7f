// internal/integrity/transaction.go
package integrity

import (
	"time"

	"github.com/google/uuid"

	"convowal/internal/checkpoint"
	"convowal/internal/message"
)

// TxState is the tool-cycle transaction state. Transitions run strictly
// forward: pending -> executing -> recording -> committed | rolled_back.
// There is no path out of a terminal state.
type TxState string

const (
	TxPending    TxState = "pending"
	TxExecuting  TxState = "executing"
	TxRecording  TxState = "recording"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
)

// ToolCycleTransaction tracks one tool_use -> execution -> tool_result
// round trip. It lives only for the duration of the cycle that created it
// and is never persisted.
type ToolCycleTransaction struct {
	ID         string                 `json:"id"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	ToolUse    message.ToolUse        `json:"tool_use"`
	State      TxState                `json:"state"`
	StartTime  time.Time              `json:"start_time"`
	Error      string                 `json:"error,omitempty"`
}

func newTransaction(use message.ToolUse) *ToolCycleTransaction {
	return &ToolCycleTransaction{
		ID:        uuid.New().String(),
		ToolUse:   use,
		State:     TxPending,
		StartTime: time.Now(),
	}
}

// CycleResult is the structured outcome of one tool cycle. Executor
// failures are converted into a rolled-back result, never propagated past
// the cycle boundary.
type CycleResult struct {
	Success    bool                `json:"success"`
	Result     *message.ToolResult `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	RolledBack bool                `json:"rolled_back"`
}
