// internal/checkpoint/models.go
package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"convowal/internal/message"
)

// Operation tags what kind of work a checkpoint guards
type Operation string

const (
	OpToolCycle  Operation = "tool_cycle"
	OpAPICall    Operation = "api_call"
	OpCompaction Operation = "compaction"
	OpManual     Operation = "manual"
)

// State is the checkpoint lifecycle state. A checkpoint is created pending,
// moves to committed on success or rolled_back on failure, and never leaves
// a terminal state. Expired marks committed checkpoints retired by a session
// reset that kept the ledger.
type State string

const (
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	StateExpired    State = "expired"
)

// Checkpoint is one WAL-style marker over a session's message history.
// ContentHash is the canonical digest of messages[0..MessageIndex]; it is
// the proof that a hash-only checkpoint can still be restored by truncation.
type Checkpoint struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	Timestamp    time.Time         `json:"timestamp"`
	MessageIndex int               `json:"message_index"`
	ContentHash  string            `json:"content_hash"`
	Operation    Operation         `json:"operation"`
	State        State             `json:"state"`
	Snapshot     []message.Message `json:"snapshot,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// CreateOptions controls snapshot retention and metadata for a new checkpoint
type CreateOptions struct {
	// Snapshot stores a deep copy of the guarded prefix. Restoring a
	// snapshot never fails; a hash-only checkpoint can refuse if the
	// prefix was mutated underneath it.
	Snapshot bool
	Meta     map[string]string
}

// GenerateID generates a new checkpoint ID
func GenerateID() string {
	return uuid.New().String()
}
