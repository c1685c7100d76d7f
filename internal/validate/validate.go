// internal/validate/validate.go
package validate

import (
	"fmt"

	"convowal/internal/message"
)

// ErrorKind classifies a structural defect found in a message history
type ErrorKind string

const (
	KindOrphanedToolResult      ErrorKind = "orphaned_tool_result"
	KindIncompleteToolUse       ErrorKind = "incomplete_tool_use"
	KindDuplicateToolID         ErrorKind = "duplicate_tool_id"
	KindMissingPrecedingMessage ErrorKind = "missing_preceding_message"
	KindEmptyMessage            ErrorKind = "empty_message"
	KindInvalidStructure        ErrorKind = "invalid_structure"
)

// Error describes one structural defect. Defects are data, never panics:
// every malformed history produces a full report.
type Error struct {
	Kind         ErrorKind `json:"kind"`
	MessageIndex int       `json:"message_index"`
	ToolID       string    `json:"tool_id,omitempty"`
	Detail       string    `json:"detail"`
}

// Result is the full validation report for a message history
type Result struct {
	Valid         bool     `json:"valid"`
	Errors        []Error  `json:"errors,omitempty"`
	OrphanedIDs   []string `json:"orphaned_ids,omitempty"`
	IncompleteIDs []string `json:"incomplete_ids,omitempty"`
}

// PendingIndex returns the index of the only message allowed to carry
// unmatched tool_use blocks: the final one (a turn still in flight).
// Returns -1 for an empty history. The repair engine uses the same rule,
// so validator and repairer cannot drift on the pending-turn exception.
func PendingIndex(history []message.Message) int {
	return len(history) - 1
}

// Messages runs all four validation passes over a history and unions their
// findings. The input is never mutated.
func Messages(history []message.Message) Result {
	r := Result{Valid: true}

	checkStructure(history, &r)
	checkToolResults(history, &r)
	checkToolUses(history, &r)
	checkDuplicateIDs(history, &r)

	r.Valid = len(r.Errors) == 0
	return r
}

// IsValid is the short-circuiting fast path for hot pre-call checks
func IsValid(history []message.Message) bool {
	seen := make(map[string]struct{})
	last := PendingIndex(history)

	for i, msg := range history {
		if msg.IsEmpty() {
			return false
		}
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case message.ToolUse:
				if msg.Role != message.RoleAssistant {
					return false
				}
				if _, dup := seen[blk.ID]; dup {
					return false
				}
				seen[blk.ID] = struct{}{}
				if i < last && !resultFollows(history, i, blk.ID) {
					return false
				}
			case message.ToolResult:
				if msg.Role != message.RoleUser {
					return false
				}
				if i == 0 || !usePrecedes(history, i, blk.ToolUseID) {
					return false
				}
			}
		}
	}
	return true
}

// checkStructure flags empty messages and blocks that are illegal for the
// message's role
func checkStructure(history []message.Message, r *Result) {
	for i, msg := range history {
		if msg.IsEmpty() {
			r.Errors = append(r.Errors, Error{
				Kind:         KindEmptyMessage,
				MessageIndex: i,
				Detail:       fmt.Sprintf("message %d has no content", i),
			})
			continue
		}
		for _, b := range msg.Content {
			switch b.BlockType() {
			case message.TypeToolUse:
				if msg.Role != message.RoleAssistant {
					r.Errors = append(r.Errors, Error{
						Kind:         KindInvalidStructure,
						MessageIndex: i,
						ToolID:       b.(message.ToolUse).ID,
						Detail:       fmt.Sprintf("tool_use block in %s message %d", msg.Role, i),
					})
				}
			case message.TypeToolResult:
				if msg.Role != message.RoleUser {
					r.Errors = append(r.Errors, Error{
						Kind:         KindInvalidStructure,
						MessageIndex: i,
						ToolID:       b.(message.ToolResult).ToolUseID,
						Detail:       fmt.Sprintf("tool_result block in %s message %d", msg.Role, i),
					})
				}
			}
		}
	}
}

// checkToolResults verifies every tool_result pairs with a tool_use in the
// immediately preceding assistant message
func checkToolResults(history []message.Message, r *Result) {
	for i, msg := range history {
		if msg.Role != message.RoleUser {
			continue
		}
		for _, b := range msg.Content {
			res, ok := b.(message.ToolResult)
			if !ok {
				continue
			}
			if i == 0 {
				// First message: no preceding message at all. Both signals
				// are emitted so the repair engine has full information.
				r.Errors = append(r.Errors, Error{
					Kind:         KindMissingPrecedingMessage,
					MessageIndex: i,
					ToolID:       res.ToolUseID,
					Detail:       fmt.Sprintf("tool_result %q has no preceding message", res.ToolUseID),
				})
				r.Errors = append(r.Errors, Error{
					Kind:         KindOrphanedToolResult,
					MessageIndex: i,
					ToolID:       res.ToolUseID,
					Detail:       fmt.Sprintf("tool_result %q has no matching tool_use", res.ToolUseID),
				})
				r.OrphanedIDs = append(r.OrphanedIDs, res.ToolUseID)
				continue
			}
			if !usePrecedes(history, i, res.ToolUseID) {
				r.Errors = append(r.Errors, Error{
					Kind:         KindOrphanedToolResult,
					MessageIndex: i,
					ToolID:       res.ToolUseID,
					Detail:       fmt.Sprintf("tool_result %q has no matching tool_use in message %d", res.ToolUseID, i-1),
				})
				r.OrphanedIDs = append(r.OrphanedIDs, res.ToolUseID)
			}
		}
	}
}

// checkToolUses verifies every tool_use in a non-final assistant message has
// a matching tool_result in the immediately following user message
func checkToolUses(history []message.Message, r *Result) {
	last := PendingIndex(history)
	for i, msg := range history {
		if msg.Role != message.RoleAssistant || i == last {
			continue
		}
		for _, b := range msg.Content {
			use, ok := b.(message.ToolUse)
			if !ok {
				continue
			}
			if !resultFollows(history, i, use.ID) {
				r.Errors = append(r.Errors, Error{
					Kind:         KindIncompleteToolUse,
					MessageIndex: i,
					ToolID:       use.ID,
					Detail:       fmt.Sprintf("tool_use %q has no tool_result in message %d", use.ID, i+1),
				})
				r.IncompleteIDs = append(r.IncompleteIDs, use.ID)
			}
		}
	}
}

// checkDuplicateIDs flags every tool_use id already seen earlier in the
// history; the error references the second (and later) occurrence
func checkDuplicateIDs(history []message.Message, r *Result) {
	seen := make(map[string]int)
	for i, msg := range history {
		for _, b := range msg.Content {
			use, ok := b.(message.ToolUse)
			if !ok {
				continue
			}
			if first, dup := seen[use.ID]; dup {
				r.Errors = append(r.Errors, Error{
					Kind:         KindDuplicateToolID,
					MessageIndex: i,
					ToolID:       use.ID,
					Detail:       fmt.Sprintf("tool_use id %q in message %d duplicates message %d", use.ID, i, first),
				})
				continue
			}
			seen[use.ID] = i
		}
	}
}

// usePrecedes reports whether message i-1 is an assistant message carrying a
// tool_use with the given id
func usePrecedes(history []message.Message, i int, id string) bool {
	prev := history[i-1]
	if prev.Role != message.RoleAssistant {
		return false
	}
	for _, b := range prev.Content {
		if use, ok := b.(message.ToolUse); ok && use.ID == id {
			return true
		}
	}
	return false
}

// resultFollows reports whether message i+1 is a user message carrying a
// tool_result for the given tool_use id
func resultFollows(history []message.Message, i int, id string) bool {
	if i+1 >= len(history) {
		return false
	}
	next := history[i+1]
	if next.Role != message.RoleUser {
		return false
	}
	for _, b := range next.Content {
		if res, ok := b.(message.ToolResult); ok && res.ToolUseID == id {
			return true
		}
	}
	return false
}
