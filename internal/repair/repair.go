// internal/repair/repair.go
package repair

import (
	"fmt"

	"convowal/internal/message"
	"convowal/internal/validate"
)

// Action identifies one category of structural fix
type Action string

const (
	ActionRemoveOrphan       Action = "remove_orphan"
	ActionRemoveIncomplete   Action = "remove_incomplete"
	ActionRemoveDuplicateID  Action = "remove_duplicate_id"
	ActionRemoveEmptyMessage Action = "remove_empty_message"
)

// Step records one applied fix. Steps are descriptions, not closures:
// the same list is valid as an audit trail after the fact.
type Step struct {
	Action       Action `json:"action"`
	MessageIndex int    `json:"message_index"`
	ToolID       string `json:"tool_id,omitempty"`
}

// Result summarizes a repair run
type Result struct {
	Steps          []Step `json:"steps"`
	MessagesBefore int    `json:"messages_before"`
	MessagesAfter  int    `json:"messages_after"`
}

func (r Result) String() string {
	return fmt.Sprintf("%d fixes, %d -> %d messages", len(r.Steps), r.MessagesBefore, r.MessagesAfter)
}

// Apply fixes a message history in place and returns the corrected slice
// with a summary of what was removed. The passes run in fixed order:
// orphaned tool_results, incomplete tool_uses, duplicate tool_use ids,
// then messages left empty. One pass per category is sufficient: removals
// only shrink the defect set, and the duplicate pass drops an answered
// duplicate's tool_result along with the tool_use, so no pass reintroduces
// a defect that an earlier pass fixes.
func Apply(history []message.Message) ([]message.Message, Result) {
	res := Result{MessagesBefore: len(history)}

	history = removeOrphans(history, &res)
	history = removeIncomplete(history, &res)
	history = removeDuplicates(history, &res)
	history = removeEmpty(history, &res)

	res.MessagesAfter = len(history)
	return history, res
}

// ApplyCopy runs the same algorithm over a deep copy, leaving the original
// untouched. Use it for preview and audit.
func ApplyCopy(history []message.Message) ([]message.Message, Result) {
	return Apply(message.Clone(history))
}

// removeOrphans drops tool_result blocks with no matching tool_use in the
// immediately preceding assistant message. Messages are scanned newest to
// oldest so removals never shift the indices still to be visited.
func removeOrphans(history []message.Message, res *Result) []message.Message {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != message.RoleUser {
			continue
		}
		kept := msg.Content[:0]
		for _, b := range msg.Content {
			tr, ok := b.(message.ToolResult)
			if ok && !hasPrecedingUse(history, i, tr.ToolUseID) {
				res.Steps = append(res.Steps, Step{Action: ActionRemoveOrphan, MessageIndex: i, ToolID: tr.ToolUseID})
				continue
			}
			kept = append(kept, b)
		}
		history[i].Content = kept
	}
	return history
}

// removeIncomplete drops tool_use blocks with no matching tool_result in
// the following user message. The final message is skipped: a pending call
// there is legitimate.
func removeIncomplete(history []message.Message, res *Result) []message.Message {
	last := validate.PendingIndex(history)
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != message.RoleAssistant || i == last {
			continue
		}
		kept := msg.Content[:0]
		for _, b := range msg.Content {
			tu, ok := b.(message.ToolUse)
			if ok && !hasFollowingResult(history, i, tu.ID) {
				res.Steps = append(res.Steps, Step{Action: ActionRemoveIncomplete, MessageIndex: i, ToolID: tu.ID})
				continue
			}
			kept = append(kept, b)
		}
		history[i].Content = kept
	}
	return history
}

// removeDuplicates drops every tool_use whose id was already used earlier
// in the history, keeping the first occurrence. When the dropped tool_use
// was answered, its tool_result in the following user message is dropped
// with it; the orphan pass has already run and would not see it.
func removeDuplicates(history []message.Message, res *Result) []message.Message {
	seen := make(map[string]struct{})
	for i := range history {
		dropped := make(map[string]struct{})
		kept := history[i].Content[:0]
		for _, b := range history[i].Content {
			if tu, ok := b.(message.ToolUse); ok {
				if _, dup := seen[tu.ID]; dup {
					res.Steps = append(res.Steps, Step{Action: ActionRemoveDuplicateID, MessageIndex: i, ToolID: tu.ID})
					dropped[tu.ID] = struct{}{}
					continue
				}
				seen[tu.ID] = struct{}{}
			}
			kept = append(kept, b)
		}
		history[i].Content = kept

		if len(dropped) == 0 || i+1 >= len(history) || history[i+1].Role != message.RoleUser {
			continue
		}
		next := history[i+1].Content[:0]
		for _, b := range history[i+1].Content {
			if tr, ok := b.(message.ToolResult); ok {
				if _, gone := dropped[tr.ToolUseID]; gone {
					res.Steps = append(res.Steps, Step{Action: ActionRemoveOrphan, MessageIndex: i + 1, ToolID: tr.ToolUseID})
					continue
				}
			}
			next = append(next, b)
		}
		history[i+1].Content = next
	}
	return history
}

// removeEmpty drops messages whose content was emptied by earlier passes
// (or was empty to begin with)
func removeEmpty(history []message.Message, res *Result) []message.Message {
	kept := history[:0]
	for i, msg := range history {
		if msg.IsEmpty() {
			res.Steps = append(res.Steps, Step{Action: ActionRemoveEmptyMessage, MessageIndex: i})
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

func hasPrecedingUse(history []message.Message, i int, id string) bool {
	if i == 0 {
		return false
	}
	prev := history[i-1]
	if prev.Role != message.RoleAssistant {
		return false
	}
	for _, b := range prev.Content {
		if tu, ok := b.(message.ToolUse); ok && tu.ID == id {
			return true
		}
	}
	return false
}

func hasFollowingResult(history []message.Message, i int, id string) bool {
	if i+1 >= len(history) {
		return false
	}
	next := history[i+1]
	if next.Role != message.RoleUser {
		return false
	}
	for _, b := range next.Content {
		if tr, ok := b.(message.ToolResult); ok && tr.ToolUseID == id {
			return true
		}
	}
	return false
}
