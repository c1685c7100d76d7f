// internal/message/message.go
package message

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block union on the wire
type BlockType string

const (
	TypeText       BlockType = "text"
	TypeToolUse    BlockType = "tool_use"
	TypeToolResult BlockType = "tool_result"
)

// Block is one content block inside a message. The union is closed:
// Text, ToolUse and ToolResult are the only implementations.
type Block interface {
	BlockType() BlockType
}

// Text is a plain text content block
type Text struct {
	Text string `json:"text"`
}

// ToolUse is an assistant request to invoke a tool
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult carries the output of a tool invocation back to the API
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (Text) BlockType() BlockType       { return TypeText }
func (ToolUse) BlockType() BlockType    { return TypeToolUse }
func (ToolResult) BlockType() BlockType { return TypeToolResult }

// Message is a single conversational turn
type Message struct {
	Role    Role
	Content []Block
}

// UserText builds a user message with a single text block
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []Block{Text{Text: text}}}
}

// AssistantText builds an assistant message with a single text block
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []Block{Text{Text: text}}}
}

// IsEmpty reports whether the message carries no content blocks
func (m Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// TextOnly reports whether every block in the message is a text block
func (m Message) TextOnly() bool {
	for _, b := range m.Content {
		if b.BlockType() != TypeText {
			return false
		}
	}
	return len(m.Content) > 0
}

// wireBlock is the type-discriminated envelope used on the wire
type wireBlock struct {
	Type      BlockType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    Role        `json:"role"`
	Content []wireBlock `json:"content"`
}

// MarshalJSON encodes the message in the type-keyed wire format
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{Role: m.Role, Content: make([]wireBlock, 0, len(m.Content))}
	for _, b := range m.Content {
		switch blk := b.(type) {
		case Text:
			w.Content = append(w.Content, wireBlock{Type: TypeText, Text: blk.Text})
		case ToolUse:
			w.Content = append(w.Content, wireBlock{Type: TypeToolUse, ID: blk.ID, Name: blk.Name, Input: blk.Input})
		case ToolResult:
			w.Content = append(w.Content, wireBlock{Type: TypeToolResult, ToolUseID: blk.ToolUseID, Content: blk.Content, IsError: blk.IsError})
		default:
			return nil, fmt.Errorf("unknown block type %T", b)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format, rejecting unknown roles and block types
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Role != RoleUser && w.Role != RoleAssistant {
		return fmt.Errorf("invalid role %q", w.Role)
	}

	m.Role = w.Role
	m.Content = make([]Block, 0, len(w.Content))
	for i, b := range w.Content {
		switch b.Type {
		case TypeText:
			m.Content = append(m.Content, Text{Text: b.Text})
		case TypeToolUse:
			m.Content = append(m.Content, ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
		case TypeToolResult:
			m.Content = append(m.Content, ToolResult{ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
		default:
			return fmt.Errorf("block %d: invalid type %q", i, b.Type)
		}
	}
	return nil
}
