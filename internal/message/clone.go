// internal/message/clone.go
package message

// Clone returns a deep copy of a message history. Tool inputs are copied
// recursively so mutations of the copy never reach the original.
func Clone(history []Message) []Message {
	if history == nil {
		return nil
	}
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = CloneMessage(m)
	}
	return out
}

// CloneMessage returns a deep copy of a single message
func CloneMessage(m Message) Message {
	c := Message{Role: m.Role}
	if m.Content != nil {
		c.Content = make([]Block, len(m.Content))
		for i, b := range m.Content {
			if tu, ok := b.(ToolUse); ok {
				tu.Input = cloneMap(tu.Input)
				c.Content[i] = tu
				continue
			}
			// Text and ToolResult are value types with no reference fields
			c.Content[i] = b
		}
	}
	return c
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}
