// internal/integrity/session.go
package integrity

import (
	"context"
	"sync"

	"convowal/internal/message"
)

// SessionAdapter is the host-provided view of one conversation. The
// controller never owns durable message storage: it reads, truncates and
// appends through this interface and calls Persist after any mutation.
type SessionAdapter interface {
	// SessionID identifies the conversation.
	SessionID() string
	// Messages returns the current history. Callers must not mutate the
	// returned slice; use Append, Truncate or Replace.
	Messages() []message.Message
	// Append adds messages to the end of the history.
	Append(msgs ...message.Message)
	// Truncate drops every message at or past index.
	Truncate(index int)
	// Replace swaps the full history.
	Replace(msgs []message.Message)
	// Persist blocks until the history is durable.
	Persist(ctx context.Context) error
	// Archive saves a copy of the history out of band and returns its path.
	Archive(ctx context.Context) (string, error)
}

// ToolOutput is what a tool invocation produced
type ToolOutput struct {
	Content string
	IsError bool
}

// ToolExecutor runs one tool invocation. It is supplied per call; an error
// return triggers rollback of the surrounding tool cycle.
type ToolExecutor func(ctx context.Context, name string, input map[string]any) (ToolOutput, error)

// MemorySession is an in-memory SessionAdapter for tests and tooling.
// Persist and Archive are no-ops; it provides no durability.
type MemorySession struct {
	id   string
	mu   sync.Mutex
	msgs []message.Message
}

// NewMemorySession creates a MemorySession seeded with the given history
func NewMemorySession(id string, msgs []message.Message) *MemorySession {
	return &MemorySession{id: id, msgs: msgs}
}

func (s *MemorySession) SessionID() string { return s.id }

func (s *MemorySession) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs
}

func (s *MemorySession) Append(msgs ...message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msgs...)
}

func (s *MemorySession) Truncate(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index < len(s.msgs) {
		s.msgs = s.msgs[:index]
	}
}

func (s *MemorySession) Replace(msgs []message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = msgs
}

func (s *MemorySession) Persist(ctx context.Context) error { return nil }

func (s *MemorySession) Archive(ctx context.Context) (string, error) { return "", nil }
