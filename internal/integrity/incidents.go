// internal/integrity/incidents.go
package integrity

import (
	"sync"
	"time"
)

// IncidentType classifies an integrity event
type IncidentType string

const (
	IncidentCheckpointCreated   IncidentType = "checkpoint_created"
	IncidentCheckpointCommitted IncidentType = "checkpoint_committed"
	IncidentRolledBack          IncidentType = "rolled_back"
	IncidentRepaired            IncidentType = "repaired"
	IncidentValidationFailed    IncidentType = "validation_failed"
	IncidentEscalated           IncidentType = "escalated"
	IncidentSessionReset        IncidentType = "session_reset"
)

// Incident is one observability record. The log has no correctness role;
// losing entries past capacity is fine.
type Incident struct {
	Type      IncidentType      `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	SessionID string            `json:"session_id"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// incidentLog is a bounded ring buffer; writes past capacity evict the
// oldest entry
type incidentLog struct {
	mu      sync.Mutex
	entries []Incident
	start   int
	count   int
}

func newIncidentLog(capacity int) *incidentLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &incidentLog{entries: make([]Incident, capacity)}
}

func (l *incidentLog) add(inc Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.start + l.count) % len(l.entries)
	l.entries[idx] = inc
	if l.count < len(l.entries) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.entries)
	}
}

// snapshot returns the retained incidents, oldest first
func (l *incidentLog) snapshot() []Incident {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Incident, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}
