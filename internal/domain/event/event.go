package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events for filtering and backpressure decisions.
// Gaps between values leave room for intermediate levels later.
type Priority int32

const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 20
	PriorityHigh     Priority = 30
	PriorityCritical Priority = 40
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int32(p))
	}
}

// ParsePriority maps a wire-level name back to a Priority. Unknown names
// default to PriorityNormal so external producers cannot break intake.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Correlation carries the identities an event relates to. Empty fields mean
// "not scoped to that identity"; filters treat them as wildcards.
type Correlation struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// Field returns the named correlation component. Unknown names return "".
func (c Correlation) Field(name string) string {
	switch name {
	case "user_id":
		return c.UserID
	case "session_id":
		return c.SessionID
	case "agent_id":
		return c.AgentID
	case "task_id":
		return c.TaskID
	default:
		return ""
	}
}

// Event is the immutable envelope broadcast to subscriptions. Once submitted
// it must not be mutated; all transports share the same instance.
type Event struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Payload     any         `json:"payload,omitempty"`
	Priority    Priority    `json:"priority"`
	OccurredAt  int64       `json:"occurred_at"`
	Correlation Correlation `json:"correlation"`
	ExpiresAt   int64       `json:"expires_at,omitempty"`
}

// New builds an event envelope. ttl <= 0 means the event never expires.
func New(typ string, payload any, prio Priority, corr Correlation, ttl time.Duration) *Event {
	now := time.Now()
	ev := &Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Payload:     payload,
		Priority:    prio,
		OccurredAt:  now.UnixMilli(),
		Correlation: corr,
	}
	if ttl > 0 {
		ev.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return ev
}

// Expired reports whether the event's TTL elapsed before now.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() > e.ExpiresAt
}
