package agent

import (
	"time"
)

// Agent is the persisted record of one configured agent.
type Agent struct {
	ID               int64                  `json:"id"`
	Name             string                 `json:"name" validate:"required,max=255"`
	Type             string                 `json:"type" validate:"required"`
	Options          map[string]interface{} `json:"options"`
	Memory           map[string]interface{} `json:"memory"`
	Schedule         string                 `json:"schedule"`
	Disabled         bool                   `json:"disabled"`
	Deactivated      bool                   `json:"deactivated"`
	SourceIDs        []int64                `json:"source_ids,omitempty"`
	ControlTargetIDs []int64                `json:"control_target_ids,omitempty"`
	LastCheckAt      *time.Time             `json:"last_check_at,omitempty"`
	LastReceiveAt    *time.Time             `json:"last_receive_at,omitempty"`
	LastEventAt      *time.Time             `json:"last_event_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Active reports whether the agent has not been deactivated.
func (a *Agent) Active() bool {
	return !a.Deactivated
}

// Clone returns a deep copy of the record. Options and memory are copied
// recursively so mutating the clone never reaches the original.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Options = CopyMap(a.Options)
	c.Memory = CopyMap(a.Memory)
	c.SourceIDs = append([]int64(nil), a.SourceIDs...)
	c.ControlTargetIDs = append([]int64(nil), a.ControlTargetIDs...)
	c.LastCheckAt = copyTime(a.LastCheckAt)
	c.LastReceiveAt = copyTime(a.LastReceiveAt)
	c.LastEventAt = copyTime(a.LastEventAt)
	return &c
}

// Event is a payload emitted by an agent. An event with a zero ID is a
// transient handle that was never stored.
type Event struct {
	ID        int64                  `json:"id"`
	AgentID   int64                  `json:"agent_id"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// Durable reports whether the event has been stored.
func (e *Event) Durable() bool {
	return e != nil && e.ID != 0
}

// LogLevel is the severity of an agent log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of an agent's user-visible log.
type LogEntry struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// CopyMap deep-copies a JSON-like map.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
