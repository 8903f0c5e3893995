package stores

import (
	"context"
	"errors"

	"github.com/openfroyo/agentd/pkg/agent"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Agent operations
	CreateAgent(ctx context.Context, a *agent.Agent) error
	GetAgent(ctx context.Context, id int64) (*agent.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]*agent.Agent, error)
	UpdateAgent(ctx context.Context, a *agent.Agent) error
	SaveAgent(ctx context.Context, a *agent.Agent) error
	SetDisabled(ctx context.Context, id int64, disabled bool) error
	DeleteAgent(ctx context.Context, id int64) error

	// Link operations
	SetSources(ctx context.Context, receiverID int64, sourceIDs []int64) error
	SetControlTargets(ctx context.Context, controllerID int64, targetIDs []int64) error
	ListReceivers(ctx context.Context, sourceID int64) ([]*agent.Agent, error)

	// Event operations
	CreateEvent(ctx context.Context, e *agent.Event) (*agent.Event, error)
	ListEvents(ctx context.Context, agentID int64, limit, offset int) ([]*agent.Event, error)

	// Agent log operations
	AppendLog(ctx context.Context, entry *agent.LogEntry) error
	ListLogs(ctx context.Context, agentID int64, level *agent.LogLevel, limit, offset int) ([]*agent.LogEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
