package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Activity is a runtime notification about agents and workers. It is not an
// agent event: activities are never persisted and never delivered to agents.
type Activity struct {
	// ID is the unique identifier for this activity.
	ID string `json:"id"`

	// Timestamp is when the activity occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the activity type.
	Type string `json:"type"`

	// Source identifies where the activity originated.
	Source string `json:"source"`

	// AgentID is the associated agent, if any.
	AgentID int64 `json:"agent_id,omitempty"`

	// WorkerID is the associated worker, if any.
	WorkerID string `json:"worker_id,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Level is the severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional activity-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Activity types.
const (
	ActivityAgentChecked    = "agent.checked"
	ActivityAgentReceived   = "agent.received"
	ActivityAgentFailed     = "agent.failed"
	ActivityAgentControlled = "agent.controlled"
	ActivityWorkerStarted   = "worker.started"
	ActivityWorkerFailed    = "worker.failed"
	ActivityWorkerRestarted = "worker.restarted"
	ActivityWorkerStopped   = "worker.stopped"
	ActivityDefinitions     = "definitions.applied"
)

// Activity levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// ActivitySubscriber handles published activities.
type ActivitySubscriber func(activity Activity)

// ActivityFilter determines if an activity should be delivered.
type ActivityFilter func(activity Activity) bool

// EventPublisher fans runtime activities out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Activity
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber ActivitySubscriber
	filter     ActivityFilter
}

// NewEventPublisher creates a new publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Activity, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processActivities()
	}

	return ep, nil
}

// Publish publishes an activity to all subscribers. A nil publisher drops it.
func (ep *EventPublisher) Publish(activity Activity) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if activity.ID == "" {
		activity.ID = uuid.New().String()
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- activity:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("activity buffer full, activity dropped")
		}
	}

	ep.deliver(activity)
	return nil
}

// PublishWorker publishes a worker lifecycle activity.
func (ep *EventPublisher) PublishWorker(typ, workerID string, agentID int64, level, message string) error {
	return ep.Publish(Activity{
		Type:     typ,
		Source:   "supervisor",
		AgentID:  agentID,
		WorkerID: workerID,
		Message:  message,
		Level:    level,
	})
}

// PublishAgent publishes an agent invocation activity.
func (ep *EventPublisher) PublishAgent(typ string, agentID int64, level, message string, data map[string]interface{}) error {
	return ep.Publish(Activity{
		Type:    typ,
		Source:  "engine",
		AgentID: agentID,
		Message: message,
		Level:   level,
		Data:    data,
	})
}

// Subscribe adds a new subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber ActivitySubscriber, filter ActivityFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processActivities drains the buffer asynchronously.
func (ep *EventPublisher) processActivities() {
	defer ep.wg.Done()

	batch := make([]Activity, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, a := range batch {
			ep.deliver(a)
		}
		batch = batch[:0]
	}

	for {
		select {
		case a := <-ep.buffer:
			batch = append(batch, a)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}
		case <-ep.ctx.Done():
			for {
				select {
				case a := <-ep.buffer:
					batch = append(batch, a)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver hands an activity to every matching subscriber, in order.
func (ep *EventPublisher) deliver(activity Activity) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(activity) {
			continue
		}
		entry.subscriber(activity)
	}
}

// Shutdown flushes buffered activities and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows activities of a level or higher.
func FilterByLevel(minLevel string) ActivityFilter {
	levels := map[string]int{
		LevelInfo:    0,
		LevelWarning: 1,
		LevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(activity Activity) bool {
		return levels[activity.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows activities of specific types.
func FilterByType(types ...string) ActivityFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(activity Activity) bool {
		return typeSet[activity.Type]
	}
}

// FilterByAgentID creates a filter that only allows activities for one agent.
func FilterByAgentID(agentID int64) ActivityFilter {
	return func(activity Activity) bool {
		return activity.AgentID == agentID
	}
}
