package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/agentd/pkg/control"
	"github.com/openfroyo/agentd/pkg/telemetry"
	"github.com/openfroyo/agentd/pkg/worker"
)

// EventsOrderOption and IncludeSortInfoOption are the option keys read by
// the ordering handler.
const (
	EventsOrderOption     = "events_order"
	IncludeSortInfoOption = "include_sort_info"
)

// EventSink stores an event an agent created and returns its handle.
type EventSink interface {
	CreateEvent(ctx context.Context, e *Event) (*Event, error)
}

// LogSink stores agent log entries.
type LogSink interface {
	AppendLog(ctx context.Context, entry *LogEntry) error
}

// Persister writes an agent record back after an invocation.
type Persister interface {
	SaveAgent(ctx context.Context, a *Agent) error
}

// Runtime resolves things a host needs from the engine.
type Runtime interface {
	ControlTargets(ctx context.Context, h *Host) ([]control.Target, error)
}

// Deps are the collaborators a host is built with. Nil members fall back
// to discarding implementations.
type Deps struct {
	Events    EventSink
	Logs      LogSink
	Persister Persister
	Runtime   Runtime
}

// Host is one agent bound to its type and to the sinks its invocations
// write through. An invocation runs with exclusive use of the host.
type Host struct {
	agent    *Agent
	entry    *registered
	registry *Registry
	logger   *telemetry.Logger
	runtime  Runtime

	mu        sync.RWMutex
	events    EventSink
	logs      LogSink
	persister Persister
	sandboxed bool
	current   *Event
}

// Agent returns the record the host operates on.
func (h *Host) Agent() *Agent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agent
}

func (h *Host) ID() int64    { return h.Agent().ID }
func (h *Host) Name() string { return h.Agent().Name }
func (h *Host) Type() string { return h.entry.desc.Type }

// Descriptor returns the registered type descriptor.
func (h *Host) Descriptor() Descriptor { return h.entry.desc }

// Logger returns the host's structured logger.
func (h *Host) Logger() *telemetry.Logger { return h.logger }

func (h *Host) CanBeScheduled() bool   { return h.entry.desc.CanBeScheduled() }
func (h *Host) CanReceiveEvents() bool { return h.entry.desc.CanReceiveEvents() }
func (h *Host) CanCreateEvents() bool  { return h.entry.desc.CanCreateEvents() }
func (h *Host) CanDryRun() bool        { return h.entry.desc.CanDryRun() }

// Options returns the agent options.
func (h *Host) Options() map[string]interface{} {
	return h.Agent().Options
}

// Option returns a single option value.
func (h *Host) Option(key string) (interface{}, bool) {
	v, ok := h.Agent().Options[key]
	return v, ok
}

// StringOption returns an option as a string, or def when unset.
func (h *Host) StringOption(key, def string) string {
	v, ok := h.Option(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// BoolOption interprets an option as a boolean. Strings such as "true" and
// "yes" count as true.
func (h *Host) BoolOption(key string) bool {
	v, ok := h.Option(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1", "on":
			return true
		}
	case int:
		return t != 0
	case float64:
		return t != 0
	}
	return false
}

// Memory returns the agent's working memory, creating it on first use.
func (h *Host) Memory() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agent.Memory == nil {
		h.agent.Memory = make(map[string]interface{})
	}
	return h.agent.Memory
}

// Sandboxed reports whether the host is inside a dry run.
func (h *Host) Sandboxed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sandboxed
}

// CurrentEvent returns the incoming event most recently handed to the
// receive logic, or nil.
func (h *Host) CurrentEvent() *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

func (h *Host) setCurrentEvent(e *Event) {
	h.mu.Lock()
	h.current = e
	h.mu.Unlock()
}

// WorkerID returns the worker identity for this agent. Without a config the
// agent's own options are used.
func (h *Host) WorkerID(config ...interface{}) string {
	if len(config) > 0 {
		return worker.ID(h.ID(), config[0])
	}
	return worker.ID(h.ID(), h.Options())
}

// Render renders a {{ }} template against vars.
func (h *Host) Render(template string, vars map[string]interface{}) (string, error) {
	return h.registry.renderer.Render(template, vars)
}

// ControlTargets returns the agents this agent controls.
func (h *Host) ControlTargets(ctx context.Context) ([]control.Target, error) {
	if h.runtime == nil {
		return nil, nil
	}
	return h.runtime.ControlTargets(ctx, h)
}

// CreateEvent emits an event with payload. The returned handle is durable
// unless the host is sandboxed or ordering is buffering the invocation.
func (h *Host) CreateEvent(ctx context.Context, payload map[string]interface{}) (*Event, error) {
	if !h.CanCreateEvents() {
		return nil, ErrCannotCreateEvents
	}
	e := &Event{
		AgentID:   h.ID(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return h.eventSink().CreateEvent(ctx, e)
}

// Log writes an info entry to the agent log.
func (h *Host) Log(ctx context.Context, msg string) { h.write(ctx, LogInfo, msg) }

// Warn writes a warning entry to the agent log.
func (h *Host) Warn(ctx context.Context, msg string) { h.write(ctx, LogWarn, msg) }

// Error writes an error entry to the agent log.
func (h *Host) Error(ctx context.Context, msg string) { h.write(ctx, LogError, msg) }

func (h *Host) write(ctx context.Context, level LogLevel, msg string) {
	switch level {
	case LogError:
		h.logger.Error(msg)
	case LogWarn:
		h.logger.Warn(msg)
	default:
		h.logger.Info(msg)
	}

	h.mu.RLock()
	sink := h.logs
	h.mu.RUnlock()

	entry := &LogEntry{
		AgentID:   h.ID(),
		Level:     level,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	}
	if err := sink.AppendLog(ctx, entry); err != nil {
		h.logger.WithError(err).Warn("Failed to store agent log entry")
	}
}

// Validate runs the configuration rules for this agent.
func (h *Host) Validate(ctx context.Context) error {
	return h.registry.Validate(ctx, h)
}

// Save validates the record and writes it through the persister.
func (h *Host) Save(ctx context.Context) error {
	if err := h.Validate(ctx); err != nil {
		return err
	}
	h.mu.RLock()
	p, a := h.persister, h.agent
	h.mu.RUnlock()
	a.UpdatedAt = time.Now().UTC()
	return p.SaveAgent(ctx, a)
}

// Check runs the type's check chain.
func (h *Host) Check(ctx context.Context) error {
	if h.entry.check == nil {
		return ErrCannotCheck
	}
	return h.entry.check(ctx, &Invocation{Host: h})
}

// Receive runs the type's receive chain over events.
func (h *Host) Receive(ctx context.Context, events ...*Event) error {
	if !h.CanReceiveEvents() {
		return ErrCannotReceiveEvents
	}
	return h.entry.receive(ctx, &Invocation{Host: h, Events: NewIncoming(events...)})
}

// Sandbox switches the host into sandbox mode: the record is replaced by a
// deep copy, logs and events go to the given sinks and saves only validate.
// The returned func restores the previous state.
func (h *Host) Sandbox(logs LogSink, events EventSink) (restore func()) {
	h.mu.Lock()
	prev := struct {
		agent     *Agent
		logs      LogSink
		events    EventSink
		persister Persister
		sandboxed bool
		current   *Event
	}{h.agent, h.logs, h.events, h.persister, h.sandboxed, h.current}

	h.agent = h.agent.Clone()
	h.logs = logs
	h.events = events
	h.persister = discard{}
	h.sandboxed = true
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.agent = prev.agent
		h.logs = prev.logs
		h.events = prev.events
		h.persister = prev.persister
		h.sandboxed = prev.sandboxed
		h.current = prev.current
	}
}

func (h *Host) eventSink() EventSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.events
}

// swapEvents replaces the event sink and returns a func restoring it.
func (h *Host) swapEvents(sink EventSink) func() {
	h.mu.Lock()
	prev := h.events
	h.events = sink
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		h.events = prev
		h.mu.Unlock()
	}
}

// discard drops everything written to it.
type discard struct{}

func (discard) CreateEvent(_ context.Context, e *Event) (*Event, error) { return e, nil }
func (discard) AppendLog(context.Context, *LogEntry) error              { return nil }
func (discard) SaveAgent(context.Context, *Agent) error                 { return nil }

// MemorySink captures events and log entries in memory. Captured events
// keep a zero ID.
type MemorySink struct {
	mu      sync.Mutex
	events  []*Event
	entries []*LogEntry
}

func (s *MemorySink) CreateEvent(_ context.Context, e *Event) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return e, nil
}

func (s *MemorySink) AppendLog(_ context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Events returns the captured events in creation order.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

// Entries returns the captured log entries in order.
func (s *MemorySink) Entries() []*LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LogEntry(nil), s.entries...)
}
