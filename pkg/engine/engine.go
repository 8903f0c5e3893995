package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/dryrun"
	"github.com/openfroyo/agentd/pkg/stores"
	"github.com/openfroyo/agentd/pkg/telemetry"
	"github.com/openfroyo/agentd/pkg/worker"
)

const (
	opCheck   = "check"
	opReceive = "receive"
	opRun     = "run"
	opDryRun  = "dry_run"
	opControl = "control"
)

// Options configures an Engine.
type Options struct {
	// Supervisor controls worker restart and stop behaviour.
	Supervisor worker.Config

	// Telemetry receives logs, metrics, spans and activities. Nil means no-op.
	Telemetry *telemetry.Telemetry
}

// Engine runs agents: it schedules cadence checks, invokes agents one at a
// time per agent, propagates the events they create to their receivers and
// keeps the worker supervisor in sync with the stored agents.
type Engine struct {
	store      stores.Store
	registry   *agent.Registry
	scheduler  *worker.Scheduler
	supervisor *worker.Supervisor
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	locks   map[int64]*semaphore.Weighted
	started bool
	stopped bool

	schedMu   sync.Mutex
	scheduled map[int64]string

	applyMu sync.Mutex
}

// New creates an engine over store and registry. The engine does nothing
// until Start is called.
func New(store stores.Store, registry *agent.Registry, opts Options) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if registry == nil {
		return nil, fmt.Errorf("engine requires an agent registry")
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}

	scheduler, err := worker.NewScheduler(tel.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("engine"),
		ctx:       tel.WithContext(ctx),
		cancel:    cancel,
		locks:     make(map[int64]*semaphore.Weighted),
		scheduled: make(map[int64]string),
	}
	e.supervisor = worker.NewSupervisor(e.workerDescriptors, scheduler, opts.Supervisor, tel)
	return e, nil
}

// Start schedules every eligible agent and starts the workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	e.scheduler.Start()
	if err := e.Reschedule(ctx); err != nil {
		return err
	}
	if err := e.supervisor.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	e.logger.Info("Engine started")
	return nil
}

// Stop stops the workers, then the scheduler, and waits for in-flight event
// deliveries until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	var errs []error
	if err := e.supervisor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop workers: %w", err))
	}
	e.cancel()
	if started {
		if err := e.scheduler.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for event deliveries: %w", ctx.Err()))
	}

	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}

// Check runs one check of the agent and propagates the events it created.
func (e *Engine) Check(ctx context.Context, id int64) error {
	return e.invoke(ctx, id, opCheck, nil)
}

// Receive delivers events to the agent and propagates the events it created.
func (e *Engine) Receive(ctx context.Context, id int64, events []*agent.Event) error {
	return e.invoke(ctx, id, opReceive, events)
}

// Run queues an asynchronous check of the agent and returns the run id.
func (e *Engine) Run(ctx context.Context, id int64) (string, error) {
	a, err := e.load(ctx, id, opRun)
	if err != nil {
		return "", err
	}
	desc, ok := e.registry.Lookup(a.Type)
	if !ok {
		return "", unknownType(a, opRun)
	}
	if !desc.CanBeScheduled() {
		return "", NewConflictError("agent cannot be run", nil).
			WithAgent(a.Name).WithOperation(opRun).WithCode(ErrCodeUnsupported)
	}
	if a.Disabled || !a.Active() {
		return "", unavailable(a, opRun)
	}

	runID := uuid.New().String()
	err = e.scheduler.Now("run:"+runID, func() {
		if err := e.Check(e.ctx, id); err != nil {
			e.logger.WithAgent(id, a.Name).WithField("run_id", runID).WithError(err).Debug("Queued run failed")
		}
	})
	if err != nil {
		return "", NewTransientError("failed to queue run", err).
			WithAgent(a.Name).WithOperation(opRun).WithCode(ErrCodeInternal)
	}
	return runID, nil
}

// DryRun runs one check, or one receive of payload when it is non-nil, in a
// sandbox. Control actions issued during a dry run are not applied.
func (e *Engine) DryRun(ctx context.Context, id int64, payload map[string]interface{}) (*dryrun.Result, error) {
	a, err := e.load(ctx, id, opDryRun)
	if err != nil {
		return nil, err
	}
	h, err := e.newHost(a, nil)
	if err != nil {
		return nil, unknownType(a, opDryRun)
	}

	var event *agent.Event
	if payload != nil {
		event = &agent.Event{Payload: payload, CreatedAt: time.Now().UTC()}
	}
	return dryrun.Run(e.tel.WithContext(ctx), h, event), nil
}

// SetDisabled enables or disables an agent and updates its schedule and
// workers accordingly.
func (e *Engine) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	if err := e.store.SetDisabled(ctx, id, disabled); err != nil {
		return storeError(err, fmt.Sprint(id), opControl)
	}
	return e.refresh(ctx)
}

// Workers returns a status snapshot of the supervised workers.
func (e *Engine) Workers() []worker.Status {
	return e.supervisor.Workers()
}

// Registry returns the agent type registry.
func (e *Engine) Registry() *agent.Registry {
	return e.registry
}

// Reschedule brings the cadence check jobs in line with the stored agents.
// Jobs of agents whose schedule is unchanged keep running untouched.
func (e *Engine) Reschedule(ctx context.Context) error {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return NewTransientError("failed to list agents", err).WithCode(ErrCodeInternal)
	}

	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	wanted := make(map[int64]string, len(agents))
	byID := make(map[int64]*agent.Agent, len(agents))
	for _, a := range agents {
		if spec, ok := e.schedulable(a); ok {
			wanted[a.ID] = spec
			byID[a.ID] = a
		}
	}

	for id, spec := range e.scheduled {
		if wanted[id] != spec {
			e.scheduler.RemoveTag(scheduleTag(id))
			delete(e.scheduled, id)
		}
	}

	for id, spec := range wanted {
		if _, ok := e.scheduled[id]; ok {
			continue
		}
		a := byID[id]
		if err := e.schedule(a, spec); err != nil {
			e.logger.WithAgent(a.ID, a.Name).WithError(err).Warn("Failed to schedule agent")
			continue
		}
		e.scheduled[id] = spec
	}
	return nil
}

// schedulable returns the agent's schedule when it should have a cadence job.
func (e *Engine) schedulable(a *agent.Agent) (string, bool) {
	if a.Disabled || !a.Active() {
		return "", false
	}
	desc, ok := e.registry.Lookup(a.Type)
	if !ok || !desc.CanBeScheduled() {
		return "", false
	}
	sched, err := agent.ParseSchedule(a.Schedule)
	if err != nil || sched.Kind == agent.ScheduleNever {
		return "", false
	}
	return a.Schedule, true
}

func (e *Engine) schedule(a *agent.Agent, spec string) error {
	sched, err := agent.ParseSchedule(spec)
	if err != nil {
		return err
	}
	id, name := a.ID, a.Name
	fn := func() {
		if err := e.Check(e.ctx, id); err != nil {
			e.logger.WithAgent(id, name).WithError(err).Debug("Scheduled check failed")
		}
	}

	switch sched.Kind {
	case agent.ScheduleEvery:
		return e.scheduler.Every(scheduleTag(id), sched.Interval, fn)
	case agent.ScheduleCron:
		return e.scheduler.Cron(scheduleTag(id), sched.Cron, fn)
	}
	return nil
}

func scheduleTag(id int64) string {
	return fmt.Sprintf("schedule:%d", id)
}

// refresh reschedules and, once started, resyncs the workers.
func (e *Engine) refresh(ctx context.Context) error {
	if err := e.Reschedule(ctx); err != nil {
		return err
	}
	if err := e.supervisor.Sync(ctx); err != nil && !errors.Is(err, worker.ErrNotStarted) {
		return NewTransientError("failed to sync workers", err).WithCode(ErrCodeInternal)
	}
	return nil
}

// invoke runs one check or receive with exclusive use of the agent.
func (e *Engine) invoke(ctx context.Context, id int64, op string, events []*agent.Event) error {
	release, err := e.acquire(ctx, id)
	if err != nil {
		return NewTransientError("gave up waiting for agent", err).
			WithOperation(op).WithCode(ErrCodeTimeout).WithDetail("agent_id", id)
	}
	defer release()

	a, err := e.load(ctx, id, op)
	if err != nil {
		return err
	}
	if a.Disabled || !a.Active() {
		return unavailable(a, op)
	}

	sink := &recordingSink{store: e.store}
	h, err := e.newHost(a, sink)
	if err != nil {
		return unknownType(a, op)
	}

	ctx, span := e.tel.Tracer.StartAgentSpan(e.tel.WithContext(ctx), "agent."+op, a.ID, a.Type)
	defer span.End()
	timer := telemetry.NewTimer()

	var runErr error
	if op == opCheck {
		runErr = h.Check(ctx)
	} else {
		runErr = h.Receive(ctx, events...)
	}

	created := sink.Events()
	for range created {
		e.tel.Metrics.RecordEventCreated(a.Type)
	}
	data := map[string]interface{}{"events_created": len(created)}

	if runErr != nil {
		h.Error(ctx, runErr.Error())
		telemetry.RecordError(span, runErr)
		e.tel.Metrics.RecordInvocation(a.Type, op, "failure", timer.Duration())
		e.tel.Metrics.RecordError(string(ErrorClassPermanent), ErrCodeAgentFailed)
		_ = e.tel.Events.PublishAgent(telemetry.ActivityAgentFailed, a.ID, telemetry.LevelError, runErr.Error(), data)
		e.propagate(a.ID, created)
		return NewPermanentError(op+" failed", runErr).
			WithAgent(a.Name).WithOperation(op).WithCode(ErrCodeAgentFailed)
	}

	rec := h.Agent()
	now := time.Now().UTC()
	if op == opCheck {
		rec.LastCheckAt = &now
	} else {
		rec.LastReceiveAt = &now
	}
	rec.UpdatedAt = now
	if err := e.store.SaveAgent(ctx, rec); err != nil {
		h.Logger().WithError(err).Error("Failed to save agent state")
	}

	telemetry.RecordSuccess(span)
	e.tel.Metrics.RecordInvocation(a.Type, op, "success", timer.Duration())
	activity := telemetry.ActivityAgentChecked
	if op == opReceive {
		activity = telemetry.ActivityAgentReceived
	}
	_ = e.tel.Events.PublishAgent(activity, a.ID, telemetry.LevelInfo, fmt.Sprintf("%s finished", op), data)

	e.propagate(a.ID, created)
	return nil
}

// propagate delivers durable events to every active, enabled receiver of
// source. Each receiver gets its own copy of the batch.
func (e *Engine) propagate(source int64, events []*agent.Event) {
	if len(events) == 0 {
		return
	}
	receivers, err := e.store.ListReceivers(e.ctx, source)
	if err != nil {
		e.logger.WithField("agent_id", source).WithError(err).Error("Failed to list receivers")
		return
	}

	for _, r := range receivers {
		if r.Disabled || !r.Active() {
			continue
		}
		if desc, ok := e.registry.Lookup(r.Type); !ok || !desc.CanReceiveEvents() {
			continue
		}

		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		e.wg.Add(1)
		e.mu.Unlock()

		id, name, batch := r.ID, r.Name, cloneEvents(events)
		go func() {
			defer e.wg.Done()
			if err := e.Receive(e.ctx, id, batch); err != nil {
				e.logger.WithAgent(id, name).WithError(err).Debug("Event delivery failed")
			}
		}()
	}
}

// workerDescriptors is the supervisor's factory: one descriptor per active,
// enabled agent whose type starts a worker for it.
func (e *Engine) workerDescriptors(ctx context.Context) ([]worker.Descriptor, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	var out []worker.Descriptor
	for _, a := range agents {
		if a.Disabled || !a.Active() {
			continue
		}
		desc, ok := e.registry.Lookup(a.Type)
		if !ok || desc.Worker == nil {
			continue
		}
		h, err := e.newHost(a, &propagatingSink{engine: e, agentType: a.Type})
		if err != nil {
			continue
		}
		hooks, start := desc.Worker(h)
		if !start {
			continue
		}
		out = append(out, worker.Descriptor{
			ID:        h.WorkerID(),
			AgentID:   a.ID,
			AgentName: a.Name,
			AgentType: a.Type,
			Owner:     h,
			Hooks:     hooks,
		})
	}
	return out, nil
}

func (e *Engine) newHost(a *agent.Agent, events agent.EventSink) (*agent.Host, error) {
	return e.registry.NewHost(a, agent.Deps{
		Events:    events,
		Logs:      e.store,
		Persister: e.store,
		Runtime:   e,
	})
}

// acquire takes the per-agent invocation lock.
func (e *Engine) acquire(ctx context.Context, id int64) (func(), error) {
	e.mu.Lock()
	lock, ok := e.locks[id]
	if !ok {
		lock = semaphore.NewWeighted(1)
		e.locks[id] = lock
	}
	e.mu.Unlock()

	if err := lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { lock.Release(1) }, nil
}

func (e *Engine) load(ctx context.Context, id int64, op string) (*agent.Agent, error) {
	a, err := e.store.GetAgent(ctx, id)
	if err != nil {
		return nil, storeError(err, fmt.Sprint(id), op)
	}
	return a, nil
}

// recordingSink stores events and remembers them for propagation once the
// invocation is over.
type recordingSink struct {
	store agent.EventSink

	mu     sync.Mutex
	events []*agent.Event
}

func (s *recordingSink) CreateEvent(ctx context.Context, e *agent.Event) (*agent.Event, error) {
	stored, err := s.store.CreateEvent(ctx, e)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.events = append(s.events, stored)
	s.mu.Unlock()
	return stored, nil
}

func (s *recordingSink) Events() []*agent.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*agent.Event(nil), s.events...)
}

// propagatingSink stores events created by workers and delivers each one
// right away.
type propagatingSink struct {
	engine    *Engine
	agentType string
}

func (s *propagatingSink) CreateEvent(ctx context.Context, e *agent.Event) (*agent.Event, error) {
	stored, err := s.engine.store.CreateEvent(ctx, e)
	if err != nil {
		return nil, err
	}
	s.engine.tel.Metrics.RecordEventCreated(s.agentType)
	s.engine.propagate(stored.AgentID, []*agent.Event{stored})
	return stored, nil
}

func cloneEvents(events []*agent.Event) []*agent.Event {
	out := make([]*agent.Event, len(events))
	for i, ev := range events {
		c := *ev
		c.Payload = agent.CopyMap(ev.Payload)
		out[i] = &c
	}
	return out
}

func storeError(err error, agentRef, op string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return NewPermanentError("agent not found", err).
			WithAgent(agentRef).WithOperation(op).WithCode(ErrCodeNotFound)
	}
	return NewTransientError("store operation failed", err).
		WithAgent(agentRef).WithOperation(op).WithCode(ErrCodeInternal)
}

func unavailable(a *agent.Agent, op string) error {
	return NewConflictError("agent is disabled or deactivated", nil).
		WithAgent(a.Name).WithOperation(op).WithCode(ErrCodeDisabled)
}

func unknownType(a *agent.Agent, op string) error {
	return NewPermanentError("unknown agent type", fmt.Errorf("%w: %s", agent.ErrUnknownType, a.Type)).
		WithAgent(a.Name).WithOperation(op).WithCode(ErrCodeValidation)
}
