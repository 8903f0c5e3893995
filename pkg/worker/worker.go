package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/agentd/pkg/telemetry"
)

var (
	// ErrInterrupted is returned (or wrapped) by a Run hook to request that
	// the worker be stopped rather than restarted.
	ErrInterrupted = errors.New("worker: interrupted")

	// ErrAbandoned is reported when a run loop ignored cancellation and did
	// not return within the force-stop timeout.
	ErrAbandoned = errors.New("worker: run loop abandoned after force-stop timeout")

	// ErrNotSetUp is returned by scheduling primitives used before Setup.
	ErrNotSetUp = errors.New("worker: not set up")
)

// Hooks is the capability contract of a worker. Run is required; Setup and
// Stop are optional and skipped when nil.
type Hooks struct {
	// Setup runs once before every Run, including after a restart.
	Setup func(ctx context.Context, w *Worker) error

	// Run is the long-lived run loop. It should only return when ctx is
	// cancelled or on failure.
	Run func(ctx context.Context, w *Worker) error

	// Stop asks the run loop to shut down gracefully. The run context is
	// cancelled after it returns either way.
	Stop func(ctx context.Context, w *Worker) error
}

// Owner receives the error log entries of a failing worker.
type Owner interface {
	Error(ctx context.Context, msg string)
}

// Descriptor describes one worker instance returned by a Factory.
type Descriptor struct {
	ID        string
	AgentID   int64
	AgentName string
	AgentType string
	Owner     Owner
	Hooks     Hooks
}

// Validate checks that a descriptor can be supervised.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("worker descriptor for agent %d has no id", d.AgentID)
	}
	if d.Hooks.Run == nil {
		return fmt.Errorf("worker %s has no Run hook", d.ID)
	}
	return nil
}

// Factory enumerates the workers that should currently exist.
type Factory func(ctx context.Context) ([]Descriptor, error)

// Status is a point-in-time view of a supervised worker.
type Status struct {
	ID         string    `json:"id"`
	AgentID    int64     `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	AgentType  string    `json:"agent_type"`
	Running    bool      `json:"running"`
	Restarting bool      `json:"restarting"`
	Restarts   int       `json:"restarts"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Worker is one supervised execution context.
type Worker struct {
	desc             Descriptor
	logger           *telemetry.Logger
	forceStopTimeout time.Duration

	mu        sync.Mutex
	scheduler *Scheduler
	mutex     *semaphore.Weighted
	cancel    context.CancelFunc
	exited    chan struct{}
	held      []io.Closer
	running   bool
	startedAt time.Time
	restarts  int
	lastError string

	restarting atomic.Bool
	halted     atomic.Bool
	halt       chan struct{}
}

func newWorker(desc Descriptor, logger *telemetry.Logger, forceStopTimeout time.Duration) *Worker {
	return &Worker{
		desc:             desc,
		logger:           logger,
		forceStopTimeout: forceStopTimeout,
		halt:             make(chan struct{}),
	}
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.desc.ID }

// AgentID returns the owning agent's id.
func (w *Worker) AgentID() int64 { return w.desc.AgentID }

// Restarting reports whether the worker is between stop and run of a restart.
func (w *Worker) Restarting() bool { return w.restarting.Load() }

// Halted returns a channel closed once the worker has been stopped for good.
func (w *Worker) Halted() <-chan struct{} { return w.halt }

// Setup binds the shared scheduler and cross-worker mutex and calls the
// Setup hook.
func (w *Worker) Setup(ctx context.Context, scheduler *Scheduler, mutex *semaphore.Weighted) error {
	w.mu.Lock()
	w.scheduler = scheduler
	w.mutex = mutex
	w.mu.Unlock()

	if w.desc.Hooks.Setup == nil {
		return nil
	}
	return contain("setup", func() error { return w.desc.Hooks.Setup(ctx, w) })
}

// Run executes the Run hook and blocks until it returns. Once ctx is
// cancelled the hook gets forceStopTimeout to return before it is abandoned.
// A worker stopped before Run is reached returns ErrInterrupted.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exited := make(chan struct{})
	result := make(chan error, 1)

	// Stop sets halted before teardown reads cancel, so checking and
	// publishing under one lock leaves no window for an uncancelled run.
	w.mu.Lock()
	if w.halted.Load() {
		w.mu.Unlock()
		return ErrInterrupted
	}
	w.cancel = cancel
	w.exited = exited
	w.running = true
	w.startedAt = time.Now()
	w.mu.Unlock()
	w.restarting.Store(false)

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	go func() {
		defer close(exited)
		result <- contain("run", func() error { return w.desc.Hooks.Run(runCtx, w) })
	}()

	select {
	case err := <-result:
		return err
	case <-runCtx.Done():
	}

	timer := time.NewTimer(w.forceStopTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		w.logger.Warnf("Run loop did not return within %s of cancellation; abandoning it", w.forceStopTimeout)
		return ErrAbandoned
	}
}

// Stop stops the worker for good. It is safe to call more than once.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.halted.CompareAndSwap(false, true) {
		return nil
	}
	close(w.halt)
	return w.teardown(ctx)
}

// Restart tears the worker down and sets it up again. The caller runs it
// afterwards; Restarting reports true until then.
func (w *Worker) Restart(ctx context.Context) error {
	w.restarting.Store(true)

	w.mu.Lock()
	w.restarts++
	scheduler, mutex := w.scheduler, w.mutex
	w.mu.Unlock()

	if err := w.teardown(ctx); err != nil {
		w.logger.WithError(err).Warn("Graceful stop failed during restart")
	}
	return w.Setup(ctx, scheduler, mutex)
}

// teardown removes tagged jobs, asks the run loop to stop, cancels it,
// releases held resources and waits for the loop to exit.
func (w *Worker) teardown(ctx context.Context) error {
	w.mu.Lock()
	scheduler := w.scheduler
	w.mu.Unlock()

	if scheduler != nil {
		scheduler.RemoveTag(w.ID())
	}

	var err error
	if w.desc.Hooks.Stop != nil {
		err = contain("stop", func() error { return w.desc.Hooks.Stop(ctx, w) })
	}

	w.mu.Lock()
	cancel, exited, held := w.cancel, w.exited, w.held
	w.held = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range held {
		if cerr := c.Close(); cerr != nil {
			w.logger.WithError(cerr).Debug("Failed to release held resource")
		}
	}

	if exited != nil {
		timer := time.NewTimer(w.forceStopTimeout)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			w.logger.Warnf("Run loop still busy %s after stop; abandoning it", w.forceStopTimeout)
		case <-ctx.Done():
		}
	}

	return err
}

// Every registers fn to run every d, tagged with this worker's id.
func (w *Worker) Every(d time.Duration, fn func()) error {
	s, err := w.boundScheduler()
	if err != nil {
		return err
	}
	return s.Every(w.ID(), d, fn)
}

// Cron registers fn on a cron expression, tagged with this worker's id.
func (w *Worker) Cron(expr string, fn func()) error {
	s, err := w.boundScheduler()
	if err != nil {
		return err
	}
	return s.Cron(w.ID(), expr, fn)
}

// ScheduleIn registers fn to run once after d, tagged with this worker's id.
func (w *Worker) ScheduleIn(d time.Duration, fn func()) error {
	s, err := w.boundScheduler()
	if err != nil {
		return err
	}
	return s.In(w.ID(), d, fn)
}

// Lock acquires the cross-worker mutex. The returned func releases it.
func (w *Worker) Lock(ctx context.Context) (func(), error) {
	w.mu.Lock()
	mutex := w.mutex
	w.mu.Unlock()
	if mutex == nil {
		return nil, ErrNotSetUp
	}
	if err := mutex.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { mutex.Release(1) }, nil
}

// Hold registers a pooled resource the run loop is using. Held resources
// are closed on stop, which also wakes a run loop blocked on them.
func (w *Worker) Hold(c io.Closer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.held = append(w.held, c)
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		ID:         w.desc.ID,
		AgentID:    w.desc.AgentID,
		AgentName:  w.desc.AgentName,
		AgentType:  w.desc.AgentType,
		Running:    w.running,
		Restarting: w.restarting.Load(),
		Restarts:   w.restarts,
		LastError:  w.lastError,
		StartedAt:  w.startedAt,
	}
}

func (w *Worker) recordFailure(err error) {
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()
}

func (w *Worker) boundScheduler() (*Scheduler, error) {
	if w.halted.Load() {
		return nil, ErrInterrupted
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler == nil {
		return nil, ErrNotSetUp
	}
	return w.scheduler, nil
}

// dropJobs removes jobs registered under this worker's id after teardown
// already ran, e.g. by a Setup hook that was in flight during Stop.
func (w *Worker) dropJobs() {
	w.mu.Lock()
	scheduler := w.scheduler
	w.mu.Unlock()
	if scheduler != nil {
		scheduler.RemoveTag(w.ID())
	}
}

// contain converts a panic inside a hook into an error.
func contain(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s hook panicked: %v", hook, r)
		}
	}()
	return fn()
}
