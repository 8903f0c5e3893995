package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/openfroyo/agentd/pkg/telemetry"
)

// ErrNotStarted is returned by Sync before Start.
var ErrNotStarted = errors.New("worker: supervisor not started")

// Config controls restart and stop behaviour.
type Config struct {
	// ForceStopTimeout bounds how long a stop waits for a run loop that
	// ignores cancellation.
	ForceStopTimeout time.Duration `mapstructure:"force_stop_timeout" validate:"gt=0"`

	// RestartInterval is the sustained minimum spacing between restarts of
	// one worker. Zero disables throttling.
	RestartInterval time.Duration `mapstructure:"restart_interval" validate:"gte=0"`

	// RestartBurst is the number of restarts allowed back to back.
	RestartBurst int `mapstructure:"restart_burst" validate:"gte=1"`

	// MaxConsecutiveFailures opens a circuit breaker after that many failed
	// runs in a row. Zero restarts forever.
	MaxConsecutiveFailures uint32 `mapstructure:"max_consecutive_failures"`

	// Cooldown is how long an open breaker holds restarts.
	Cooldown time.Duration `mapstructure:"cooldown" validate:"gte=0"`
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		ForceStopTimeout:       5 * time.Second,
		RestartInterval:        time.Second,
		RestartBurst:           3,
		MaxConsecutiveFailures: 0,
		Cooldown:               30 * time.Second,
	}
}

// Supervisor keeps exactly one live worker per identity returned by its
// factory, restarting workers that fail.
type Supervisor struct {
	factory   Factory
	scheduler *Scheduler
	mutex     *semaphore.Weighted
	config    Config
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*supervised
	wg      sync.WaitGroup
}

type supervised struct {
	w       *Worker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	done    chan struct{}
}

// NewSupervisor creates a supervisor. Every worker shares scheduler and a
// single cross-worker mutex.
func NewSupervisor(factory Factory, scheduler *Scheduler, cfg Config, tel *telemetry.Telemetry) *Supervisor {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if cfg.ForceStopTimeout <= 0 {
		cfg.ForceStopTimeout = DefaultConfig().ForceStopTimeout
	}
	if cfg.RestartBurst < 1 {
		cfg.RestartBurst = 1
	}
	return &Supervisor{
		factory:   factory,
		scheduler: scheduler,
		mutex:     semaphore.NewWeighted(1),
		config:    cfg,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("supervisor"),
		workers:   make(map[string]*supervised),
	}
}

// Start starts a worker for every descriptor the factory returns. Workers
// run until Stop is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	return s.Sync(ctx)
}

// Sync re-runs the factory. New identities are started, identities that
// disappeared are stopped, and workers whose supervision ended are started
// again unless they are in the middle of a restart.
func (s *Supervisor) Sync(ctx context.Context) error {
	descs, err := s.factory(ctx)
	if err != nil {
		return fmt.Errorf("worker factory failed: %w", err)
	}

	wanted := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			s.logger.WithError(err).Error("Skipping invalid worker descriptor")
			continue
		}
		wanted[d.ID] = d
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	var stale []*supervised
	for id, sv := range s.workers {
		if _, ok := wanted[id]; !ok {
			stale = append(stale, sv)
			delete(s.workers, id)
			continue
		}
		select {
		case <-sv.done:
			if !sv.w.Restarting() {
				delete(s.workers, id)
			}
		default:
		}
	}
	for id, d := range wanted {
		if _, ok := s.workers[id]; !ok {
			s.workers[id] = s.spawn(d)
		}
	}
	s.mu.Unlock()

	for _, sv := range stale {
		s.logger.WithWorkerID(sv.w.ID()).Info("Stopping worker whose configuration is gone")
		if err := sv.w.Stop(ctx); err != nil {
			s.logger.WithWorkerID(sv.w.ID()).WithError(err).Warn("Graceful stop failed")
		}
		select {
		case <-sv.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop stops every worker and waits for their supervision to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]*supervised, 0, len(s.workers))
	for _, sv := range s.workers {
		workers = append(workers, sv)
	}
	s.workers = make(map[string]*supervised)
	cancel := s.cancel
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sv := range workers {
		g.Go(func() error {
			return sv.w.Stop(gctx)
		})
	}
	err := g.Wait()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Workers returns a status snapshot of every supervised worker, ordered by id.
func (s *Supervisor) Workers() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.workers))
	for _, sv := range s.workers {
		out = append(out, sv.w.Status())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// spawn starts supervising a new worker. Callers hold s.mu.
func (s *Supervisor) spawn(d Descriptor) *supervised {
	logger := s.logger.WithAgent(d.AgentID, d.AgentName).WithWorkerID(d.ID)
	sv := &supervised{
		w:       newWorker(d, logger, s.config.ForceStopTimeout),
		limiter: rate.NewLimiter(rate.Inf, s.config.RestartBurst),
		done:    make(chan struct{}),
	}
	if s.config.RestartInterval > 0 {
		sv.limiter = rate.NewLimiter(rate.Every(s.config.RestartInterval), s.config.RestartBurst)
	}
	if s.config.MaxConsecutiveFailures > 0 {
		maxFailures := s.config.MaxConsecutiveFailures
		sv.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        d.ID,
			MaxRequests: 1,
			Timeout:     s.config.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Infof("Restart breaker %s -> %s", from, to)
			},
		})
	}

	s.wg.Add(1)
	go s.supervise(s.ctx, sv, logger)
	return sv
}

// supervise owns one worker: setup, run, and on failure log, throttle and
// restart, until the worker is stopped or interrupted.
func (s *Supervisor) supervise(ctx context.Context, sv *supervised, logger *telemetry.Logger) {
	defer s.wg.Done()
	defer close(sv.done)

	w := sv.w
	d := w.desc

	shutdown := func() {
		if w.halted.Load() {
			return
		}
		logger.Info("Worker interrupted; stopping")
		stopCtx, cancel := context.WithTimeout(context.Background(), s.config.ForceStopTimeout)
		defer cancel()
		if err := w.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("Graceful stop failed")
		}
		_ = s.tel.Events.PublishWorker(telemetry.ActivityWorkerStopped, d.ID, d.AgentID, telemetry.LevelInfo, "worker stopped")
	}

	err := w.Setup(ctx, s.scheduler, s.mutex)
	for {
		if w.halted.Load() {
			w.dropJobs()
			return
		}
		if err == nil {
			err = s.runOnce(ctx, sv, logger)
		}

		if w.halted.Load() {
			w.dropJobs()
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrInterrupted) {
			shutdown()
			return
		}

		if err == nil {
			logger.Warn("Run loop returned without an error; restarting")
		} else {
			w.recordFailure(err)
			if d.Owner != nil {
				d.Owner.Error(ctx, err.Error())
			}
			logger.WithError(err).Error("Worker failed; restarting")
			s.tel.Metrics.RecordWorkerError(d.AgentType)
			_ = s.tel.Events.PublishWorker(telemetry.ActivityWorkerFailed, d.ID, d.AgentID, telemetry.LevelError, err.Error())
		}

		if !s.throttle(ctx, sv) {
			shutdown()
			return
		}

		s.tel.Metrics.RecordWorkerRestart(d.AgentType)
		_ = s.tel.Events.PublishWorker(telemetry.ActivityWorkerRestarted, d.ID, d.AgentID, telemetry.LevelInfo, "worker restarted")
		err = w.Restart(ctx)
	}
}

// runOnce runs the worker, through the breaker when one is configured. An
// open breaker holds the run until the cooldown elapses.
func (s *Supervisor) runOnce(ctx context.Context, sv *supervised, logger *telemetry.Logger) error {
	run := func() error {
		d := sv.w.desc
		spanCtx, span := s.tel.Tracer.StartWorkerSpan(ctx, d.ID, d.AgentID)
		defer span.End()

		s.tel.Metrics.RecordWorkerRun(d.AgentType)
		defer s.tel.Metrics.RecordWorkerExit()
		_ = s.tel.Events.PublishWorker(telemetry.ActivityWorkerStarted, d.ID, d.AgentID, telemetry.LevelInfo, "worker started")

		err := sv.w.Run(spanCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			telemetry.RecordError(span, err)
		}
		return err
	}

	if sv.breaker == nil {
		return run()
	}

	for {
		_, err := sv.breaker.Execute(func() (interface{}, error) {
			return nil, run()
		})
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		logger.Warnf("Restart breaker open; holding worker for %s", s.config.Cooldown)
		if !s.wait(ctx, sv, s.config.Cooldown) {
			return ctx.Err()
		}
	}
}

// throttle waits for the restart limiter. It reports false when the worker
// was stopped or the supervisor cancelled while waiting.
func (s *Supervisor) throttle(ctx context.Context, sv *supervised) bool {
	r := sv.limiter.Reserve()
	if !r.OK() {
		return true
	}
	if !s.wait(ctx, sv, r.Delay()) {
		r.Cancel()
		return false
	}
	return true
}

func (s *Supervisor) wait(ctx context.Context, sv *supervised, d time.Duration) bool {
	if d <= 0 {
		return !sv.w.halted.Load() && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-sv.w.Halted():
		return false
	case <-ctx.Done():
		return false
	}
}
