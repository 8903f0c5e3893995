package worker

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/openfroyo/agentd/pkg/telemetry"
)

// Scheduler is the job scheduler shared by every worker and by the engine's
// cadence checks. Every job carries a tag; cancellation is always by tag.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *telemetry.Logger
}

// NewScheduler creates a scheduler. Jobs may be registered before Start.
func NewScheduler(logger *telemetry.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Scheduler{
		cron:   cron,
		logger: logger.NewComponentLogger("scheduler"),
	}, nil
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	return s.cron.Shutdown()
}

// Every runs fn every d. A run still in progress when the next one is due
// is skipped rather than overlapped.
func (s *Scheduler) Every(tag string, d time.Duration, fn func()) error {
	if d <= 0 {
		return fmt.Errorf("invalid interval %s", d)
	}
	return s.add(tag, gocron.DurationJob(d), fn, gocron.WithSingletonMode(gocron.LimitModeReschedule))
}

// Cron runs fn on a five-field cron expression.
func (s *Scheduler) Cron(tag, expr string, fn func()) error {
	return s.add(tag, gocron.CronJob(expr, false), fn, gocron.WithSingletonMode(gocron.LimitModeReschedule))
}

// In runs fn once after d. A zero or negative d runs it as soon as possible.
func (s *Scheduler) In(tag string, d time.Duration, fn func()) error {
	if d <= 0 {
		return s.Now(tag, fn)
	}
	return s.add(tag, gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(d))), fn)
}

// Now runs fn once, as soon as the scheduler is running.
func (s *Scheduler) Now(tag string, fn func()) error {
	return s.add(tag, gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), fn)
}

// RemoveTag removes every job carrying tag.
func (s *Scheduler) RemoveTag(tag string) {
	s.cron.RemoveByTags(tag)
}

// Count returns the number of registered jobs carrying tag.
func (s *Scheduler) Count(tag string) int {
	n := 0
	for _, job := range s.cron.Jobs() {
		if slices.Contains(job.Tags(), tag) {
			n++
		}
	}
	return n
}

func (s *Scheduler) add(tag string, def gocron.JobDefinition, fn func(), opts ...gocron.JobOption) error {
	if tag == "" {
		return fmt.Errorf("scheduled jobs must be tagged")
	}
	opts = append(opts, gocron.WithTags(tag))
	if _, err := s.cron.NewJob(def, gocron.NewTask(s.guard(tag, fn)), opts...); err != nil {
		return fmt.Errorf("failed to schedule job for %s: %w", tag, err)
	}
	return nil
}

// guard keeps a panicking job from taking the scheduler down.
func (s *Scheduler) guard(tag string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("tag", tag).Errorf("Scheduled job panicked: %v", r)
			}
		}()
		fn()
	}
}
