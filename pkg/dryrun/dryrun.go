// Package dryrun runs a single agent invocation in a sandbox. Logs are
// captured in memory, created events are captured instead of stored and
// persistence only validates, so a dry run never leaves a durable trace.
package dryrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

// Result is what a dry run produced.
type Result struct {
	Log    string                   `json:"log"`
	Events []map[string]interface{} `json:"events"`
	Memory map[string]interface{}   `json:"memory"`
}

// Run executes one check, or one receive of event when event is non-nil, on
// h inside a sandbox. Failures end up in Result.Log and are never returned.
func Run(ctx context.Context, h *agent.Host, event *agent.Event) *Result {
	return RunWithClock(ctx, h, event, time.Now)
}

// RunWithClock is Run with an injectable clock for the log timestamps.
func RunWithClock(ctx context.Context, h *agent.Host, event *agent.Event, now func() time.Time) *Result {
	logs := newLogSink(now)
	events := &agent.MemorySink{}

	restore := h.Sandbox(logs, events)
	defer restore()

	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		tel = telemetry.NewNop()
	}
	ctx, span := tel.Tracer.StartAgentSpan(ctx, "agent.dry_run", h.ID(), h.Type())
	defer span.End()

	h.Log(ctx, "Dry Run started")
	err := dispatch(ctx, h, event)
	if err != nil {
		h.Log(ctx, "Dry Run failed")
		h.Error(ctx, err.Error())
		telemetry.RecordError(span, err)
		tel.Metrics.RecordDryRun(h.Type(), "failure")
	} else {
		h.Log(ctx, "Dry Run finished")
		telemetry.RecordSuccess(span)
		tel.Metrics.RecordDryRun(h.Type(), "success")
	}

	result := &Result{
		Log:    logs.String(),
		Events: make([]map[string]interface{}, 0),
		Memory: agent.CopyMap(h.Memory()),
	}
	for _, e := range events.Events() {
		result.Events = append(result.Events, e.Payload)
	}
	return result
}

// dispatch runs the invocation, converting panics into errors.
func dispatch(ctx context.Context, h *agent.Host, event *agent.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", agent.ErrPanic, p)
		}
	}()

	if !h.CanDryRun() {
		return errors.New("This agent cannot be dry-run!")
	}
	if event == nil {
		return h.Check(ctx)
	}
	if !h.CanReceiveEvents() {
		return errors.New("This agent cannot receive an event!")
	}
	return h.Receive(ctx, event)
}

// logSink formats entries as "[HH:MM:SS] LEVEL -- : message", timestamped
// with the time elapsed since the sandbox started.
type logSink struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	buf     strings.Builder
}

func newLogSink(now func() time.Time) *logSink {
	return &logSink{now: now, started: now()}
}

func (s *logSink) AppendLog(_ context.Context, entry *agent.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.now().Sub(s.started)
	if elapsed < 0 {
		elapsed = 0
	}
	stamp := time.Time{}.Add(elapsed).Format("15:04:05")
	fmt.Fprintf(&s.buf, "[%s] %s -- : %s\n", stamp, severity(entry.Level), entry.Message)
	return nil
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func severity(level agent.LogLevel) string {
	switch level {
	case agent.LogError:
		return "ERROR"
	case agent.LogWarn:
		return "WARN"
	default:
		return "INFO"
	}
}
