package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/worker"
)

// Heartbeat options.
const (
	IntervalOption = "interval"
	MessageOption  = "message"
)

// MinHeartbeatInterval is the shortest accepted heartbeat interval.
const MinHeartbeatInterval = time.Second

// Heartbeat runs a persistent worker that emits an event every interval.
// The beat count lives in memory, so it survives restarts.
func Heartbeat() agent.Descriptor {
	return agent.Descriptor{
		Type:        "heartbeat",
		Description: "Emits an event at a fixed interval from a background worker.",
		DefaultOptions: map[string]interface{}{
			IntervalOption: "1m",
			MessageOption:  "alive",
		},
		Validate:            validateHeartbeat,
		Worker:              heartbeatWorker,
		CannotReceiveEvents: true,
		CannotDryRun:        true,
	}
}

func validateHeartbeat(_ context.Context, h *agent.Host) error {
	if _, err := interval(h); err != nil {
		return invalid(h, err.Error())
	}
	return nil
}

func interval(h *agent.Host) (time.Duration, error) {
	raw := h.StringOption(IntervalOption, "1m")
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", raw, err)
	}
	if d < MinHeartbeatInterval {
		return 0, fmt.Errorf("interval must be at least %s, got %s", MinHeartbeatInterval, d)
	}
	return d, nil
}

func heartbeatWorker(h *agent.Host) (worker.Hooks, bool) {
	every, err := interval(h)
	if err != nil {
		return worker.Hooks{}, false
	}
	message := h.StringOption(MessageOption, "alive")

	return worker.Hooks{
		Run: func(ctx context.Context, w *worker.Worker) error {
			if err := w.Every(every, func() { beat(ctx, h, w, message) }); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}, true
}

// beat emits one heartbeat. Beats of all heartbeat workers are serialized
// on the cross-worker mutex.
func beat(ctx context.Context, h *agent.Host, w *worker.Worker, message string) {
	unlock, err := w.Lock(ctx)
	if err != nil {
		return
	}
	defer unlock()

	mem := h.Memory()
	n := counter(mem, "beats") + 1
	mem["beats"] = n

	if _, err := h.CreateEvent(ctx, map[string]interface{}{
		"message": message,
		"beat":    n,
		"at":      time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		h.Error(ctx, fmt.Sprintf("Failed to emit heartbeat: %v", err))
		return
	}
	if err := h.Save(ctx); err != nil {
		h.Error(ctx, fmt.Sprintf("Failed to save heartbeat state: %v", err))
	}
}
