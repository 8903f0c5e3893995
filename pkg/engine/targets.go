package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/control"
	"github.com/openfroyo/agentd/pkg/stores"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

// ControlTargets resolves the agents h controls. A sandboxed host gets
// preview targets whose actions change nothing.
func (e *Engine) ControlTargets(ctx context.Context, h *agent.Host) ([]control.Target, error) {
	ids := h.Agent().ControlTargetIDs
	targets := make([]control.Target, 0, len(ids))
	for _, id := range ids {
		a, err := e.store.GetAgent(ctx, id)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load control target %d: %w", id, err)
		}
		t := newTarget(e.registry, a)
		if !h.Sandboxed() {
			t.engine = e
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// target adapts a stored agent to control.Target. Without an engine the
// target is a preview: actions only update the local copy.
type target struct {
	engine      *Engine
	rec         *agent.Agent
	schedulable bool
}

func newTarget(reg *agent.Registry, a *agent.Agent) *target {
	desc, ok := reg.Lookup(a.Type)
	return &target{rec: a, schedulable: ok && desc.CanBeScheduled()}
}

func (t *target) ID() int64               { return t.rec.ID }
func (t *target) Name() string            { return t.rec.Name }
func (t *target) CannotBeScheduled() bool { return !t.schedulable }
func (t *target) Active() bool            { return t.rec.Active() }
func (t *target) Disabled() bool          { return t.rec.Disabled }

func (t *target) SetDisabled(ctx context.Context, disabled bool) error {
	if t.engine != nil {
		if err := t.engine.SetDisabled(ctx, t.rec.ID, disabled); err != nil {
			return err
		}
		state := "enabled"
		if disabled {
			state = "disabled"
		}
		_ = t.engine.tel.Events.PublishAgent(telemetry.ActivityAgentControlled, t.rec.ID, telemetry.LevelInfo,
			fmt.Sprintf("%s %s", t.rec.Name, state), nil)
	}
	t.rec.Disabled = disabled
	return nil
}

func (t *target) Run(ctx context.Context) error {
	if t.engine == nil {
		return nil
	}
	_, err := t.engine.Run(ctx, t.rec.ID)
	return err
}
