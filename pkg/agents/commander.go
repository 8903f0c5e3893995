package agents

import (
	"context"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/control"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

// ControlActionOption is the action a commander applies to its targets.
const ControlActionOption = "control_action"

// Commander applies its control action to its control targets on every
// check and once per incoming event.
func Commander() agent.Descriptor {
	return agent.Descriptor{
		Type:        "commander",
		Description: "Runs, enables or disables its control targets.",
		DefaultOptions: map[string]interface{}{
			ControlActionOption: string(control.ActionRun),
		},
		Validate: validateCommander,
		Check:    commandTargets,
		Receive: func(ctx context.Context, h *agent.Host, events *agent.Incoming) error {
			return events.Each(func(*agent.Event) error {
				return commandTargets(ctx, h)
			})
		},
		CannotCreateEvents: true,
	}
}

func validateCommander(ctx context.Context, h *agent.Host) error {
	action := h.StringOption(ControlActionOption, "")
	if action == "" {
		return invalid(h, "control_action is required")
	}
	targets, err := h.ControlTargets(ctx)
	if err != nil {
		return err
	}
	if err := control.Validate(action, targets); err != nil {
		return invalid(h, err.Error())
	}
	return nil
}

func commandTargets(ctx context.Context, h *agent.Host) error {
	targets, err := h.ControlTargets(ctx)
	if err != nil {
		return err
	}

	c := &control.Controller{
		Action:   h.StringOption(ControlActionOption, ""),
		Targets:  targets,
		Logger:   h,
		Renderer: h,
	}
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		c.Metrics = tel.Metrics
	}
	return c.Control(ctx)
}
