package agents

import (
	"context"
	"fmt"

	"github.com/openfroyo/agentd/pkg/agent"
)

// Formatter options.
const (
	InstructionsOption = "instructions"
	ModeOption         = "mode"
)

// Formatter modes.
const (
	ModeClean = "clean"
	ModeMerge = "merge"
)

// Formatter renders its instructions against every incoming event and emits
// the result. In merge mode the rendered keys are laid over the incoming
// payload; in clean mode only the rendered keys are emitted.
func Formatter() agent.Descriptor {
	return agent.Descriptor{
		Type:        "formatter",
		Description: "Reshapes incoming events with {{ }} templates.",
		DefaultOptions: map[string]interface{}{
			InstructionsOption: map[string]interface{}{
				"message": "{{ message }}",
			},
			ModeOption: ModeClean,
		},
		Validate: validateFormatter,
		Receive:  receiveFormatter,
	}
}

func validateFormatter(_ context.Context, h *agent.Host) error {
	var problems []string
	if instr, ok := h.Option(InstructionsOption); !ok {
		problems = append(problems, "instructions are required")
	} else if m, ok := instr.(map[string]interface{}); !ok || len(m) == 0 {
		problems = append(problems, "instructions must be a non-empty object")
	}
	switch mode := h.StringOption(ModeOption, ModeClean); mode {
	case ModeClean, ModeMerge:
	default:
		problems = append(problems, fmt.Sprintf("mode must be %s or %s, got %q", ModeClean, ModeMerge, mode))
	}
	return invalid(h, problems...)
}

func receiveFormatter(ctx context.Context, h *agent.Host, events *agent.Incoming) error {
	raw, _ := h.Option(InstructionsOption)
	instructions, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("instructions must be an object")
	}
	merge := h.StringOption(ModeOption, ModeClean) == ModeMerge

	formatted := 0
	err := events.Each(func(e *agent.Event) error {
		vars := agent.CopyMap(e.Payload)
		if vars == nil {
			vars = make(map[string]interface{})
		}

		payload := make(map[string]interface{})
		if merge {
			payload = agent.CopyMap(vars)
		}
		for key, tmpl := range instructions {
			v, err := render(h, tmpl, vars)
			if err != nil {
				h.Warn(ctx, fmt.Sprintf("Failed to render %s: %v", key, err))
			}
			payload[key] = v
		}

		if _, err := h.CreateEvent(ctx, payload); err != nil {
			return err
		}
		formatted++
		return nil
	})

	mem := h.Memory()
	mem["formatted"] = counter(mem, "formatted") + float64(formatted)
	return err
}

// render renders every string inside v. On failure the partially rendered
// value is returned with the error.
func render(h *agent.Host, v interface{}, vars map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return h.Render(t, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		var firstErr error
		for k, item := range t {
			r, err := render(h, item, vars)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out[k] = r
		}
		return out, firstErr
	case []interface{}:
		out := make([]interface{}, len(t))
		var firstErr error
		for i, item := range t {
			r, err := render(h, item, vars)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out[i] = r
		}
		return out, firstErr
	default:
		return v, nil
	}
}
