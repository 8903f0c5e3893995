package agents

import (
	"context"
	"fmt"

	"github.com/openfroyo/agentd/pkg/agent"
)

// PayloadsOption lists the payloads a manual agent emits.
const PayloadsOption = "payloads"

// Manual emits each configured payload as an event when checked.
func Manual() agent.Descriptor {
	return agent.Descriptor{
		Type:        "manual",
		Description: "Emits its configured payloads as events on every check.",
		DefaultOptions: map[string]interface{}{
			PayloadsOption: []interface{}{
				map[string]interface{}{"message": "Hello from agentd"},
			},
		},
		DefaultSchedule:     "never",
		Validate:            validateManual,
		Check:               checkManual,
		CannotReceiveEvents: true,
	}
}

func validateManual(_ context.Context, h *agent.Host) error {
	_, err := payloads(h)
	if err != nil {
		return invalid(h, err.Error())
	}
	return nil
}

func checkManual(ctx context.Context, h *agent.Host) error {
	list, err := payloads(h)
	if err != nil {
		return err
	}
	for _, p := range list {
		if _, err := h.CreateEvent(ctx, agent.CopyMap(p)); err != nil {
			return err
		}
	}
	mem := h.Memory()
	mem["emitted"] = counter(mem, "emitted") + float64(len(list))
	return nil
}

func payloads(h *agent.Host) ([]map[string]interface{}, error) {
	raw, ok := h.Option(PayloadsOption)
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a list of objects", PayloadsOption)
	}
	out := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be an object, got %T", PayloadsOption, i, item)
		}
		out = append(out, m)
	}
	return out, nil
}
