// Package agents contains the built-in agent types.
//
//   - manual: emits its configured payloads on every check
//   - formatter: reshapes incoming events with {{ }} templates
//   - commander: runs, enables or disables its control targets
//   - heartbeat: a persistent worker emitting an event at a fixed interval
package agents

import (
	"fmt"

	"github.com/openfroyo/agentd/pkg/agent"
)

// Descriptors returns every built-in agent type.
func Descriptors() []agent.Descriptor {
	return []agent.Descriptor{
		Manual(),
		Formatter(),
		Commander(),
		Heartbeat(),
	}
}

// Register adds every built-in agent type to reg.
func Register(reg *agent.Registry) error {
	for _, d := range Descriptors() {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register %s: %w", d.Type, err)
		}
	}
	return nil
}

// counter reads a numeric memory value. Memory read back from the store
// holds numbers as float64.
func counter(mem map[string]interface{}, key string) float64 {
	switch n := mem[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func invalid(h *agent.Host, problems ...string) error {
	if len(problems) == 0 {
		return nil
	}
	return &agent.ValidationError{Agent: h.Name(), Problems: problems}
}
