package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/control"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

const opApply = "apply"

// ApplyOptions controls Apply.
type ApplyOptions struct {
	// Prune deletes stored agents that no longer have a definition.
	Prune bool
}

// ApplyResult lists agent names by what Apply did to them.
type ApplyResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Deleted   []string `json:"deleted"`
}

// Apply synchronises the stored agents with defs. Agents are matched by
// name. Every definition is validated first and nothing is written unless
// all of them pass. Afterwards schedules and workers are refreshed.
//
// The disabled flag of a definition is the initial state: an existing agent
// disabled at runtime stays disabled until enabled again.
func (e *Engine) Apply(ctx context.Context, defs *config.Definitions, opts ApplyOptions) (_ *ApplyResult, err error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	op := telemetry.StartOperation(e.tel.WithContext(ctx), "definitions.apply")
	defer func() { op.End(err) }()
	ctx = op.Ctx

	current, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, NewTransientError("failed to list agents", err).WithOperation(opApply).WithCode(ErrCodeInternal)
	}
	existing := make(map[string]*agent.Agent, len(current))
	for _, a := range current {
		existing[a.Name] = a
	}

	plans, err := plan(ctx, e.registry, defs, existing)
	if err != nil {
		return nil, err
	}

	result := &ApplyResult{}
	ids := make(map[string]int64, len(plans))
	changed := make(map[string]bool, len(plans))
	now := time.Now().UTC()

	for _, p := range plans {
		name := p.rec.Name
		switch {
		case p.old == nil:
			p.rec.CreatedAt, p.rec.UpdatedAt = now, now
			if err := e.store.CreateAgent(ctx, p.rec); err != nil {
				return result, storeError(err, name, opApply)
			}
			result.Created = append(result.Created, name)
		case configChanged(p.old, p.rec):
			p.rec.UpdatedAt = now
			if err := e.store.UpdateAgent(ctx, p.rec); err != nil {
				return result, storeError(err, name, opApply)
			}
			changed[name] = true
		}
		ids[name] = p.rec.ID
	}

	for _, p := range plans {
		name := p.rec.Name
		sources := resolveIDs(ids, p.def.Sources)
		if p.old == nil || !sameIDs(p.old.SourceIDs, sources) {
			if err := e.store.SetSources(ctx, p.rec.ID, sources); err != nil {
				return result, storeError(err, name, opApply)
			}
			changed[name] = changed[name] || p.old != nil
		}
		targets := resolveIDs(ids, p.def.ControlTargets)
		if p.old == nil || !sameIDs(p.old.ControlTargetIDs, targets) {
			if err := e.store.SetControlTargets(ctx, p.rec.ID, targets); err != nil {
				return result, storeError(err, name, opApply)
			}
			changed[name] = changed[name] || p.old != nil
		}
	}

	for _, p := range plans {
		if p.old == nil {
			continue
		}
		if changed[p.rec.Name] {
			result.Updated = append(result.Updated, p.rec.Name)
		} else {
			result.Unchanged = append(result.Unchanged, p.rec.Name)
		}
	}

	if opts.Prune {
		for _, a := range current {
			if _, ok := ids[a.Name]; ok {
				continue
			}
			if err := e.store.DeleteAgent(ctx, a.ID); err != nil {
				return result, storeError(err, a.Name, opApply)
			}
			e.mu.Lock()
			delete(e.locks, a.ID)
			e.mu.Unlock()
			result.Deleted = append(result.Deleted, a.Name)
		}
	}

	op.Logger.WithFields(map[string]interface{}{
		"duration_ms": op.Timer.Duration().Milliseconds(),
		"created":     len(result.Created),
		"updated":     len(result.Updated),
		"unchanged":   len(result.Unchanged),
		"deleted":     len(result.Deleted),
	}).Info("Definitions applied")
	_ = e.tel.Events.Publish(telemetry.Activity{
		Type:    telemetry.ActivityDefinitions,
		Source:  "engine",
		Message: fmt.Sprintf("%d created, %d updated, %d deleted", len(result.Created), len(result.Updated), len(result.Deleted)),
		Level:   telemetry.LevelInfo,
	})

	return result, e.refresh(ctx)
}

// ValidateDefinitions checks defs against the registered agent types
// without touching any store.
func ValidateDefinitions(ctx context.Context, reg *agent.Registry, defs *config.Definitions) error {
	_, err := plan(ctx, reg, defs, nil)
	return err
}

type planned struct {
	def *config.AgentDefinition
	rec *agent.Agent
	old *agent.Agent
}

// plan builds the records defs describe on top of the existing ones and
// validates all of them.
func plan(ctx context.Context, reg *agent.Registry, defs *config.Definitions, existing map[string]*agent.Agent) ([]planned, error) {
	if err := defs.Err(); err != nil {
		return nil, NewPermanentError("invalid definitions", err).WithOperation(opApply).WithCode(ErrCodeValidation)
	}

	rt := &planRuntime{
		registry: reg,
		records:  make(map[string]*agent.Agent, len(defs.Agents)),
		targets:  make(map[string][]string, len(defs.Agents)),
	}
	plans := make([]planned, 0, len(defs.Agents))
	for i := range defs.Agents {
		def := &defs.Agents[i]
		desc, _ := reg.Lookup(def.Type)

		old := existing[def.Name]
		rec := &agent.Agent{Name: def.Name, Memory: map[string]interface{}{}}
		if old != nil {
			rec = old.Clone()
		}
		rec.Type = def.Type
		rec.Options = mergeOptions(desc.DefaultOptions, def.Options)
		rec.Schedule = def.Schedule
		if rec.Schedule == "" {
			rec.Schedule = desc.DefaultSchedule
		}
		if rec.Schedule == "" {
			rec.Schedule = "never"
		}
		rec.Deactivated = def.Deactivated
		rec.Disabled = def.Disabled || (old != nil && old.Disabled)

		rt.records[def.Name] = rec
		rt.targets[def.Name] = def.ControlTargets
		plans = append(plans, planned{def: def, rec: rec, old: old})
	}

	var errs []error
	for _, p := range plans {
		h, err := reg.NewHost(p.rec, agent.Deps{Runtime: rt})
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %q: %w", p.rec.Name, err))
			continue
		}
		if err := reg.Validate(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, NewPermanentError("invalid definitions", errors.Join(errs...)).
			WithOperation(opApply).WithCode(ErrCodeValidation)
	}
	return plans, nil
}

// planRuntime resolves control targets by name among the planned records.
type planRuntime struct {
	registry *agent.Registry
	records  map[string]*agent.Agent
	targets  map[string][]string
}

func (p *planRuntime) ControlTargets(_ context.Context, h *agent.Host) ([]control.Target, error) {
	names := p.targets[h.Name()]
	out := make([]control.Target, 0, len(names))
	for _, name := range names {
		if rec, ok := p.records[name]; ok {
			out = append(out, newTarget(p.registry, rec))
		}
	}
	return out, nil
}

func mergeOptions(defaults, options map[string]interface{}) map[string]interface{} {
	out := agent.CopyMap(defaults)
	if out == nil {
		out = make(map[string]interface{}, len(options))
	}
	for k, v := range agent.CopyMap(options) {
		out[k] = v
	}
	return out
}

func configChanged(old, rec *agent.Agent) bool {
	return old.Type != rec.Type ||
		old.Schedule != rec.Schedule ||
		old.Disabled != rec.Disabled ||
		old.Deactivated != rec.Deactivated ||
		!sameJSON(old.Options, rec.Options)
}

// sameJSON compares two option maps by their JSON encoding, so an int read
// from YAML equals the float64 read back from the store.
func sameJSON(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func resolveIDs(ids map[string]int64, names []string) []int64 {
	out := make([]int64, 0, len(names))
	for _, name := range names {
		if id, ok := ids[name]; ok && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
