package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/agentd/pkg/expr"
	"github.com/openfroyo/agentd/pkg/ordering"
	"github.com/openfroyo/agentd/pkg/telemetry"
	"github.com/openfroyo/agentd/pkg/worker"
)

// CheckFunc is the scheduled entry point of an agent type.
type CheckFunc func(ctx context.Context, h *Host) error

// ReceiveFunc handles a batch of incoming events.
type ReceiveFunc func(ctx context.Context, h *Host, events *Incoming) error

// WorkerFunc returns the worker hooks for an agent, and whether a worker
// should be started for it at all.
type WorkerFunc func(h *Host) (worker.Hooks, bool)

// Descriptor declares an agent type.
type Descriptor struct {
	Type            string
	Description     string
	DefaultOptions  map[string]interface{}
	DefaultSchedule string

	// Validate adds type-specific configuration rules.
	Validate func(ctx context.Context, h *Host) error

	Check   CheckFunc
	Receive ReceiveFunc
	Worker  WorkerFunc

	CannotBeScheduled   bool
	CannotReceiveEvents bool
	CannotCreateEvents  bool
	CannotDryRun        bool
}

// CanBeScheduled reports whether check may run on a schedule or on demand.
func (d Descriptor) CanBeScheduled() bool { return d.Check != nil && !d.CannotBeScheduled }

// CanReceiveEvents reports whether the type accepts incoming events.
func (d Descriptor) CanReceiveEvents() bool { return d.Receive != nil && !d.CannotReceiveEvents }

// CanCreateEvents reports whether the type emits events.
func (d Descriptor) CanCreateEvents() bool { return !d.CannotCreateEvents }

// CanDryRun reports whether the type supports dry runs.
func (d Descriptor) CanDryRun() bool { return !d.CannotDryRun }

type registered struct {
	desc    Descriptor
	check   Handler
	receive Handler
}

// Registry maps type tags to descriptors and owns the handler chains built
// for each type.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*registered
	renderer expr.Renderer
	validate *validator.Validate
	tel      *telemetry.Telemetry
}

// NewRegistry creates an empty registry. A nil renderer gets the default
// Starlark renderer; nil telemetry gets a no-op one.
func NewRegistry(renderer expr.Renderer, tel *telemetry.Telemetry) *Registry {
	if renderer == nil {
		renderer = expr.NewStarlarkRenderer(0)
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Registry{
		types:    make(map[string]*registered),
		renderer: renderer,
		validate: validator.New(),
		tel:      tel,
	}
}

// Register adds a type. Every type's check chain is
// ordering → containment → check, and its receive chain is
// ordering → receive tracking → containment → receive.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return fmt.Errorf("agent type has no name")
	}
	if d.Check == nil && d.Receive == nil && d.Worker == nil {
		return fmt.Errorf("agent type %s has no check, receive or worker", d.Type)
	}

	reg := &registered{desc: d}
	if d.Check != nil {
		check := d.Check
		reg.check = Chain(func(ctx context.Context, inv *Invocation) error {
			return check(ctx, inv.Host)
		}, r.orderEvents, containPanics)
	}
	if d.Receive != nil {
		receive := d.Receive
		reg.receive = Chain(func(ctx context.Context, inv *Invocation) error {
			return receive(ctx, inv.Host, inv.Events)
		}, r.orderEvents, trackReceive, containPanics)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[d.Type]; exists {
		return fmt.Errorf("agent type %s already registered", d.Type)
	}
	r.types[d.Type] = reg
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor of a type.
func (r *Registry) Lookup(typ string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typ]
	if !ok {
		return Descriptor{}, false
	}
	return reg.desc, true
}

// Types returns every registered descriptor ordered by type tag.
func (r *Registry) Types() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.types))
	for _, reg := range r.types {
		out = append(out, reg.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// NewHost binds a record to its type.
func (r *Registry) NewHost(a *Agent, deps Deps) (*Host, error) {
	r.mu.RLock()
	reg, ok := r.types[a.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, a.Type)
	}

	h := &Host{
		agent:     a,
		entry:     reg,
		registry:  r,
		runtime:   deps.Runtime,
		events:    deps.Events,
		logs:      deps.Logs,
		persister: deps.Persister,
		logger: r.tel.Logger.NewComponentLogger("agent").
			WithAgent(a.ID, a.Name).
			WithAgentType(a.Type),
	}
	if h.events == nil {
		h.events = discard{}
	}
	if h.logs == nil {
		h.logs = discard{}
	}
	if h.persister == nil {
		h.persister = discard{}
	}
	return h, nil
}

// Validate checks the record against the struct rules, its schedule, its
// events_order and the type's own rules. All problems are reported together
// in a *ValidationError.
func (r *Registry) Validate(ctx context.Context, h *Host) error {
	a := h.Agent()
	ve := &ValidationError{Agent: a.Name}

	if err := r.validate.Struct(a); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				ve.Problems = append(ve.Problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
		} else {
			ve.Problems = append(ve.Problems, err.Error())
		}
	}

	sched, err := ParseSchedule(a.Schedule)
	if err != nil {
		ve.Problems = append(ve.Problems, err.Error())
	} else if sched.Kind != ScheduleNever && !h.CanBeScheduled() {
		ve.Problems = append(ve.Problems, fmt.Sprintf("%s agents cannot be scheduled", h.Type()))
	}

	if raw, ok := a.Options[EventsOrderOption]; ok {
		if _, err := ordering.Parse(raw); err != nil {
			ve.Problems = append(ve.Problems, err.Error())
		}
	}

	if v := h.Descriptor().Validate; v != nil {
		if err := v(ctx, h); err != nil {
			var inner *ValidationError
			if errors.As(err, &inner) {
				ve.Problems = append(ve.Problems, inner.Problems...)
			} else {
				ve.Problems = append(ve.Problems, err.Error())
			}
		}
	}

	if len(ve.Problems) > 0 {
		return ve
	}
	return nil
}
