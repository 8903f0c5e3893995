package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/openfroyo/agentd/pkg/ordering"
)

// Invocation is one call into an agent. Events is nil for a check.
type Invocation struct {
	Host   *Host
	Events *Incoming
}

// Handler runs an invocation.
type Handler func(ctx context.Context, inv *Invocation) error

// Middleware decorates a handler.
type Middleware func(next Handler) Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// orderEvents buffers the events created by one invocation, sorts them by
// the agent's events_order and then emits them. With ordering enabled,
// receive is run once per incoming event so each sort covers the events
// produced from exactly one input.
func (r *Registry) orderEvents(next Handler) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		raw, _ := inv.Host.Option(EventsOrderOption)
		spec, err := ordering.Parse(raw)
		if err != nil {
			return &ValidationError{Agent: inv.Host.Name(), Problems: []string{err.Error()}}
		}
		if spec.Empty() {
			return next(ctx, inv)
		}

		if inv.Events == nil {
			return r.sorting(ctx, inv.Host, spec, func() error {
				return next(ctx, inv)
			})
		}

		for _, e := range inv.Events.raw() {
			single := &Invocation{Host: inv.Host, Events: NewIncoming(e)}
			if err := r.sorting(ctx, inv.Host, spec, func() error {
				return next(ctx, single)
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

// sorting runs fn with event creation redirected to a buffer, then emits
// the buffered events in sorted order. Events buffered before a failure are
// still emitted.
func (r *Registry) sorting(ctx context.Context, h *Host, spec ordering.Spec, fn func() error) (err error) {
	buf := &MemorySink{}
	restore := h.swapEvents(buf)
	defer func() {
		restore()
		if ferr := r.flush(ctx, h, spec, buf.Events()); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()
	return fn()
}

func (r *Registry) flush(ctx context.Context, h *Host, spec ordering.Spec, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	sorted := ordering.Sort(spec, events, func(e *Event) map[string]interface{} {
		return e.Payload
	}, ordering.Options{
		Renderer: r.renderer,
		Warn: func(msg string) {
			h.Warn(ctx, msg)
			r.tel.Metrics.RecordSortFallback(h.Type())
		},
	})

	withInfo := h.BoolOption(IncludeSortInfoOption)
	sink := h.eventSink()
	var errs []error
	for i, e := range sorted {
		if withInfo {
			payload := CopyMap(e.Payload)
			if payload == nil {
				payload = make(map[string]interface{})
			}
			payload["sort_info"] = map[string]interface{}{
				"position": i + 1,
				"count":    len(sorted),
			}
			e = &Event{AgentID: e.AgentID, Payload: payload, CreatedAt: e.CreatedAt}
		}
		if _, err := sink.CreateEvent(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("failed to emit sorted event %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

// trackReceive makes iterating the incoming batch record the current event
// on the host.
func trackReceive(next Handler) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		if inv.Events == nil {
			return next(ctx, inv)
		}
		return next(ctx, &Invocation{Host: inv.Host, Events: inv.Events.trackedBy(inv.Host)})
	}
}

// containPanics converts a panic in agent logic into an error.
func containPanics(next Handler) Handler {
	return func(ctx context.Context, inv *Invocation) (err error) {
		defer func() {
			if p := recover(); p != nil {
				inv.Host.Logger().WithField("stack", string(debug.Stack())).Debug("Recovered panic in agent logic")
				err = fmt.Errorf("%w: %v", ErrPanic, p)
			}
		}()
		return next(ctx, inv)
	}
}
