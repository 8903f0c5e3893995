package agent

import (
	"iter"
)

// Incoming is the batch of events handed to a receive function. Iterating
// it records each element as the host's current event before yielding it,
// so the event being handled is always discoverable through
// Host.CurrentEvent.
type Incoming struct {
	events []*Event
	host   *Host
}

// NewIncoming wraps events without tracking. The registry installs tracking
// on every receive chain.
func NewIncoming(events ...*Event) *Incoming {
	return &Incoming{events: events}
}

// Len returns the number of events in the batch.
func (in *Incoming) Len() int {
	if in == nil {
		return 0
	}
	return len(in.events)
}

// All yields the events in order.
func (in *Incoming) All() iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		if in == nil {
			return
		}
		for _, e := range in.events {
			in.mark(e)
			if !yield(e) {
				return
			}
		}
	}
}

// Each calls fn for every event in order and stops at the first error.
func (in *Incoming) Each(fn func(*Event) error) error {
	for e := range in.All() {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (in *Incoming) mark(e *Event) {
	if in.host != nil {
		in.host.setCurrentEvent(e)
	}
}

// trackedBy returns a view of the batch that records the current event on h.
func (in *Incoming) trackedBy(h *Host) *Incoming {
	return &Incoming{events: in.events, host: h}
}

// raw returns the underlying slice without marking anything.
func (in *Incoming) raw() []*Event {
	if in == nil {
		return nil
	}
	return in.events
}
