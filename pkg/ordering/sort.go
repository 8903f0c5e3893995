package ordering

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/openfroyo/agentd/pkg/expr"
)

// IndexVariable is the synthetic variable exposing the zero-based creation
// index of the event being evaluated.
const IndexVariable = "_index_"

// Options configures a Sort call.
type Options struct {
	// Renderer evaluates key expressions. Required.
	Renderer expr.Renderer

	// Warn receives one message per key value that could not be rendered or
	// parsed. Optional.
	Warn func(msg string)
}

// value is an evaluated key value. Values that failed to parse keep their
// raw string and sort after parsed values of the same key.
type value struct {
	raw    string
	parsed bool
	num    float64
	at     time.Time
}

// entry pairs an item with its evaluated keys and creation index.
type entry[T any] struct {
	item  T
	index int
	keys  []value
}

// Sort returns items reordered according to spec. payload extracts the
// variables each key expression is evaluated against. The input slice is
// not modified. An empty spec returns a copy in the original order.
func Sort[T any](spec Spec, items []T, payload func(T) map[string]interface{}, opts Options) []T {
	out := make([]T, len(items))
	if spec.Empty() || len(items) < 2 {
		copy(out, items)
		return out
	}

	entries := make([]entry[T], len(items))
	for i, item := range items {
		vars := make(map[string]interface{})
		for k, v := range payload(item) {
			vars[k] = v
		}
		vars[IndexVariable] = i

		keys := make([]value, len(spec.Keys))
		for k, key := range spec.Keys {
			keys[k] = evaluate(key, vars, opts)
		}
		entries[i] = entry[T]{item: item, index: i, keys: keys}
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return less(spec, entries[a].keys, entries[b].keys, entries[a].index, entries[b].index)
	})

	for i, e := range entries {
		out[i] = e.item
	}
	return out
}

// less compares two entries key by key, falling back to creation order.
func less(spec Spec, a, b []value, ia, ib int) bool {
	for k, key := range spec.Keys {
		c := compare(key.Type, a[k], b[k])
		if key.Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return ia < ib
}

// compare orders two values of the same key.
func compare(typ KeyType, a, b value) int {
	if a.parsed != b.parsed {
		if a.parsed {
			return -1
		}
		return 1
	}
	if !a.parsed {
		return strings.Compare(a.raw, b.raw)
	}

	switch typ {
	case TypeNumber:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		}
		return 0
	case TypeTime:
		return a.at.Compare(b.at)
	default:
		return strings.Compare(a.raw, b.raw)
	}
}

// evaluate renders and parses one key for one event.
func evaluate(key Key, vars map[string]interface{}, opts Options) value {
	rendered, err := opts.Renderer.Render(key.Expression, vars)
	if err != nil {
		warn(opts, fmt.Sprintf("Failed to render events_order key %q: %v", key.Expression, err))
		return value{raw: rendered, parsed: key.Type == TypeString}
	}

	v := value{raw: rendered}
	switch key.Type {
	case TypeNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(rendered), 64)
		if err != nil {
			warn(opts, fmt.Sprintf("Cannot parse %q as a number for events_order key %q; sorting it as a string", rendered, key.Expression))
			return v
		}
		v.num = n
		v.parsed = true
	case TypeTime:
		t, err := dateparse.ParseAny(strings.TrimSpace(rendered))
		if err != nil {
			warn(opts, fmt.Sprintf("Cannot parse %q as a time for events_order key %q; sorting it as a string", rendered, key.Expression))
			return v
		}
		v.at = t
		v.parsed = true
	default:
		v.parsed = true
	}
	return v
}

func warn(opts Options, msg string) {
	if opts.Warn != nil {
		opts.Warn(msg)
	}
}
