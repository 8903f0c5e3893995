// Package ordering parses events_order specifications and sorts the events an
// agent created during a single check or receive invocation.
//
// An events_order value is a list whose items are either a bare expression
// string, or a list of one to three elements:
//
//	[expression]
//	[expression, type]
//	[expression, type, descending]
//
// where type is one of "string" (default), "number" or "time" and descending
// is a boolean. Keys earlier in the list take precedence. Events that compare
// equal on every key keep their creation order.
package ordering

import (
	"errors"
	"fmt"
)

// KeyType identifies how a rendered key value is compared.
type KeyType string

const (
	// TypeString compares rendered values lexically.
	TypeString KeyType = "string"

	// TypeNumber parses rendered values as floating point numbers.
	TypeNumber KeyType = "number"

	// TypeTime parses rendered values as date-times.
	TypeTime KeyType = "time"
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeTime:
		return true
	}
	return false
}

// Key is one sort key of a Spec.
type Key struct {
	Expression string  `json:"expression"`
	Type       KeyType `json:"type"`
	Descending bool    `json:"descending"`
}

// Spec is a parsed events_order specification.
type Spec struct {
	Keys []Key `json:"keys"`
}

// Empty reports whether the spec has no keys.
func (s Spec) Empty() bool {
	return len(s.Keys) == 0
}

// ErrInvalidSpec is wrapped by every structural validation failure.
var ErrInvalidSpec = errors.New("invalid events_order")

// Parse validates and converts a raw events_order option value. A nil value
// yields an empty spec.
func Parse(raw interface{}) (Spec, error) {
	if raw == nil {
		return Spec{}, nil
	}

	items, ok := asList(raw)
	if !ok {
		return Spec{}, fmt.Errorf("%w: must be an array of arrays", ErrInvalidSpec)
	}

	spec := Spec{Keys: make([]Key, 0, len(items))}
	for i, item := range items {
		key, err := parseKey(item)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: entry %d: %v", ErrInvalidSpec, i, err)
		}
		spec.Keys = append(spec.Keys, key)
	}
	return spec, nil
}

// parseKey converts a single events_order entry.
func parseKey(item interface{}) (Key, error) {
	if expr, ok := item.(string); ok {
		return Key{Expression: expr, Type: TypeString}, nil
	}

	tuple, ok := asList(item)
	if !ok {
		return Key{}, fmt.Errorf("must be a string or an array, got %T", item)
	}
	if len(tuple) == 0 || len(tuple) > 3 {
		return Key{}, fmt.Errorf("must have 1 to 3 elements, got %d", len(tuple))
	}

	expr, ok := tuple[0].(string)
	if !ok {
		return Key{}, fmt.Errorf("expression must be a string, got %T", tuple[0])
	}
	key := Key{Expression: expr, Type: TypeString}

	if len(tuple) > 1 && tuple[1] != nil {
		typ, ok := tuple[1].(string)
		if !ok {
			return Key{}, fmt.Errorf("type must be a string, got %T", tuple[1])
		}
		if typ != "" {
			key.Type = KeyType(typ)
		}
		if !key.Type.Valid() {
			return Key{}, fmt.Errorf("unknown type %q (must be string, number or time)", typ)
		}
	}

	if len(tuple) > 2 && tuple[2] != nil {
		desc, ok := tuple[2].(bool)
		if !ok {
			return Key{}, fmt.Errorf("descending must be a boolean, got %T", tuple[2])
		}
		key.Descending = desc
	}

	return key, nil
}

// asList accepts the list shapes produced by JSON, YAML and CUE decoding.
func asList(v interface{}) ([]interface{}, bool) {
	switch val := v.(type) {
	case []interface{}:
		return val, true
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	case [][]interface{}:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
