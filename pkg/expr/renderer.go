package expr

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Renderer renders a template string against a set of variables.
type Renderer interface {
	Render(template string, vars map[string]interface{}) (string, error)
}

// StarlarkRenderer renders "{{ expression }}" segments by evaluating each
// expression as a Starlark expression. Text outside of delimiters is copied
// verbatim.
type StarlarkRenderer struct {
	// maxSteps bounds the work a single expression may perform.
	maxSteps uint64
}

// NewStarlarkRenderer creates a new renderer. A zero maxSteps uses the default.
func NewStarlarkRenderer(maxSteps uint64) *StarlarkRenderer {
	if maxSteps == 0 {
		maxSteps = 100000
	}
	return &StarlarkRenderer{maxSteps: maxSteps}
}

// ErrUnterminated is returned when a template opens "{{" without closing it.
var ErrUnterminated = errors.New("expr: unterminated {{ in template")

// Render evaluates every expression segment in template. When an expression
// fails, the segment renders as an empty string and the error is returned
// alongside the partially rendered output so callers can decide whether to
// use it.
func (r *StarlarkRenderer) Render(template string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	env, err := r.environment(vars)
	if err != nil {
		return "", err
	}

	var (
		out  strings.Builder
		errs []error
		rest = template
	)
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])
		rest = rest[open+2:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			errs = append(errs, ErrUnterminated)
			out.WriteString("{{")
			out.WriteString(rest)
			break
		}

		src := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]
		if src == "" {
			continue
		}

		value, err := r.eval(src, env)
		if err != nil {
			errs = append(errs, fmt.Errorf("expr %q: %w", src, err))
			continue
		}
		out.WriteString(value)
	}

	return out.String(), errors.Join(errs...)
}

// IsTemplate reports whether s contains an expression segment.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// eval evaluates a single expression in its own thread.
func (r *StarlarkRenderer) eval(src string, env starlark.StringDict) (string, error) {
	thread := &starlark.Thread{
		Name: "expr",
		Print: func(_ *starlark.Thread, _ string) {
			// Suppress print output
		},
	}
	thread.SetMaxExecutionSteps(r.maxSteps)

	value, err := starlark.Eval(thread, "expr", src, env)
	if err != nil {
		return "", err
	}
	return stringify(value), nil
}

// environment converts template variables into predeclared Starlark values.
// Keys that are not valid identifiers stay unreachable, which matches how a
// missing variable behaves.
func (r *StarlarkRenderer) environment(vars map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert variable %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

// stringify renders a Starlark value the way a template would print it.
func stringify(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.NoneType:
		return ""
	case starlark.String:
		return string(val)
	case starlark.Bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return v.String()
	}
}

// toStarlarkValue converts a Go value to a Starlark value. Nested maps become
// structs so that dotted access ("data.amount") works inside expressions.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		if val == float64(int64(val)) && val < 1<<53 && val > -(1<<53) {
			// JSON numbers decode as float64; keep whole numbers integral.
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		fields := make(starlark.StringDict, len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			fields[k] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
	default:
		return starlark.String(fmt.Sprintf("%v", val)), nil
	}
}
