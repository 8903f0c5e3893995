package ordering

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfroyo/agentd/pkg/expr"
)

type testEvent struct {
	name    string
	payload map[string]interface{}
}

func payloadOf(e testEvent) map[string]interface{} { return e.payload }

func names(events []testEvent) string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.name
	}
	return strings.Join(out, ",")
}

func mustParse(t *testing.T, raw interface{}) Spec {
	t.Helper()
	spec, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%v) failed: %v", raw, err)
	}
	return spec
}

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want []Key
	}{
		{
			name: "nil",
			raw:  nil,
			want: nil,
		},
		{
			name: "bare expression",
			raw:  []interface{}{"{{title}}"},
			want: []Key{{Expression: "{{title}}", Type: TypeString}},
		},
		{
			name: "full tuple",
			raw:  []interface{}{[]interface{}{"{{amount}}", "number", true}},
			want: []Key{{Expression: "{{amount}}", Type: TypeNumber, Descending: true}},
		},
		{
			name: "expression only tuple",
			raw:  []interface{}{[]interface{}{"{{a}}"}},
			want: []Key{{Expression: "{{a}}", Type: TypeString}},
		},
		{
			name: "null type and descending",
			raw:  []interface{}{[]interface{}{"{{a}}", nil, nil}},
			want: []Key{{Expression: "{{a}}", Type: TypeString}},
		},
		{
			name: "multiple keys",
			raw: []interface{}{
				[]interface{}{"{{date}}", "time"},
				[]interface{}{"{{title}}", "string", false},
			},
			want: []Key{
				{Expression: "{{date}}", Type: TypeTime},
				{Expression: "{{title}}", Type: TypeString},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := mustParse(t, tt.raw)
			if len(spec.Keys) != len(tt.want) {
				t.Fatalf("expected %d keys, got %d", len(tt.want), len(spec.Keys))
			}
			for i := range tt.want {
				if spec.Keys[i] != tt.want[i] {
					t.Errorf("key %d = %+v, want %+v", i, spec.Keys[i], tt.want[i])
				}
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
	}{
		{"not an array", "{{amount}}"},
		{"map", map[string]interface{}{"a": 1}},
		{"number entry", []interface{}{42}},
		{"empty tuple", []interface{}{[]interface{}{}}},
		{"too long tuple", []interface{}{[]interface{}{"{{a}}", "string", true, "x"}}},
		{"non string expression", []interface{}{[]interface{}{1, "number"}}},
		{"unknown type", []interface{}{[]interface{}{"{{a}}", "integer"}}},
		{"non string type", []interface{}{[]interface{}{"{{a}}", 3}}},
		{"non boolean descending", []interface{}{[]interface{}{"{{a}}", "number", "yes"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("expected ErrInvalidSpec, got %v", err)
			}
		})
	}
}

func sortWith(t *testing.T, raw interface{}, events []testEvent) ([]testEvent, []string) {
	t.Helper()
	var warnings []string
	out := Sort(mustParse(t, raw), events, payloadOf, Options{
		Renderer: expr.NewStarlarkRenderer(0),
		Warn:     func(msg string) { warnings = append(warnings, msg) },
	})
	return out, warnings
}

func TestSort_NumberDescending(t *testing.T) {
	events := []testEvent{
		{"one", map[string]interface{}{"amount": 1}},
		{"five", map[string]interface{}{"amount": 5}},
		{"three", map[string]interface{}{"amount": 3}},
	}

	out, warnings := sortWith(t, []interface{}{[]interface{}{"{{amount}}", "number", true}}, events)

	if got := names(out); got != "five,three,one" {
		t.Errorf("expected five,three,one, got %s", got)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestSort_IndexDescendingReverses(t *testing.T) {
	events := []testEvent{
		{"A", map[string]interface{}{}},
		{"B", map[string]interface{}{}},
		{"C", map[string]interface{}{}},
	}

	out, _ := sortWith(t, []interface{}{[]interface{}{"{{_index_}}", "number", true}}, events)

	if got := names(out); got != "C,B,A" {
		t.Errorf("expected C,B,A, got %s", got)
	}
}

func TestSort_StringIsLexical(t *testing.T) {
	events := []testEvent{
		{"b", map[string]interface{}{"n": "10"}},
		{"a", map[string]interface{}{"n": "9"}},
	}

	out, _ := sortWith(t, []interface{}{"{{n}}"}, events)
	if got := names(out); got != "b,a" {
		t.Errorf("string sort should be lexical, got %s", got)
	}

	out, _ = sortWith(t, []interface{}{[]interface{}{"{{n}}", "number"}}, events)
	if got := names(out); got != "a,b" {
		t.Errorf("number sort should be numeric, got %s", got)
	}
}

func TestSort_Time(t *testing.T) {
	events := []testEvent{
		{"late", map[string]interface{}{"at": "2024-03-01T10:00:00Z"}},
		{"early", map[string]interface{}{"at": "2023-12-31"}},
		{"middle", map[string]interface{}{"at": "Jan 15, 2024"}},
	}

	out, warnings := sortWith(t, []interface{}{[]interface{}{"{{at}}", "time"}}, events)

	if got := names(out); got != "early,middle,late" {
		t.Errorf("expected early,middle,late, got %s", got)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}

func TestSort_MultiKeyPrecedence(t *testing.T) {
	events := []testEvent{
		{"x1", map[string]interface{}{"group": "b", "rank": 1}},
		{"x2", map[string]interface{}{"group": "a", "rank": 1}},
		{"x3", map[string]interface{}{"group": "b", "rank": 2}},
		{"x4", map[string]interface{}{"group": "a", "rank": 3}},
	}

	out, _ := sortWith(t, []interface{}{
		[]interface{}{"{{group}}", "string"},
		[]interface{}{"{{rank}}", "number", true},
	}, events)

	if got := names(out); got != "x4,x2,x3,x1" {
		t.Errorf("expected x4,x2,x3,x1, got %s", got)
	}
}

func TestSort_TiesKeepCreationOrder(t *testing.T) {
	events := []testEvent{
		{"first", map[string]interface{}{"k": 1}},
		{"second", map[string]interface{}{"k": 1}},
		{"third", map[string]interface{}{"k": 1}},
	}

	// Descending flips the key, never the final index tie-break.
	out, _ := sortWith(t, []interface{}{[]interface{}{"{{k}}", "number", true}}, events)
	if got := names(out); got != "first,second,third" {
		t.Errorf("expected creation order on ties, got %s", got)
	}
}

func TestSort_ParseFailureFallsBackAndWarns(t *testing.T) {
	events := []testEvent{
		{"bad", map[string]interface{}{"amount": "n/a"}},
		{"two", map[string]interface{}{"amount": 2}},
		{"one", map[string]interface{}{"amount": 1}},
	}

	out, warnings := sortWith(t, []interface{}{[]interface{}{"{{amount}}", "number"}}, events)

	if got := names(out); got != "one,two,bad" {
		t.Errorf("expected parsed values first then raw fallback, got %s", got)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "n/a") {
		t.Errorf("expected one warning naming the raw value, got %v", warnings)
	}
}

func TestSort_RenderFailureWarns(t *testing.T) {
	events := []testEvent{
		{"a", map[string]interface{}{}},
		{"b", map[string]interface{}{}},
	}

	tests := []struct {
		name string
		key  interface{}
	}{
		{name: "string", key: "{{ undefined_name }}"},
		{name: "number", key: []interface{}{"{{ undefined_name }}", "number"}},
		{name: "time", key: []interface{}{"{{ undefined_name }}", "time"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, warnings := sortWith(t, []interface{}{tt.key}, events)

			if got := names(out); got != "a,b" {
				t.Errorf("expected creation order, got %s", got)
			}
			if len(warnings) != 2 {
				t.Errorf("expected one warning per event, got %d: %v", len(warnings), warnings)
			}
			for _, w := range warnings {
				if !strings.Contains(w, "Failed to render") {
					t.Errorf("unexpected warning %q", w)
				}
			}
		})
	}
}

func TestSort_DoesNotModifyInput(t *testing.T) {
	events := []testEvent{
		{"a", map[string]interface{}{"n": 2}},
		{"b", map[string]interface{}{"n": 1}},
	}
	_, _ = sortWith(t, []interface{}{[]interface{}{"{{n}}", "number"}}, events)
	if names(events) != "a,b" {
		t.Error("input slice was reordered")
	}
	if _, ok := events[0].payload[IndexVariable]; ok {
		t.Error("index variable leaked into the payload")
	}
}

func TestSort_PermutationsAreDeterministic(t *testing.T) {
	base := make([]testEvent, 8)
	for i := range base {
		base[i] = testEvent{
			name:    fmt.Sprintf("e%d", i),
			payload: map[string]interface{}{"bucket": i % 3, "label": fmt.Sprintf("l%d", (i*7)%4)},
		}
	}
	raw := []interface{}{
		[]interface{}{"{{bucket}}", "number", true},
		[]interface{}{"{{label}}"},
	}

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		perm := make([]testEvent, len(base))
		copy(perm, base)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		out, _ := sortWith(t, raw, perm)

		for i := 1; i < len(out); i++ {
			prev, cur := out[i-1].payload, out[i].payload
			pb, cb := prev["bucket"].(int), cur["bucket"].(int)
			if pb < cb {
				t.Fatalf("round %d: bucket order violated: %s", round, names(out))
			}
			if pb == cb && prev["label"].(string) > cur["label"].(string) {
				t.Fatalf("round %d: label order violated: %s", round, names(out))
			}
			if pb == cb && prev["label"] == cur["label"] {
				// Equal keys must keep the order they had in this permutation.
				if indexOf(perm, out[i-1].name) > indexOf(perm, out[i].name) {
					t.Fatalf("round %d: tie-break violated: %s", round, names(out))
				}
			}
		}
	}
}

func indexOf(events []testEvent, name string) int {
	for i, e := range events {
		if e.name == name {
			return i
		}
	}
	return -1
}
