package expr

import (
	"errors"
	"testing"
)

func TestStarlarkRenderer_Render(t *testing.T) {
	r := NewStarlarkRenderer(0)

	tests := []struct {
		name    string
		tmpl    string
		vars    map[string]interface{}
		want    string
		wantErr bool
	}{
		{
			name: "plain text",
			tmpl: "no expressions here",
			want: "no expressions here",
		},
		{
			name: "simple variable",
			tmpl: "{{amount}}",
			vars: map[string]interface{}{"amount": 5},
			want: "5",
		},
		{
			name: "json number stays integral",
			tmpl: "{{ amount }}",
			vars: map[string]interface{}{"amount": float64(3)},
			want: "3",
		},
		{
			name: "fractional number",
			tmpl: "{{ amount }}",
			vars: map[string]interface{}{"amount": 2.5},
			want: "2.5",
		},
		{
			name: "string is not quoted",
			tmpl: "Hello {{ name }}!",
			vars: map[string]interface{}{"name": "world"},
			want: "Hello world!",
		},
		{
			name: "nested access",
			tmpl: "{{ data.user.name }}",
			vars: map[string]interface{}{
				"data": map[string]interface{}{
					"user": map[string]interface{}{"name": "ada"},
				},
			},
			want: "ada",
		},
		{
			name: "arithmetic",
			tmpl: "{{ a * 2 + b }}",
			vars: map[string]interface{}{"a": 3, "b": 1},
			want: "7",
		},
		{
			name: "index variable",
			tmpl: "{{_index_}}",
			vars: map[string]interface{}{"_index_": 2},
			want: "2",
		},
		{
			name: "none renders empty",
			tmpl: "[{{ missing }}]",
			vars: map[string]interface{}{"missing": nil},
			want: "[]",
		},
		{
			name:    "undefined variable",
			tmpl:    "a{{ nope }}b",
			want:    "ab",
			wantErr: true,
		},
		{
			name:    "unterminated",
			tmpl:    "a{{ b",
			vars:    map[string]interface{}{"b": 1},
			want:    "a{{ b",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.tmpl, tt.vars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Render() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStarlarkRenderer_UnterminatedError(t *testing.T) {
	r := NewStarlarkRenderer(0)
	_, err := r.Render("{{ x", nil)
	if !errors.Is(err, ErrUnterminated) {
		t.Fatalf("expected ErrUnterminated, got %v", err)
	}
}

func TestStarlarkRenderer_StepLimit(t *testing.T) {
	r := NewStarlarkRenderer(100)
	_, err := r.Render("{{ [x for x in range(1000000)] }}", nil)
	if err == nil {
		t.Fatal("expected step limit error")
	}
}

func TestIsTemplate(t *testing.T) {
	if IsTemplate("run") {
		t.Error("plain action reported as template")
	}
	if !IsTemplate("{{ action }}") {
		t.Error("template not detected")
	}
}
