package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
field1: string
field2: int
`

	if err := sr.RegisterSchema("custom", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "custom", map[string]interface{}{"field1": "a", "field2": 2}); err != nil {
		t.Errorf("expected valid data, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "custom", map[string]interface{}{"field1": "a", "field2": "two"}); err == nil {
		t.Error("expected a type conflict")
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("broken", "field: {"); err == nil {
		t.Error("expected a compile error")
	}
	if _, ok := sr.GetSchema("broken"); ok {
		t.Error("broken schema must not be registered")
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", struct{}{}); err == nil {
		t.Error("expected an error for an unknown schema")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()
	_ = sr.RegisterSchema("zeta", "a: int")

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != "agent" || names[1] != "zeta" {
		t.Errorf("ListSchemas() = %v", names)
	}
}

func TestSchemaRegistry_ValidateAgent(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		def     AgentDefinition
		wantErr bool
	}{
		{"minimal", AgentDefinition{Name: "A", Type: "manual"}, false},
		{"every", AgentDefinition{Name: "A", Type: "manual", Schedule: "every_30s"}, false},
		{"hour", AgentDefinition{Name: "A", Type: "manual", Schedule: "11am"}, false},
		{"cron", AgentDefinition{Name: "A", Type: "manual", Schedule: "cron:*/5 * * * *"}, false},
		{"never", AgentDefinition{Name: "A", Type: "manual", Schedule: "never"}, false},
		{"with options", AgentDefinition{
			Name:    "A",
			Type:    "formatter",
			Options: map[string]interface{}{"instructions": map[string]interface{}{"x": "{{ y }}"}},
			Sources: []string{"B"},
		}, false},
		{"12pm is noon", AgentDefinition{Name: "A", Type: "manual", Schedule: "12pm"}, true},
		{"bad cadence", AgentDefinition{Name: "A", Type: "manual", Schedule: "hourly"}, true},
		{"uppercase type", AgentDefinition{Name: "A", Type: "Manual"}, true},
		{"empty source", AgentDefinition{Name: "A", Type: "formatter", Sources: []string{""}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgent(ctx, tt.def)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgent() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
