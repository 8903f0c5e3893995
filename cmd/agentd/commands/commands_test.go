package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/engine"
	"github.com/openfroyo/agentd/pkg/telemetry"
)

const validDefinitions = `
agents:
  - name: Weather
    type: manual
    options:
      payloads:
        - city: Oslo
          temp: 4
  - name: Summary
    type: formatter
    sources: [Weather]
    options:
      instructions:
        summary: "{{ city }} is {{ temp }} degrees"
  - name: Night Switch
    type: commander
    schedule: "10pm"
    control_targets: [Weather]
    options:
      control_action: disable
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// testConfig writes a runtime config whose store lives in a temp dir.
func testConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := "store:\n  path: " + filepath.Join(dir, "agentd.db") + "\napi:\n  enabled: false\n"
	return writeFile(t, dir, "agentd.yaml", cfg), dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	cfgPath, dir := testConfig(t)

	good := writeFile(t, dir, "good.yaml", validDefinitions)
	out, err := execute(t, "validate", "--config", cfgPath, good)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "3 agents valid") {
		t.Errorf("output = %q", out)
	}

	bad := writeFile(t, dir, "bad.yaml", strings.Replace(validDefinitions, "control_action: disable", "control_action: explode", 1))
	out, err = execute(t, "validate", "--config", cfgPath, "--json", bad)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	var report validateReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, out)
	}
	if report.Valid || len(report.Errors) == 0 || !strings.Contains(strings.Join(report.Errors, "\n"), "invalid control action") {
		t.Errorf("report = %+v", report)
	}
}

func TestAgentsCommand_Types(t *testing.T) {
	cfgPath, _ := testConfig(t)

	out, err := execute(t, "agents", "--types", "--json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}
	var infos []typeInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("failed to decode: %v\n%s", err, out)
	}
	if len(infos) != 4 || infos[0].Type != "commander" {
		t.Errorf("types = %+v", infos)
	}
	for _, i := range infos {
		if i.Type == "heartbeat" && !i.Worker {
			t.Error("heartbeat should declare a worker")
		}
	}
}

func TestDryRunCommand(t *testing.T) {
	cfgPath, dir := testConfig(t)
	ctx := context.Background()

	// Seed the store the way serve would.
	cfg, err := config.LoadRuntime(cfgPath)
	if err != nil {
		t.Fatalf("LoadRuntime failed: %v", err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	reg, err := newRegistry(cfg, telemetry.NewNop())
	if err != nil {
		t.Fatalf("newRegistry failed: %v", err)
	}
	eng, err := engine.New(store, reg, engine.Options{})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	defs, err := config.NewLoader().Load(ctx, writeFile(t, dir, "agents.yaml", validDefinitions))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := eng.Apply(ctx, defs, engine.ApplyOptions{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	_ = eng.Stop(ctx)
	_ = store.Close()

	event := writeFile(t, dir, "event.json", `{"city": "Lima", "temp": 19}`)
	out, err := execute(t, "dry-run", "Summary", "--event", event, "--json", "--config", cfgPath)
	if err != nil {
		t.Fatalf("dry-run failed: %v\n%s", err, out)
	}
	var result struct {
		Events []map[string]interface{} `json:"events"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("failed to decode: %v\n%s", err, out)
	}
	if len(result.Events) != 1 || result.Events[0]["summary"] != "Lima is 19 degrees" {
		t.Errorf("events = %v", result.Events)
	}

	if _, err := execute(t, "dry-run", "Nobody", "--config", cfgPath); err == nil {
		t.Error("expected an error for an unknown agent")
	}
}
