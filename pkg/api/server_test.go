package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/agents"
	"github.com/openfroyo/agentd/pkg/config"
	"github.com/openfroyo/agentd/pkg/engine"
	"github.com/openfroyo/agentd/pkg/stores"
	"github.com/openfroyo/agentd/pkg/telemetry"
	"github.com/openfroyo/agentd/pkg/worker"
)

type fixture struct {
	srv *httptest.Server
	ids map[string]int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	tel := telemetry.NewNop()
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "agentd_test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	tel.Metrics = metrics

	reg := agent.NewRegistry(nil, tel)
	if err := agents.Register(reg); err != nil {
		t.Fatalf("failed to register agents: %v", err)
	}

	cfg := worker.DefaultConfig()
	cfg.ForceStopTimeout = time.Second
	eng, err := engine.New(store, reg, engine.Options{Supervisor: cfg, Telemetry: tel})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	defs := &config.Definitions{Agents: []config.AgentDefinition{
		{Name: "Source", Type: "manual", Options: map[string]interface{}{
			"payloads": []interface{}{map[string]interface{}{"city": "Oslo", "temp": 4}},
		}},
		{Name: "Summary", Type: "formatter", Sources: []string{"Source"}, Options: map[string]interface{}{
			"instructions": map[string]interface{}{"summary": "{{ city }} is {{ temp }} degrees"},
		}},
	}}
	if _, err := eng.Apply(ctx, defs, engine.ApplyOptions{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ids := make(map[string]int64)
	list, _ := store.ListAgents(ctx)
	for _, a := range list {
		ids[a.Name] = a.ID
	}

	srv := httptest.NewServer(NewServer(config.APIConfig{}, eng, store, tel))
	t.Cleanup(func() {
		srv.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
		_ = store.Close()
	})
	return &fixture{srv: srv, ids: ids}
}

func (f *fixture) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) agentPath(name, suffix string) string {
	return fmt.Sprintf("/agents/%d%s", f.ids[name], suffix)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	if status := f.do(t, http.MethodGet, "/healthz", "", &body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_Agents(t *testing.T) {
	f := newFixture(t)

	var list []agent.Agent
	if status := f.do(t, http.MethodGet, "/agents", "", &list); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 agents, got %d", len(list))
	}

	var a agent.Agent
	if status := f.do(t, http.MethodGet, f.agentPath("Summary", ""), "", &a); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if a.Name != "Summary" || len(a.SourceIDs) != 1 {
		t.Errorf("agent = %+v", a)
	}
}

func TestServer_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"bad id", http.MethodGet, "/agents/abc", http.StatusBadRequest, ""},
		{"missing agent", http.MethodGet, "/agents/9999", http.StatusNotFound, engine.ErrCodeNotFound},
		{"run missing agent", http.MethodPost, "/agents/9999/run", http.StatusNotFound, engine.ErrCodeNotFound},
		{"bad level", http.MethodGet, f.agentPath("Source", "/logs?level=loud"), http.StatusBadRequest, ""},
		{"bad limit", http.MethodGet, f.agentPath("Source", "/events?limit=-1"), http.StatusBadRequest, ""},
		{"logs of missing agent", http.MethodGet, "/agents/9999/logs", http.StatusNotFound, engine.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorResponse
			status := f.do(t, tt.method, tt.path, "", &body)
			if status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestServer_RunPropagates(t *testing.T) {
	f := newFixture(t)

	var run runResponse
	if status := f.do(t, http.MethodPost, f.agentPath("Source", "/run"), "", &run); status != http.StatusAccepted {
		t.Fatalf("status = %d", status)
	}
	if run.RunID == "" {
		t.Error("expected a run id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var events []agent.Event
		f.do(t, http.MethodGet, f.agentPath("Summary", "/events"), "", &events)
		if len(events) == 1 {
			if got := events[0].Payload["summary"]; got != "Oslo is 4 degrees" {
				t.Errorf("summary = %v", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("formatter never produced an event, got %d", len(events))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServer_EnableDisable(t *testing.T) {
	f := newFixture(t)

	var a agent.Agent
	if status := f.do(t, http.MethodPost, f.agentPath("Source", "/disable"), "", &a); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !a.Disabled {
		t.Error("expected the agent to be disabled")
	}

	var body errorResponse
	if status := f.do(t, http.MethodPost, f.agentPath("Source", "/run"), "", &body); status != http.StatusConflict {
		t.Errorf("run of a disabled agent: status = %d", status)
	}
	if body.Code != engine.ErrCodeDisabled {
		t.Errorf("code = %q", body.Code)
	}

	if status := f.do(t, http.MethodPost, f.agentPath("Source", "/enable"), "", &a); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if a.Disabled {
		t.Error("expected the agent to be enabled")
	}
}

func TestServer_DryRun(t *testing.T) {
	f := newFixture(t)

	var result struct {
		Log    string                   `json:"log"`
		Events []map[string]interface{} `json:"events"`
	}
	payload := `{"payload": {"city": "Lima", "temp": 19}}`
	if status := f.do(t, http.MethodPost, f.agentPath("Summary", "/dry_run"), payload, &result); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(result.Events) != 1 || result.Events[0]["summary"] != "Lima is 19 degrees" {
		t.Errorf("events = %v", result.Events)
	}
	if !strings.Contains(result.Log, "Dry Run finished") {
		t.Errorf("log = %q", result.Log)
	}

	// Nothing was stored.
	var events []agent.Event
	f.do(t, http.MethodGet, f.agentPath("Summary", "/events"), "", &events)
	if len(events) != 0 {
		t.Errorf("dry run stored %d events", len(events))
	}

	var body errorResponse
	if status := f.do(t, http.MethodPost, f.agentPath("Summary", "/dry_run"), "{", &body); status != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d", status)
	}
}

func TestServer_WorkersAndMetrics(t *testing.T) {
	f := newFixture(t)

	var workers []worker.Status
	if status := f.do(t, http.MethodGet, "/workers", "", &workers); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(workers) != 0 {
		t.Errorf("expected no workers, got %v", workers)
	}

	f.do(t, http.MethodPost, f.agentPath("Source", "/dry_run"), "", nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "agentd_test_dry_runs_total") {
		t.Errorf("metrics missing the dry run counter:\n%s", raw)
	}
}
