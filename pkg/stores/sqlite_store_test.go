package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/agentd/pkg/agent"
)

// setupTestStore creates a file-backed SQLite store in a temp dir. Every
// pooled connection to ":memory:" would see its own empty database.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "agentd.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createAgent(t *testing.T, store *SQLiteStore, name string) *agent.Agent {
	t.Helper()
	a := &agent.Agent{
		Name:    name,
		Type:    "manual",
		Options: map[string]interface{}{"expected_update_period_in_days": 2},
	}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("failed to create agent %s: %v", name, err)
	}
	return a
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected an error for an empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"agents", "agent_links", "control_links", "events", "agent_logs"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		if err := store.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestAgentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := createAgent(t, store, "Inbox")
	if a.ID == 0 {
		t.Fatal("expected an ID after create")
	}
	if a.Schedule != "never" {
		t.Errorf("expected default schedule never, got %q", a.Schedule)
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if got.Name != "Inbox" || got.Type != "manual" {
		t.Errorf("unexpected agent: %+v", got)
	}
	if got.Options["expected_update_period_in_days"] != float64(2) {
		t.Errorf("options not round-tripped: %v", got.Options)
	}
	if got.Memory == nil || len(got.Memory) != 0 {
		t.Errorf("expected empty memory, got %v", got.Memory)
	}

	byName, err := store.GetAgentByName(ctx, "Inbox")
	if err != nil || byName.ID != a.ID {
		t.Fatalf("GetAgentByName = %v, %v", byName, err)
	}

	got.Schedule = "every_5m"
	got.Options = map[string]interface{}{"mode": "merge"}
	got.Memory = map[string]interface{}{"ignored": true}
	if err := store.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("failed to update agent: %v", err)
	}
	updated, _ := store.GetAgent(ctx, a.ID)
	if updated.Schedule != "every_5m" || updated.Options["mode"] != "merge" {
		t.Errorf("update not applied: %+v", updated)
	}
	if len(updated.Memory) != 0 {
		t.Errorf("UpdateAgent must not write memory, got %v", updated.Memory)
	}

	if err := store.DeleteAgent(ctx, a.ID); err != nil {
		t.Fatalf("failed to delete agent: %v", err)
	}
	if _, err := store.GetAgent(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteAgent(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestCreateAgent_DuplicateName(t *testing.T) {
	store := setupTestStore(t)
	createAgent(t, store, "Twin")

	dup := &agent.Agent{Name: "Twin", Type: "manual"}
	if err := store.CreateAgent(context.Background(), dup); err == nil {
		t.Error("expected a unique constraint error")
	}
}

func TestSaveAgent_RuntimeState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "Counter")

	checked := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a.Memory = map[string]interface{}{"seen": []interface{}{"x", "y"}}
	a.LastCheckAt = &checked
	a.Name = "Renamed"
	if err := store.SaveAgent(ctx, a); err != nil {
		t.Fatalf("failed to save agent: %v", err)
	}

	got, _ := store.GetAgent(ctx, a.ID)
	seen, ok := got.Memory["seen"].([]interface{})
	if !ok || len(seen) != 2 {
		t.Errorf("memory not saved: %v", got.Memory)
	}
	if got.LastCheckAt == nil || !got.LastCheckAt.Equal(checked) {
		t.Errorf("LastCheckAt = %v, want %v", got.LastCheckAt, checked)
	}
	if got.LastReceiveAt != nil {
		t.Errorf("expected no LastReceiveAt, got %v", got.LastReceiveAt)
	}
	if got.Name != "Counter" {
		t.Errorf("SaveAgent must not rename, got %q", got.Name)
	}

	if err := store.SaveAgent(ctx, &agent.Agent{ID: 999}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetDisabled(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "Toggle")

	if err := store.SetDisabled(ctx, a.ID, true); err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	got, _ := store.GetAgent(ctx, a.ID)
	if !got.Disabled {
		t.Error("expected agent disabled")
	}
	if err := store.SetDisabled(ctx, 404, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLinks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	source := createAgent(t, store, "Source")
	other := createAgent(t, store, "Other")
	receiver := createAgent(t, store, "Receiver")
	controller := createAgent(t, store, "Controller")

	if err := store.SetSources(ctx, receiver.ID, []int64{source.ID, other.ID}); err != nil {
		t.Fatalf("failed to set sources: %v", err)
	}
	if err := store.SetControlTargets(ctx, controller.ID, []int64{receiver.ID}); err != nil {
		t.Fatalf("failed to set control targets: %v", err)
	}

	got, _ := store.GetAgent(ctx, receiver.ID)
	if len(got.SourceIDs) != 2 || got.SourceIDs[0] != source.ID || got.SourceIDs[1] != other.ID {
		t.Errorf("SourceIDs = %v", got.SourceIDs)
	}

	receivers, err := store.ListReceivers(ctx, source.ID)
	if err != nil {
		t.Fatalf("failed to list receivers: %v", err)
	}
	if len(receivers) != 1 || receivers[0].ID != receiver.ID {
		t.Errorf("unexpected receivers: %v", receivers)
	}

	// Replacing drops the old set.
	if err := store.SetSources(ctx, receiver.ID, []int64{other.ID}); err != nil {
		t.Fatalf("failed to replace sources: %v", err)
	}
	receivers, _ = store.ListReceivers(ctx, source.ID)
	if len(receivers) != 0 {
		t.Errorf("expected no receivers after replace, got %d", len(receivers))
	}

	all, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("failed to list agents: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(all))
	}
	for _, a := range all {
		switch a.ID {
		case receiver.ID:
			if len(a.SourceIDs) != 1 || a.SourceIDs[0] != other.ID {
				t.Errorf("receiver SourceIDs = %v", a.SourceIDs)
			}
		case controller.ID:
			if len(a.ControlTargetIDs) != 1 || a.ControlTargetIDs[0] != receiver.ID {
				t.Errorf("controller ControlTargetIDs = %v", a.ControlTargetIDs)
			}
		}
	}

	// Deleting a linked agent cascades.
	if err := store.DeleteAgent(ctx, receiver.ID); err != nil {
		t.Fatalf("failed to delete receiver: %v", err)
	}
	got, _ = store.GetAgent(ctx, controller.ID)
	if len(got.ControlTargetIDs) != 0 {
		t.Errorf("expected control links removed, got %v", got.ControlTargetIDs)
	}
}

func TestSetSources_UnknownAgent(t *testing.T) {
	store := setupTestStore(t)
	receiver := createAgent(t, store, "Receiver")

	if err := store.SetSources(context.Background(), receiver.ID, []int64{12345}); err == nil {
		t.Error("expected a foreign key error")
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "Emitter")

	for i := 1; i <= 3; i++ {
		e, err := store.CreateEvent(ctx, &agent.Event{AgentID: a.ID, Payload: map[string]interface{}{"n": i}})
		if err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
		if !e.Durable() {
			t.Error("expected a durable event")
		}
	}

	events, err := store.ListEvents(ctx, a.ID, 2, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 || events[0].Payload["n"] != float64(3) || events[1].Payload["n"] != float64(2) {
		t.Errorf("expected newest first, got %v and %v", events[0].Payload, events[1].Payload)
	}

	got, _ := store.GetAgent(ctx, a.ID)
	if got.LastEventAt == nil {
		t.Error("expected last_event_at stamped")
	}

	if _, err := store.CreateEvent(ctx, &agent.Event{AgentID: 777}); err == nil {
		t.Error("expected a foreign key error for an unknown agent")
	}
}

func TestLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "Talker")

	entries := []*agent.LogEntry{
		{AgentID: a.ID, Level: agent.LogInfo, Message: "started"},
		{AgentID: a.ID, Level: agent.LogError, Message: "boom"},
		{AgentID: a.ID, Message: "defaults to info"},
	}
	for _, entry := range entries {
		if err := store.AppendLog(ctx, entry); err != nil {
			t.Fatalf("failed to append log: %v", err)
		}
	}

	all, err := store.ListLogs(ctx, a.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(all) != 3 || all[0].Message != "defaults to info" || all[0].Level != agent.LogInfo {
		t.Errorf("unexpected logs: %+v", all)
	}

	level := agent.LogError
	errs, err := store.ListLogs(ctx, a.ID, &level, 10, 0)
	if err != nil {
		t.Fatalf("failed to list error logs: %v", err)
	}
	if len(errs) != 1 || errs[0].Message != "boom" {
		t.Errorf("unexpected error logs: %+v", errs)
	}

	bad := &agent.LogEntry{AgentID: a.ID, Level: "debug", Message: "nope"}
	if err := store.AppendLog(ctx, bad); err == nil {
		t.Error("expected the level check constraint to reject debug")
	}
}

// The store is the durable sink behind agent hosts.
func TestStore_BacksAgentHost(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "Hosted")

	reg := agent.NewRegistry(nil, nil)
	reg.MustRegister(agent.Descriptor{
		Type: "manual",
		Check: func(ctx context.Context, h *agent.Host) error {
			if _, err := h.CreateEvent(ctx, map[string]interface{}{"hello": "world"}); err != nil {
				return err
			}
			h.Log(ctx, "emitted")
			h.Memory()["runs"] = 1
			return h.Save(ctx)
		},
	})
	h, err := reg.NewHost(a, agent.Deps{Events: store, Logs: store, Persister: store})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	if err := h.Check(ctx); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	events, _ := store.ListEvents(ctx, a.ID, 10, 0)
	logs, _ := store.ListLogs(ctx, a.ID, nil, 10, 0)
	got, _ := store.GetAgent(ctx, a.ID)
	if len(events) != 1 || len(logs) != 1 || got.Memory["runs"] != float64(1) {
		t.Errorf("expected one event, one log and saved memory; got %d, %d, %v", len(events), len(logs), got.Memory)
	}
}
