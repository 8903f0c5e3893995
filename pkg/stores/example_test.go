package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/agentd/pkg/agent"
	"github.com/openfroyo/agentd/pkg/stores"
)

func openExampleStore() (*stores.SQLiteStore, func()) {
	dir, err := os.MkdirTemp("", "agentd-example")
	if err != nil {
		log.Fatal(err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            filepath.Join(dir, "agentd.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	return store, func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}
}

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, cleanup := openExampleStore()
	defer cleanup()

	if err := store.HealthCheck(context.Background()); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateAgent demonstrates creating an agent and linking
// a receiver to it.
func ExampleSQLiteStore_CreateAgent() {
	store, cleanup := openExampleStore()
	defer cleanup()
	ctx := context.Background()

	source := &agent.Agent{Name: "Weather", Type: "manual", Schedule: "every_1h"}
	if err := store.CreateAgent(ctx, source); err != nil {
		log.Fatal(err)
	}

	receiver := &agent.Agent{Name: "Formatter", Type: "formatter", SourceIDs: []int64{source.ID}}
	if err := store.CreateAgent(ctx, receiver); err != nil {
		log.Fatal(err)
	}

	receivers, err := store.ListReceivers(ctx, source.ID)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range receivers {
		fmt.Printf("%s receives from %s\n", r.Name, source.Name)
	}
	// Output: Formatter receives from Weather
}

// ExampleSQLiteStore_ListLogs demonstrates filtering an agent log by level.
func ExampleSQLiteStore_ListLogs() {
	store, cleanup := openExampleStore()
	defer cleanup()
	ctx := context.Background()

	a := &agent.Agent{Name: "Talker", Type: "manual"}
	if err := store.CreateAgent(ctx, a); err != nil {
		log.Fatal(err)
	}
	_ = store.AppendLog(ctx, &agent.LogEntry{AgentID: a.ID, Level: agent.LogInfo, Message: "fetched 3 items"})
	_ = store.AppendLog(ctx, &agent.LogEntry{AgentID: a.ID, Level: agent.LogError, Message: "upstream returned 502"})

	level := agent.LogError
	entries, err := store.ListLogs(ctx, a.ID, &level, 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		fmt.Printf("[%s] %s\n", e.Level, e.Message)
	}
	// Output: [error] upstream returned 502
}
