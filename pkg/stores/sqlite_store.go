package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/agentd/pkg/agent"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `mapstructure:"path" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection pool with WAL mode and foreign keys on
// every connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

const agentColumns = `id, name, type, options, memory, schedule, disabled, deactivated,
	last_check_at, last_receive_at, last_event_at, created_at, updated_at`

// CreateAgent inserts a new agent record and its links, setting a.ID.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *agent.Agent) error {
	options, memory, err := encodeAgentMaps(a)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	if a.Schedule == "" {
		a.Schedule = "never"
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO agents (name, type, options, memory, schedule, disabled, deactivated, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := tx.ExecContext(ctx, query,
			a.Name,
			a.Type,
			options,
			memory,
			a.Schedule,
			a.Disabled,
			a.Deactivated,
			a.CreatedAt,
			a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}
		if a.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get agent id: %w", err)
		}

		if err := replaceLinks(ctx, tx, sourceLinks, a.ID, a.SourceIDs); err != nil {
			return err
		}
		return replaceLinks(ctx, tx, controlLinks, a.ID, a.ControlTargetIDs)
	})
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`
	a, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if err := s.loadLinks(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAgentByName retrieves an agent by its unique name
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*agent.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE name = ?`
	a, err := scanAgent(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	if err := s.loadLinks(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents lists all agents ordered by ID, with their links.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := []*agent.Agent{}
	byID := make(map[int64]*agent.Agent)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	rows.Close()

	err = s.eachLink(ctx, `SELECT receiver_id, source_id FROM agent_links ORDER BY source_id`, func(owner, linked int64) {
		if a, ok := byID[owner]; ok {
			a.SourceIDs = append(a.SourceIDs, linked)
		}
	})
	if err != nil {
		return nil, err
	}
	err = s.eachLink(ctx, `SELECT controller_id, target_id FROM control_links ORDER BY target_id`, func(owner, linked int64) {
		if a, ok := byID[owner]; ok {
			a.ControlTargetIDs = append(a.ControlTargetIDs, linked)
		}
	})
	if err != nil {
		return nil, err
	}

	return agents, nil
}

// UpdateAgent writes the configuration columns of an agent: name, type,
// options, schedule and the disabled and deactivated flags. Memory and the
// activity timestamps are left alone.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	options, err := encodeMap(a.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	a.UpdatedAt = time.Now().UTC()
	if a.Schedule == "" {
		a.Schedule = "never"
	}

	query := `
		UPDATE agents
		SET name = ?, type = ?, options = ?, schedule = ?, disabled = ?, deactivated = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		a.Name,
		a.Type,
		options,
		a.Schedule,
		a.Disabled,
		a.Deactivated,
		a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return expectRow(result, "agent", a.ID)
}

// SaveAgent persists the runtime state an invocation may change: memory
// and the last check and receive timestamps.
func (s *SQLiteStore) SaveAgent(ctx context.Context, a *agent.Agent) error {
	memory, err := encodeMap(a.Memory)
	if err != nil {
		return fmt.Errorf("failed to encode memory: %w", err)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}

	query := `
		UPDATE agents
		SET memory = ?, last_check_at = ?, last_receive_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, memory, a.LastCheckAt, a.LastReceiveAt, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return expectRow(result, "agent", a.ID)
}

// SetDisabled flips the disabled flag of an agent.
func (s *SQLiteStore) SetDisabled(ctx context.Context, id int64, disabled bool) error {
	query := `UPDATE agents SET disabled = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, disabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return expectRow(result, "agent", id)
}

// DeleteAgent deletes an agent. Its links, events and logs cascade.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return expectRow(result, "agent", id)
}

// SetSources replaces the set of agents receiverID receives events from.
func (s *SQLiteStore) SetSources(ctx context.Context, receiverID int64, sourceIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceLinks(ctx, tx, sourceLinks, receiverID, sourceIDs)
	})
}

// SetControlTargets replaces the set of agents controllerID controls.
func (s *SQLiteStore) SetControlTargets(ctx context.Context, controllerID int64, targetIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceLinks(ctx, tx, controlLinks, controllerID, targetIDs)
	})
}

// ListReceivers returns the agents that receive events from sourceID.
func (s *SQLiteStore) ListReceivers(ctx context.Context, sourceID int64) ([]*agent.Agent, error) {
	query := `
		SELECT ` + prefixed("a.", agentColumns) + `
		FROM agents a
		JOIN agent_links l ON l.receiver_id = a.id
		WHERE l.source_id = ?
		ORDER BY a.id
	`
	rows, err := s.db.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receivers: %w", err)
	}
	defer rows.Close()

	receivers := []*agent.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		receivers = append(receivers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receivers: %w", err)
	}
	return receivers, nil
}

// CreateEvent stores an event and stamps the emitting agent's
// last_event_at. The returned event carries its new ID.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *agent.Event) (*agent.Event, error) {
	payload, err := encodeMap(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO events (agent_id, payload, created_at) VALUES (?, ?, ?)`,
			e.AgentID, payload, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create event: %w", err)
		}
		if e.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get event id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET last_event_at = ? WHERE id = ?`, e.CreatedAt, e.AgentID); err != nil {
			return fmt.Errorf("failed to stamp agent: %w", err)
		}
		return nil
	})
	if err != nil {
		e.ID = 0
		return nil, err
	}
	return e, nil
}

// ListEvents lists an agent's events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, agentID int64, limit, offset int) ([]*agent.Event, error) {
	query := `
		SELECT id, agent_id, payload, created_at
		FROM events
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*agent.Event{}
	for rows.Next() {
		e := &agent.Event{}
		var payload string
		if err := rows.Scan(&e.ID, &e.AgentID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Payload, err = decodeMap(payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of event %d: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// AppendLog adds an entry to an agent's log.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *agent.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = agent.LogInfo
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_logs (agent_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		entry.AgentID, string(entry.Level), entry.Message, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	if entry.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get log id: %w", err)
	}
	return nil
}

// ListLogs lists an agent's log entries, newest first, optionally filtered
// by level.
func (s *SQLiteStore) ListLogs(ctx context.Context, agentID int64, level *agent.LogLevel, limit, offset int) ([]*agent.LogEntry, error) {
	query := `
		SELECT id, agent_id, level, message, created_at
		FROM agent_logs
		WHERE agent_id = ?
		  AND (? IS NULL OR level = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	var filter interface{}
	if level != nil {
		filter = string(*level)
	}

	rows, err := s.db.QueryContext(ctx, query, agentID, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	entries := []*agent.LogEntry{}
	for rows.Next() {
		entry := &agent.LogEntry{}
		var lvl string
		if err := rows.Scan(&entry.ID, &entry.AgentID, &lvl, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Level = agent.LogLevel(lvl)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}
	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadLinks(ctx context.Context, a *agent.Agent) error {
	a.SourceIDs, a.ControlTargetIDs = nil, nil
	err := s.eachLink(ctx, `SELECT receiver_id, source_id FROM agent_links WHERE receiver_id = ? ORDER BY source_id`,
		func(_, linked int64) { a.SourceIDs = append(a.SourceIDs, linked) }, a.ID)
	if err != nil {
		return err
	}
	return s.eachLink(ctx, `SELECT controller_id, target_id FROM control_links WHERE controller_id = ? ORDER BY target_id`,
		func(_, linked int64) { a.ControlTargetIDs = append(a.ControlTargetIDs, linked) }, a.ID)
}

func (s *SQLiteStore) eachLink(ctx context.Context, query string, fn func(owner, linked int64), args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, linked int64
		if err := rows.Scan(&owner, &linked); err != nil {
			return fmt.Errorf("failed to scan link: %w", err)
		}
		fn(owner, linked)
	}
	return rows.Err()
}

type linkTable struct {
	table, owner, linked string
}

var (
	sourceLinks  = linkTable{table: "agent_links", owner: "receiver_id", linked: "source_id"}
	controlLinks = linkTable{table: "control_links", owner: "controller_id", linked: "target_id"}
)

func replaceLinks(ctx context.Context, tx *sql.Tx, lt linkTable, owner int64, linked []int64) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, lt.table, lt.owner)
	if _, err := tx.ExecContext(ctx, del, owner); err != nil {
		return fmt.Errorf("failed to clear %s: %w", lt.table, err)
	}

	ins := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)`, lt.table, lt.owner, lt.linked)
	for _, id := range linked {
		if _, err := tx.ExecContext(ctx, ins, owner, id); err != nil {
			return fmt.Errorf("failed to link agent %d to %d: %w", owner, id, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*agent.Agent, error) {
	a := &agent.Agent{}
	var options, memory string
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Type,
		&options,
		&memory,
		&a.Schedule,
		&a.Disabled,
		&a.Deactivated,
		&a.LastCheckAt,
		&a.LastReceiveAt,
		&a.LastEventAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.Options, err = decodeMap(options); err != nil {
		return nil, fmt.Errorf("failed to decode options of agent %d: %w", a.ID, err)
	}
	if a.Memory, err = decodeMap(memory); err != nil {
		return nil, fmt.Errorf("failed to decode memory of agent %d: %w", a.ID, err)
	}
	return a, nil
}

func encodeAgentMaps(a *agent.Agent) (options, memory string, err error) {
	if options, err = encodeMap(a.Options); err != nil {
		return "", "", fmt.Errorf("failed to encode options: %w", err)
	}
	if memory, err = encodeMap(a.Memory); err != nil {
		return "", "", fmt.Errorf("failed to encode memory: %w", err)
	}
	return options, memory, nil
}

func encodeMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]interface{}, error) {
	m := make(map[string]interface{})
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func expectRow(result sql.Result, what string, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func prefixed(prefix, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = prefix + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
