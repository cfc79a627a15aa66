package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
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

	// Every connection to :memory: opens a different database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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
		return ErrNotInitialized
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

// withTx runs fn inside a transaction and commits it if fn succeeds.
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

// ListAgents returns the agent registry keyed by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) (map[string]engine.AgentEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, address, port FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := make(map[string]engine.AgentEntry)
	for rows.Next() {
		var a engine.AgentEntry
		if err := rows.Scan(&a.Name, &a.Address, &a.Port); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents[a.Name] = a
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// ApplyAgentDelta upserts every non-nil entry and deletes every nil one,
// atomically.
func (s *SQLiteStore) ApplyAgentDelta(ctx context.Context, delta engine.RegistryDelta) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for name, entry := range delta {
			if entry == nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name); err != nil {
					return fmt.Errorf("failed to delete agent %s: %w", name, err)
				}
				continue
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO agents (name, address, port, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					address = excluded.address,
					port = excluded.port,
					updated_at = excluded.updated_at
			`, name, entry.Address, entry.Port, now)
			if err != nil {
				return fmt.Errorf("failed to upsert agent %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetModel returns the desired-state document of agent, or nil if none is stored.
func (s *SQLiteStore) GetModel(ctx context.Context, agent string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM models WHERE agent = ?`, agent).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode model of %s: %w", agent, err)
	}
	return doc, nil
}

// SaveModel stores the desired-state document of one agent.
func (s *SQLiteStore) SaveModel(ctx context.Context, agent string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (agent, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`, agent, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

// ReplaceModels swaps the whole model tree for tree, keyed by agent.
func (s *SQLiteStore) ReplaceModels(ctx context.Context, tree map[string]map[string]any) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM models`); err != nil {
			return fmt.Errorf("failed to clear models: %w", err)
		}
		for agent, doc := range tree {
			raw, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("failed to encode model of %s: %w", agent, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO models (agent, document, updated_at) VALUES (?, ?, ?)`,
				agent, string(raw), now,
			); err != nil {
				return fmt.Errorf("failed to insert model of %s: %w", agent, err)
			}
		}
		return nil
	})
}

// GetModelTree returns the model of every agent.
func (s *SQLiteStore) GetModelTree(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent, document FROM models`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	tree := make(map[string]map[string]any)
	for rows.Next() {
		var agent, raw string
		if err := rows.Scan(&agent, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode model of %s: %w", agent, err)
		}
		tree[agent] = doc
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating models: %w", err)
	}

	return tree, nil
}

// GetRepairModel returns the latest repair model, or nil if none is stored.
func (s *SQLiteStore) GetRepairModel(ctx context.Context) (*engine.RepairModel, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM repair_models ORDER BY seq DESC LIMIT 1`,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repair model: %w", err)
	}

	model := &engine.RepairModel{}
	if err := json.Unmarshal([]byte(raw), model); err != nil {
		return nil, fmt.Errorf("failed to decode repair model: %w", err)
	}
	return model, nil
}

// SaveRepairModel appends model to the history. Its ID must not be lower
// than the ID of the latest stored model.
func (s *SQLiteStore) SaveRepairModel(ctx context.Context, model *engine.RepairModel) error {
	if model == nil {
		return fmt.Errorf("repair model is required")
	}
	if err := model.Validate(); err != nil {
		return fmt.Errorf("invalid repair model: %w", err)
	}

	raw, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to encode repair model: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT model_id FROM repair_models ORDER BY seq DESC LIMIT 1`,
		).Scan(&latest); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read latest repair model: %w", err)
		}
		if latest.Valid && model.ID < latest.Int64 {
			return fmt.Errorf("%w: %d < %d", ErrStaleRepairModel, model.ID, latest.Int64)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repair_models (model_id, document, created_at) VALUES (?, ?, ?)`,
			model.ID, string(raw), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to save repair model: %w", err)
		}
		return nil
	})
}

// AppendEvent appends a new event to the audit trail
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	var data *string
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(raw)
		data = &str
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, type, source, level, mode, agent, operator, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventID,
		event.Type,
		event.Source,
		event.Level,
		event.Mode,
		event.Agent,
		event.Operator,
		event.Message,
		data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns events matching q, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `
		SELECT id, event_id, type, source, level, mode, agent, operator, message, data, timestamp
		FROM events
		WHERE (? = '' OR type = ?)
		  AND (? = '' OR agent = ?)
		  AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.Type, q.Type, q.Agent, q.Agent, q.Since.UTC(), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var data sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.Type,
			&event.Source,
			&event.Level,
			&event.Mode,
			&event.Agent,
			&event.Operator,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// PruneEvents deletes events older than before and returns how many were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// EventRecorder returns a subscriber that persists published engine events.
// Write failures are logged and otherwise ignored.
func (s *SQLiteStore) EventRecorder(logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "stores").Logger()
	return func(ev telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := s.AppendEvent(ctx, &Event{
			EventID:   ev.ID,
			Type:      ev.Type,
			Source:    ev.Source,
			Level:     ev.Level,
			Mode:      ev.Mode,
			Agent:     ev.Agent,
			Operator:  ev.Operator,
			Message:   ev.Message,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		})
		if err != nil {
			logger.Warn().Err(err).Str("event_type", ev.Type).Msg("Failed to record event")
		}
	}
}
