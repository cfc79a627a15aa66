package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/bsig/pkg/engine"
)

var (
	// ErrStaleRepairModel is returned when a repair model older than the
	// stored one is saved.
	ErrStaleRepairModel = errors.New("repair model is older than the stored one")

	// ErrNotInitialized is returned when the store is used before Init.
	ErrNotInitialized = errors.New("database not initialized")
)

// Event is one row of the audit trail.
type Event struct {
	ID        int64          `json:"id"`
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Level     string         `json:"level"`
	Mode      string         `json:"mode,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Operator  string         `json:"operator,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventQuery filters ListEvents. Empty fields match everything.
type EventQuery struct {
	Type   string
	Agent  string
	Since  time.Time
	Limit  int
	Offset int
}

// Store defines the persistence layer of an agent.
type Store interface {
	engine.ModelSource

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Agent registry
	ListAgents(ctx context.Context) (map[string]engine.AgentEntry, error)
	ApplyAgentDelta(ctx context.Context, delta engine.RegistryDelta) error

	// Desired-state documents
	SaveModel(ctx context.Context, agent string, doc map[string]any) error
	ReplaceModels(ctx context.Context, tree map[string]map[string]any) error
	GetModelTree(ctx context.Context) (map[string]map[string]any, error)

	// Repair models
	SaveRepairModel(ctx context.Context, model *engine.RepairModel) error

	// Audit trail
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]*Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
