package engine

import (
	"context"
)

// Runtime is the bridge to the resource objects of this agent.
type Runtime interface {
	// GetCurrentState returns the observed state flattened to paths.
	// An error means no usable snapshot could be produced.
	GetCurrentState(ctx context.Context) (State, error)

	// ExecuteAction performs the mutation named by the operator. A false
	// result or an error both mean the action did not succeed.
	ExecuteAction(ctx context.Context, op *Operator) (bool, error)

	// Whoami returns this agent's identity segment.
	Whoami() string
}

// AgentRegistry gives access to the known peers.
type AgentRegistry interface {
	// GetAgentRegistry returns all known peers keyed by name.
	GetAgentRegistry(ctx context.Context) (map[string]AgentEntry, error)

	// SetAgentRegistry applies delta (nil entries delete) and propagates it
	// to every known peer on a best-effort basis.
	SetAgentRegistry(ctx context.Context, delta RegistryDelta) (bool, error)
}

// ModelSource provides the documents an agent repairs towards.
type ModelSource interface {
	// GetRepairModel returns the latest repair model, or nil if none is stored.
	GetRepairModel(ctx context.Context) (*RepairModel, error)

	// GetModel returns the desired-state document of one agent, or nil.
	GetModel(ctx context.Context, agent string) (map[string]any, error)
}

// DistributedLock provides mutual exclusion keyed by operator identity that
// holds across processes on the same host.
type DistributedLock interface {
	// TryAcquire takes the lock without blocking and reports whether it succeeded.
	TryAcquire(ctx context.Context, key string) (bool, error)

	// Release frees the lock. Releasing an unheld lock is not an error.
	Release(ctx context.Context, key string) error

	// Reset removes every lock, used once at startup to clear stale state.
	Reset(ctx context.Context) error
}

// SatisfierThrottle counts in-flight peer-initiated repairs across processes.
type SatisfierThrottle interface {
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
}

// SatisfierRequest is the body of a goal delegation request.
type SatisfierRequest struct {
	ID   int64 `json:"id"`
	Goal Goal  `json:"goal"`
	Pi   int   `json:"pi"`
}

// PeerClient talks to other agents. Every push returns the HTTP status code;
// a non-nil error means the request did not complete.
type PeerClient interface {
	SendGoal(ctx context.Context, peer AgentEntry, req SatisfierRequest) (int, error)
	Ping(ctx context.Context, peer AgentEntry) error
	ListModules(ctx context.Context, peer AgentEntry) (map[string]string, error)
	PushModule(ctx context.Context, peer AgentEntry, name string, archive []byte) (int, error)
	PushRegistry(ctx context.Context, peer AgentEntry, registry map[string]AgentEntry) (int, error)
	PushModel(ctx context.Context, peer AgentEntry, model map[string]any) (int, error)
	PushRepairModel(ctx context.Context, peer AgentEntry, model *RepairModel) (int, error)
}

// ModuleInventory describes the resource modules installed on this agent.
type ModuleInventory interface {
	// Hashes returns module name to content hash.
	Hashes(ctx context.Context) (map[string]string, error)

	// Archive returns a transferable archive of one module.
	Archive(ctx context.Context, name string) ([]byte, error)
}

// DefaultStatePolicy supplies the assumed state of a peer that does not exist yet.
type DefaultStatePolicy interface {
	DefaultState(agent string) State
}

// StateAugmenter adds synthetic entries to an observed snapshot.
type StateAugmenter interface {
	Augment(state State) State
}
