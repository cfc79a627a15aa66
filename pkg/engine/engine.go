package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/bsig/pkg/telemetry"
)

// Config holds the tunables of the repair engine.
type Config struct {
	// SleepTime is the fixed delay between retries and main-loop iterations.
	SleepTime time.Duration

	// MaxTries bounds the local precondition retry loop.
	MaxTries int

	// Sequential selects one operator per step instead of a conflict-free batch.
	Sequential bool

	// ThrottlePoll is how often the main loop re-checks the satisfier counter.
	ThrottlePoll time.Duration

	// BootstrapTimeout bounds how long a new peer may take to become reachable.
	BootstrapTimeout time.Duration

	// BootstrapPoll is the interval between reachability probes.
	BootstrapPoll time.Duration

	// CreateActions are the action names that provision a peer node.
	CreateActions []string

	// DeleteActions are the action names that remove a peer node.
	DeleteActions []string

	// PeerParameter is the operator parameter naming the affected peer.
	PeerParameter string

	// DefaultPeerPort is used when a provisioned peer does not report a port.
	DefaultPeerPort int
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		SleepTime:        5 * time.Second,
		MaxTries:         5,
		ThrottlePoll:     time.Second,
		BootstrapTimeout: 10 * time.Minute,
		BootstrapPoll:    2 * time.Second,
		CreateActions:    []string{"create_vm"},
		DeleteActions:    []string{"delete_vm"},
		PeerParameter:    "vm",
		DefaultPeerPort:  1314,
	}
}

// Deps are the collaborators of an Engine. Runtime, Registry, Models, Locks,
// Throttle and Peers are required.
type Deps struct {
	Runtime   Runtime
	Registry  AgentRegistry
	Models    ModelSource
	Locks     DistributedLock
	Throttle  SatisfierThrottle
	Peers     PeerClient
	Modules   ModuleInventory
	Defaults  DefaultStatePolicy
	Augmenter StateAugmenter

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Engine is the goal-repair engine of one agent. All shared state lives
// here; the HTTP layer and the main loop hold a pointer to the same value.
type Engine struct {
	cfg Config

	runtime   Runtime
	registry  AgentRegistry
	models    ModelSource
	locks     DistributedLock
	throttle  SatisfierThrottle
	peers     PeerClient
	modules   ModuleInventory
	defaults  DefaultStatePolicy
	augmenter StateAugmenter

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	enabled atomic.Bool
	cleared atomic.Bool
}

// New creates an engine. The engine starts disabled.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Runtime == nil:
		return nil, errors.New("engine: runtime is required")
	case deps.Registry == nil:
		return nil, errors.New("engine: agent registry is required")
	case deps.Models == nil:
		return nil, errors.New("engine: model source is required")
	case deps.Locks == nil:
		return nil, errors.New("engine: operator lock is required")
	case deps.Throttle == nil:
		return nil, errors.New("engine: satisfier throttle is required")
	case deps.Peers == nil:
		return nil, errors.New("engine: peer client is required")
	}

	def := DefaultConfig()
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.SleepTime < 0 {
		cfg.SleepTime = def.SleepTime
	}
	if cfg.ThrottlePoll <= 0 {
		cfg.ThrottlePoll = def.ThrottlePoll
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = def.BootstrapTimeout
	}
	if cfg.BootstrapPoll <= 0 {
		cfg.BootstrapPoll = def.BootstrapPoll
	}
	if cfg.PeerParameter == "" {
		cfg.PeerParameter = def.PeerParameter
	}
	if cfg.DefaultPeerPort <= 0 {
		cfg.DefaultPeerPort = def.DefaultPeerPort
	}

	if deps.Defaults == nil {
		deps.Defaults = NodeDefaults{}
	}

	return &Engine{
		cfg:       cfg,
		runtime:   deps.Runtime,
		registry:  deps.Registry,
		models:    deps.Models,
		locks:     deps.Locks,
		throttle:  deps.Throttle,
		peers:     deps.Peers,
		modules:   deps.Modules,
		defaults:  deps.Defaults,
		augmenter: deps.Augmenter,
		logger:    deps.Logger.With().Str("component", "engine").Logger(),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		events:    deps.Events,
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Enable turns the engine on. It reports false if it was already enabled.
func (e *Engine) Enable() bool {
	return e.enabled.CompareAndSwap(false, true)
}

// Disable turns the engine off. Running loops exit at their next check;
// an action that has already started runs to completion.
func (e *Engine) Disable() {
	e.enabled.Store(false)
}

// Enabled reports whether the engine is on.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Whoami returns this agent's identity.
func (e *Engine) Whoami() string {
	return e.runtime.Whoami()
}

// CollectState returns the runtime's snapshot with synthetic peer entries added.
func (e *Engine) CollectState(ctx context.Context) (State, error) {
	state, err := e.runtime.GetCurrentState(ctx)
	if err != nil {
		cerr := NewTransientError("cannot get current state", err).WithCode(ErrCodeStateUnavailable)
		e.recordError(cerr)
		return nil, cerr
	}
	if state == nil {
		state = State{}
	}
	if e.augmenter != nil {
		state = e.augmenter.Augment(state)
	}
	return state, nil
}

// recordError counts err by class and code. Errors that were never
// classified count as permanent.
func (e *Engine) recordError(err error) {
	var ee *EngineError
	if !errors.As(err, &ee) {
		e.metrics.RecordError(string(ErrorClassPermanent), "")
		return
	}
	e.metrics.RecordError(string(ee.Class), ee.Code)
}

// sleep waits d or until ctx is done. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// running reports whether loops should keep going.
func (e *Engine) running(ctx context.Context) bool {
	return e.Enabled() && ctx.Err() == nil
}
