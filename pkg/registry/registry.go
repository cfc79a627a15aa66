// Package registry maintains the set of known peer agents and propagates
// changes to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/bsig/pkg/engine"
	"github.com/openfroyo/bsig/pkg/telemetry"
)

// maxFanOut bounds concurrent broadcast requests.
const maxFanOut = 16

// Storage persists the registry.
type Storage interface {
	ListAgents(ctx context.Context) (map[string]engine.AgentEntry, error)
	ApplyAgentDelta(ctx context.Context, delta engine.RegistryDelta) error
}

// Broadcaster sends a registry delta to one peer and returns the HTTP status.
type Broadcaster interface {
	PushRegistryDelta(ctx context.Context, peer engine.AgentEntry, delta engine.RegistryDelta) (int, error)
}

// Registry implements engine.AgentRegistry on top of a Storage. Writes made
// through SetAgentRegistry are broadcast to every other known peer on a
// best-effort basis; writes received from peers are applied with ApplyLocal
// and not forwarded again.
type Registry struct {
	self    string
	store   Storage
	peers   Broadcaster
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics records broadcast outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithEvents publishes agent.registered and agent.removed events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(r *Registry) { r.events = ep }
}

// New creates a registry for the agent named self.
func New(self string, store Storage, peers Broadcaster, opts ...Option) *Registry {
	r := &Registry{
		self:   self,
		store:  store,
		peers:  peers,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "registry").Logger()
	return r
}

// GetAgentRegistry returns all known agents keyed by name.
func (r *Registry) GetAgentRegistry(ctx context.Context) (map[string]engine.AgentEntry, error) {
	return r.store.ListAgents(ctx)
}

// Lookup returns the entry of one agent.
func (r *Registry) Lookup(ctx context.Context, name string) (engine.AgentEntry, bool, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return engine.AgentEntry{}, false, err
	}
	a, ok := agents[name]
	return a, ok, nil
}

// ApplyLocal stores delta without propagating it.
func (r *Registry) ApplyLocal(ctx context.Context, delta engine.RegistryDelta) error {
	if err := Validate(delta); err != nil {
		return err
	}
	if err := r.store.ApplyAgentDelta(ctx, normalize(delta)); err != nil {
		return fmt.Errorf("failed to update registry: %w", err)
	}
	for name, entry := range delta {
		if entry == nil {
			r.events.PublishAgentRemoved(name)
			continue
		}
		r.events.PublishAgentRegistered(name, entry.Address, entry.Port)
	}
	return nil
}

// SetAgentRegistry applies delta locally and then pushes it to every other
// peer. It reports false only if the local update failed; a peer that
// cannot be reached is logged and skipped.
func (r *Registry) SetAgentRegistry(ctx context.Context, delta engine.RegistryDelta) (bool, error) {
	if err := r.ApplyLocal(ctx, delta); err != nil {
		return false, err
	}

	op := telemetry.StartOperation(ctx, "bsig.registry.broadcast",
		attribute.Int("bsig.registry.delta_size", len(delta)))
	failed := r.broadcast(op.Ctx, delta)
	if failed > 0 {
		r.logger.Warn().Int("failed", failed).Dur("duration", op.Timer.Duration()).
			Msg("Registry update did not reach every peer")
		op.End(fmt.Errorf("%d peers did not accept the registry update", failed))
		return true, nil
	}
	op.End(nil)
	return true, nil
}

// broadcast pushes delta to every registered peer except this agent and the
// agents named in delta. It returns the number of peers that did not accept it.
func (r *Registry) broadcast(ctx context.Context, delta engine.RegistryDelta) int {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Cannot list peers for broadcast")
		return 1
	}

	targets := make([]engine.AgentEntry, 0, len(agents))
	for name, a := range agents {
		if _, changed := delta[name]; changed || name == r.self || !a.Reachable() {
			continue
		}
		targets = append(targets, a)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })

	results := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for i, peer := range targets {
		g.Go(func() error {
			code, err := r.peers.PushRegistryDelta(gctx, peer, delta)
			if err == nil && code != http.StatusOK {
				err = fmt.Errorf("unexpected status %d", code)
			}
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range results {
		r.metrics.RecordRegistryBroadcast(err == nil)
		if err != nil {
			failed++
			r.logger.Warn().Err(err).Str("agent", targets[i].Name).Msg("Registry push failed")
		}
	}
	return failed
}

// ErrInvalidEntry is returned for registry entries that cannot be stored.
var ErrInvalidEntry = errors.New("invalid registry entry")

// Validate checks every non-nil entry of delta.
func Validate(delta engine.RegistryDelta) error {
	for name, entry := range delta {
		if name == "" {
			return fmt.Errorf("%w: empty agent name", ErrInvalidEntry)
		}
		if entry == nil {
			continue
		}
		if entry.Name != "" && entry.Name != name {
			return fmt.Errorf("%w: entry %q is keyed as %q", ErrInvalidEntry, entry.Name, name)
		}
		if entry.Address == "" {
			return fmt.Errorf("%w: %s has no address", ErrInvalidEntry, name)
		}
		if entry.Port <= 0 || entry.Port > 65535 {
			return fmt.Errorf("%w: %s has port %d", ErrInvalidEntry, name, entry.Port)
		}
	}
	return nil
}

// normalize fills in entry names from their keys.
func normalize(delta engine.RegistryDelta) engine.RegistryDelta {
	out := make(engine.RegistryDelta, len(delta))
	for name, entry := range delta {
		if entry == nil {
			out[name] = nil
			continue
		}
		e := *entry
		e.Name = name
		out[name] = &e
	}
	return out
}
