package engine

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// peerName returns the peer a node lifecycle operator acts on.
func (e *Engine) peerName(op *Operator) (string, error) {
	v, ok := op.Parameters[e.cfg.PeerParameter]
	if !ok {
		return "", NewPermanentError(fmt.Sprintf("missing %q parameter", e.cfg.PeerParameter), nil).
			WithOperator(op.Key())
	}
	s, isStr := v.Str()
	if !isStr {
		return "", NewPermanentError(fmt.Sprintf("parameter %q must be a string", e.cfg.PeerParameter), nil).
			WithOperator(op.Key())
	}
	name := strings.TrimPrefix(strings.TrimSpace(s), pathRoot+".")
	if name == "" || strings.Contains(name, ".") {
		return "", NewPermanentError(fmt.Sprintf("invalid peer name %q", s), nil).WithOperator(op.Key())
	}
	return name, nil
}

// locatePeer reads the address of a freshly provisioned peer from the
// observed state.
func (e *Engine) locatePeer(ctx context.Context, name string) (AgentEntry, error) {
	state, err := e.CollectState(ctx)
	if err != nil {
		return AgentEntry{}, err
	}
	root := AgentPath(name)
	addr, ok := state[root.Child("address")].Str()
	if !ok || addr == "" {
		return AgentEntry{}, fmt.Errorf("%w: %s", ErrNoAddress, name)
	}
	port := e.cfg.DefaultPeerPort
	if n, ok := state[root.Child("port")].Num(); ok && n > 0 {
		port = int(n)
	}
	return AgentEntry{Name: name, Address: addr, Port: port}, nil
}

// bootstrapPeer brings a newly created peer into the group: it registers
// the peer, waits until it answers, and pushes the modules, registry, model
// and repair model it needs. Every push must be answered with 200.
func (e *Engine) bootstrapPeer(ctx context.Context, op *Operator) (err error) {
	name, err := e.peerName(op)
	if err != nil {
		return err
	}

	ctx, span := e.tracer.StartBootstrapSpan(ctx, name)
	defer span.End()

	start := time.Now()
	defer func() {
		e.metrics.RecordBootstrap("create", err == nil)
		e.events.PublishBootstrap(name, "create", err)
	}()

	logger := e.logger.With().Str("agent", name).Logger()
	logger.Info().Msg("Starting peer bootstrap")

	// Step 1: Locate the new peer
	peer, err := e.locatePeer(ctx, name)
	if err != nil {
		return NewTransientError("cannot locate peer", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}

	// Step 2: Register it everywhere
	if ok, err := e.registry.SetAgentRegistry(ctx, RegistryDelta{name: &peer}); err != nil || !ok {
		return NewTransientError("cannot register peer", err).WithCode(ErrCodeRegistry).WithAgent(name)
	}
	logger.Info().Str("address", peer.Address).Int("port", peer.Port).Msg("Peer registered")

	// Step 3: Wait until the peer answers
	if err := e.waitReachable(ctx, peer); err != nil {
		return NewTransientError("peer not reachable", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}

	// Step 4: Push missing modules
	if err := e.pushModules(ctx, peer); err != nil {
		return NewTransientError("module push failed", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}

	// Step 5: Push the agent registry
	registry, err := e.registry.GetAgentRegistry(ctx)
	if err != nil {
		return NewTransientError("cannot read registry", err).WithCode(ErrCodeRegistry).WithAgent(name)
	}
	if err := expectOK(e.peers.PushRegistry(ctx, peer, registry)); err != nil {
		return NewTransientError("registry push failed", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}

	// Step 6: Push the peer's part of the model
	model, err := e.models.GetModel(ctx, name)
	if err != nil {
		return NewTransientError("cannot read model", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}
	if model == nil {
		model = map[string]any{}
	}
	if err := expectOK(e.peers.PushModel(ctx, peer, model)); err != nil {
		return NewTransientError("model push failed", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}

	// Step 7: Push the peer's part of the repair model
	repair, err := e.models.GetRepairModel(ctx)
	if err != nil {
		return NewTransientError("cannot read repair model", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}
	if repair == nil {
		return NewPermanentError("no repair model to push", nil).WithCode(ErrCodeNoRepairModel).WithAgent(name)
	}
	if err := expectOK(e.peers.PushRepairModel(ctx, peer, repair.ForAgent(name))); err != nil {
		return NewTransientError("repair model push failed", err).WithCode(ErrCodeBootstrap).WithAgent(name)
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("Peer bootstrap completed")
	return nil
}

// waitReachable polls the peer until it answers or the bootstrap timeout passes.
func (e *Engine) waitReachable(ctx context.Context, peer AgentEntry) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BootstrapTimeout)
	defer cancel()

	var lastErr error
	for {
		if lastErr = e.peers.Ping(ctx, peer); lastErr == nil {
			return nil
		}
		if !sleep(ctx, e.cfg.BootstrapPoll) {
			return fmt.Errorf("timed out after %s: %w", e.cfg.BootstrapTimeout, lastErr)
		}
	}
}

// pushModules sends every module whose hash the peer lacks or disagrees with.
func (e *Engine) pushModules(ctx context.Context, peer AgentEntry) error {
	if e.modules == nil {
		return nil
	}
	local, err := e.modules.Hashes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local modules: %w", err)
	}
	remote, err := e.peers.ListModules(ctx, peer)
	if err != nil {
		return fmt.Errorf("failed to list peer modules: %w", err)
	}

	for _, name := range MissingModules(local, remote) {
		archive, err := e.modules.Archive(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to archive module %s: %w", name, err)
		}
		if err := expectOK(e.peers.PushModule(ctx, peer, name, archive)); err != nil {
			return fmt.Errorf("module %s: %w", name, err)
		}
		e.logger.Debug().Str("agent", peer.Name).Str("module", name).Msg("Module pushed")
	}
	return nil
}

// MissingModules returns, in sorted order, the local modules whose hash is
// absent from or different in remote.
func MissingModules(local, remote map[string]string) []string {
	var out []string
	for name, hash := range local {
		if remote[name] != hash {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// removePeer drops a deleted peer from the registry of every agent.
func (e *Engine) removePeer(ctx context.Context, op *Operator) (err error) {
	name, err := e.peerName(op)
	if err != nil {
		return err
	}
	defer func() {
		e.metrics.RecordBootstrap("delete", err == nil)
		e.events.PublishBootstrap(name, "delete", err)
	}()

	if ok, err := e.registry.SetAgentRegistry(ctx, RegistryDelta{name: nil}); err != nil || !ok {
		return NewTransientError("cannot unregister peer", err).WithCode(ErrCodeRegistry).WithAgent(name)
	}
	e.logger.Info().Str("agent", name).Msg("Peer removed from registry")
	return nil
}

// expectOK turns a (status, error) push result into an error unless status is 200.
func expectOK(code int, err error) error {
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("unexpected status %d", code)
	}
	return nil
}
