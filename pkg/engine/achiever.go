package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/bsig/pkg/telemetry"
)

// Achieve repairs goal using operators eligible at piFloor. It selects a
// conflict-free batch of operators for the current flaws and executes them
// concurrently, returning Failure if any failed, Pending if any is held
// elsewhere, and Repaired otherwise.
func (e *Engine) Achieve(
	ctx context.Context,
	goalID int64,
	goal Goal,
	operators []Operator,
	piFloor int,
	mode Mode,
) (status ExecutionStatus) {
	if len(goal) == 0 {
		return StatusNoFlaw
	}

	ctx, span := e.tracer.StartAchieveSpan(ctx, goalID, string(mode), piFloor)
	defer func() {
		telemetry.SetAttributes(span, telemetry.AttrStatus.String(string(status)))
		e.metrics.RecordAchieve(string(mode), string(status))
		span.End()
	}()

	current, err := e.CollectState(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Str("mode", string(mode)).Msg("Observed state unavailable, treating whole goal as flawed")
	}

	flaws := ComputeFlaws(goal, current, e.defaults)
	if len(flaws) == 0 {
		return StatusNoFlaw
	}

	selected, ok := e.selectOperators(flaws, operators, piFloor)
	if !ok {
		e.logger.Debug().
			Str("mode", string(mode)).
			Int("pi", piFloor).
			Int("flaws", len(flaws)).
			Msg("No operator combination repairs the flaws")
		return StatusFailure
	}

	if len(selected) == 1 {
		return e.ExecuteOperator(ctx, &selected[0], goalID, operators, mode)
	}

	results := make([]ExecutionStatus, len(selected))
	var g errgroup.Group
	for i := range selected {
		g.Go(func() error {
			results[i] = e.ExecuteOperator(ctx, &selected[i], goalID, operators, mode)
			return nil
		})
	}
	_ = g.Wait()

	return aggregate(results)
}

func (e *Engine) selectOperators(flaws FlawSet, operators []Operator, piFloor int) ([]Operator, bool) {
	if e.cfg.Sequential {
		op, ok := SelectOperator(flaws, operators, piFloor)
		if !ok {
			return nil, false
		}
		return []Operator{op}, true
	}
	return SelectOperators(flaws, operators, piFloor)
}

// ExecuteOperator locks op, satisfies its local preconditions at the next
// tier, delegates its remote preconditions and invokes it. The lock is
// released on every path, and errors or panics in the action become Failure.
func (e *Engine) ExecuteOperator(
	ctx context.Context,
	op *Operator,
	goalID int64,
	operators []Operator,
	mode Mode,
) (status ExecutionStatus) {
	logger := e.logger.With().Str("mode", string(mode)).Str("operator", op.Key()).Logger()

	acquired, err := e.locks.TryAcquire(ctx, op.Key())
	if err != nil {
		logger.Error().Err(err).Msg("Operator lock unavailable")
		e.recordError(NewConflictError("operator lock unavailable", err).WithCode(ErrCodeLock).WithOperator(op.Key()))
		return StatusFailure
	}
	if !acquired {
		e.metrics.RecordLockContention()
		return StatusPending
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), op.Key()); err != nil {
			logger.Error().Err(err).Msg("Failed to release operator lock")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Operator execution panicked")
			status = StatusFailure
		}
	}()

	ctx, span := e.tracer.StartOperatorSpan(ctx, op.Key(), op.Pi)
	defer span.End()

	logger.Info().Int("pi", op.Pi).Msg("Selected operator")

	next := op.Pi + 1
	local, remote := op.Condition.Split(e.Whoami())

	if s := e.achieveWithRetry(ctx, goalID, local, operators, next, mode); s != StatusNoFlaw {
		logger.Debug().Str("status", string(s)).Msg("Local preconditions not satisfied")
		return StatusFailure
	}
	if !e.AchieveRemoteGoal(ctx, goalID, remote, next, mode) {
		logger.Debug().Msg("Remote preconditions not satisfied")
		return StatusFailure
	}
	if !e.Invoke(ctx, op, mode) {
		telemetry.RecordError(span, fmt.Errorf("operator %s failed", op.Key()))
		return StatusFailure
	}

	telemetry.RecordSuccess(span)
	return StatusRepaired
}

// achieveWithRetry repeats Achieve until the goal holds or fails. Pending
// attempts do not consume the budget and Repaired attempts refill it.
func (e *Engine) achieveWithRetry(
	ctx context.Context,
	goalID int64,
	goal Goal,
	operators []Operator,
	piFloor int,
	mode Mode,
) ExecutionStatus {
	status := StatusFailure
	tries := e.cfg.MaxTries
	for tries > 0 {
		status = e.Achieve(ctx, goalID, goal, operators, piFloor, mode)
		if status == StatusNoFlaw || status == StatusFailure || !e.running(ctx) {
			break
		}
		switch status {
		case StatusPending:
			if !sleep(ctx, e.cfg.SleepTime) {
				return status
			}
			tries++
		case StatusRepaired:
			tries = e.cfg.MaxTries
		}
		tries--
	}
	return status
}

// AchieveRemoteGoal delegates each agent's share of goal to that agent and
// reports whether all of them succeeded. Fragments addressed to peers that
// are not registered succeed only if the default state already satisfies them.
// A registry that cannot be read fails the whole goal.
func (e *Engine) AchieveRemoteGoal(
	ctx context.Context,
	goalID int64,
	goal Goal,
	piFloor int,
	mode Mode,
) bool {
	if len(goal) == 0 {
		return true
	}

	registry, err := e.registry.GetAgentRegistry(ctx)
	if err != nil {
		e.logger.Error().Err(err).Str("mode", string(mode)).Msg("Agent registry unavailable, cannot delegate goal")
		e.recordError(NewTransientError("cannot read registry", err).WithCode(ErrCodeRegistry))
		return false
	}

	parts := goal.ByAgent()
	results := make(chan bool, len(parts))
	var g errgroup.Group
	for agent, fragment := range parts {
		peer, known := registry[agent]
		if !known || !peer.Reachable() {
			ok := satisfiedByDefault(agent, fragment, e.defaults)
			if !ok {
				e.logger.Info().Str("agent", agent).Msg("Peer is not registered and its goal does not hold by default")
			}
			results <- ok
			continue
		}
		g.Go(func() error {
			results <- e.SendGoal(ctx, peer, goalID, fragment, piFloor, mode)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	success := true
	for ok := range results {
		success = success && ok
	}
	return success
}

// Invoke runs the operator's action and the bootstrap or cleanup that node
// lifecycle actions require.
func (e *Engine) Invoke(ctx context.Context, op *Operator, mode Mode) bool {
	logger := e.logger.With().Str("mode", string(mode)).Str("operator", op.Key()).Logger()
	logger.Info().Msg("Invoking operator")

	start := time.Now()
	// The action always runs to completion once started.
	ok, err := e.runtime.ExecuteAction(context.WithoutCancel(ctx), op)
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Operator action failed")
		e.recordError(NewPermanentError("action failed", err).WithCode(ErrCodeActionFailed).WithOperator(op.Key()))
		ok = false
	}
	e.metrics.RecordInvocation(op.Action(), ok, time.Since(start))
	e.events.PublishOperatorInvoked(string(mode), op.Key(), ok)
	if !ok {
		return false
	}

	switch {
	case e.isAction(op, e.cfg.CreateActions):
		if err := e.bootstrapPeer(ctx, op); err != nil {
			logger.Error().Err(err).Msg("Peer bootstrap failed")
			e.recordError(err)
			return false
		}
	case e.isAction(op, e.cfg.DeleteActions):
		if err := e.removePeer(ctx, op); err != nil {
			logger.Error().Err(err).Msg("Peer removal failed")
			e.recordError(err)
			return false
		}
	}
	return true
}

func (e *Engine) isAction(op *Operator, names []string) bool {
	action := op.Action()
	for _, n := range names {
		if n == action {
			return true
		}
	}
	return false
}
