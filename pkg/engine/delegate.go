package engine

import (
	"context"
	"net/http"
)

// SendGoal asks peer to satisfy fragment and reports whether it answered 200.
// When the peer cannot be reached at all, the fragment still succeeds if it
// holds against the default state of a peer that does not exist.
func (e *Engine) SendGoal(
	ctx context.Context,
	peer AgentEntry,
	goalID int64,
	fragment Goal,
	piFloor int,
	mode Mode,
) bool {
	ctx, span := e.tracer.StartDelegateSpan(ctx, peer.Name, goalID)
	defer span.End()

	logger := e.logger.With().
		Str("mode", string(mode)).
		Str("agent", peer.Name).
		Int64("goal_id", goalID).
		Logger()
	logger.Info().Msg("Requesting goal from peer")

	code, err := e.peers.SendGoal(ctx, peer, SatisfierRequest{ID: goalID, Goal: fragment, Pi: piFloor})
	if err != nil {
		ok := satisfiedByDefault(peer.Name, fragment, e.defaults)
		logger.Warn().Err(err).Bool("satisfied_by_default", ok).Msg("Peer unreachable")
		e.metrics.RecordDelegation("outbound", resultLabel(ok))
		return ok
	}

	ok := code == http.StatusOK
	logger.Info().Int("code", code).Msg("Peer answered goal request")
	e.metrics.RecordDelegation("outbound", resultLabel(ok))
	return ok
}

// ReceiveGoal is the satisfier entry point: it repairs a goal fragment on
// behalf of a peer and reports whether the fragment now holds. Requests
// older than the local repair model are rejected without running anything.
func (e *Engine) ReceiveGoal(ctx context.Context, goalID int64, goal Goal, piFloor int) (ok bool) {
	// Without a registration the main loop would not pause for this repair,
	// and Unregister would release another satisfier's slot.
	if err := e.throttle.Register(ctx); err != nil {
		e.logger.Error().Err(err).Int64("goal_id", goalID).Msg("Failed to register satisfier, rejecting goal")
		e.metrics.RecordDelegation("inbound", resultLabel(false))
		e.recordError(NewTransientError("cannot register satisfier", err).WithCode(ErrCodeThrottle))
		return false
	}
	e.metrics.SatisfierStarted()
	defer func() {
		if err := e.throttle.Unregister(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error().Err(err).Msg("Failed to unregister satisfier")
		}
		e.metrics.SatisfierFinished()
		e.metrics.RecordDelegation("inbound", resultLabel(ok))
	}()

	logger := e.logger.With().Str("mode", string(ModeSatisfier)).Int64("goal_id", goalID).Logger()

	if !e.Enabled() {
		logger.Debug().Msg("Engine disabled, rejecting goal")
		return false
	}

	model, err := e.models.GetRepairModel(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot load repair model")
		return false
	}
	if model == nil {
		logger.Info().Msg("No repair model, rejecting goal")
		return false
	}
	if goalID < model.ID {
		logger.Info().Int64("model_id", model.ID).Msg("Rejecting stale goal")
		return false
	}

	status := e.achieveWithRetry(ctx, model.ID, goal, SortOperators(model.Operators), piFloor, ModeSatisfier)
	logger.Info().Str("status", string(status)).Msg("Satisfier finished")
	return status == StatusNoFlaw
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
