package engine

import (
	"context"
	"time"
)

// Loop states reported by RunOnce besides the ExecutionStatus values.
const (
	LoopNoModel = "no_model"
	LoopError   = "error"
	LoopStopped = "stopped"
)

// ClearStaleState resets the satisfier counter and removes every operator
// lock left by a previous process. It runs at most once per engine and must
// happen before the peer server accepts goals, or it would wipe the
// registration and locks of a request already in flight.
func (e *Engine) ClearStaleState(ctx context.Context) {
	if e.cleared.Swap(true) {
		return
	}
	if err := e.throttle.Reset(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to reset satisfier counter")
	}
	if err := e.locks.Reset(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to clear stale operator locks")
	}
}

// Run enables the engine and drives the main loop until ctx is cancelled
// or the engine is disabled. Stale state is cleared first unless
// ClearStaleState already ran.
func (e *Engine) Run(ctx context.Context) error {
	e.ClearStaleState(ctx)
	e.Enable()
	defer e.Disable()

	e.logger.Info().Str("mode", string(ModeMain)).Str("agent", e.Whoami()).Msg("BSig engine is running")

	previous := ""
	for e.running(ctx) {
		status := e.RunOnce(ctx)
		if status != previous {
			e.logger.Info().Str("mode", string(ModeMain)).Str("status", status).Msg("BSig engine status changed")
			e.events.PublishStatusChanged(string(ModeMain), previous, status)
			previous = status
		}
		if !sleep(ctx, e.cfg.SleepTime) {
			break
		}
	}

	e.logger.Info().Str("mode", string(ModeMain)).Msg("BSig engine has stopped")
	return nil
}

// RunOnce performs a single main-loop iteration and returns its outcome:
// an ExecutionStatus value, or one of LoopNoModel, LoopError, LoopStopped.
func (e *Engine) RunOnce(ctx context.Context) (status string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Error on executing repair model")
			status = LoopError
		}
	}()

	if !e.waitForSatisfiers(ctx) {
		return LoopStopped
	}

	model, err := e.models.GetRepairModel(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Cannot load repair model")
		return LoopError
	}
	if model == nil {
		return LoopNoModel
	}

	start := time.Now()
	result := e.Achieve(ctx, model.ID, model.Goal, SortOperators(model.Operators), 1, ModeMain)
	e.metrics.RecordCycle(string(result), time.Since(start))
	if result == StatusFailure {
		e.logger.Error().Str("mode", string(ModeMain)).Int64("model_id", model.ID).Msg("Executing repair model failed")
	}
	return string(result)
}

// waitForSatisfiers blocks while peer-initiated repairs are in flight. It
// returns false if the engine stopped while waiting.
func (e *Engine) waitForSatisfiers(ctx context.Context) bool {
	for e.running(ctx) {
		n, err := e.throttle.Count(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Cannot read satisfier counter")
			return true
		}
		if n <= 0 {
			return true
		}
		if !sleep(ctx, e.cfg.ThrottlePoll) {
			return false
		}
	}
	return false
}
