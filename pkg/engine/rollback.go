package engine

import (
	"context"
)

// rollbackLocal reverses the session's completed, successful steps in
// strictly descending step order, using the same executor (and therefore
// the same resolved connection) as forward execution. Rollback is
// best-effort, not transactional: a failing rollback step is logged and
// the remaining sequence continues, because leaving later side effects
// un-reverted is worse than leaving one early one un-reverted.
func (e *Engine) rollbackLocal(ctx context.Context, sessionID, reason string) error {
	steps, err := e.store.GetSteps(ctx, sessionID)
	if err != nil {
		return err
	}

	log := e.logger.With().Str("session_id", sessionID).Logger()
	log.Info().Str("reason", reason).Msg("starting rollback")

	rolledBack := 0
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if !step.Completed || step.Success != TristateTrue {
			continue
		}
		if step.RollbackCommand == "" {
			log.Debug().Int("step_number", step.StepNumber).Msg("no rollback command, skipping")
			continue
		}

		result, err := e.executor.Execute(ctx, step.RollbackCommand, e.stepTimeout)
		if err != nil {
			log.Error().Err(err).
				Int("step_number", step.StepNumber).
				Str("rollback_command", step.RollbackCommand).
				Msg("rollback step errored, continuing")
			continue
		}
		if !result.Success {
			log.Error().
				Int("step_number", step.StepNumber).
				Int("exit_code", result.ExitCode).
				Str("error", result.Error).
				Msg("rollback step failed, continuing")
			continue
		}
		rolledBack++
		log.Info().Int("step_number", step.StepNumber).Msg("step rolled back")
	}

	log.Info().Int("steps_rolled_back", rolledBack).Msg("rollback finished")
	return nil
}

// localRollbacker exposes the engine's inline rollback as a Rollbacker.
type localRollbacker struct {
	engine *Engine
}

// LocalRollbacker returns a Rollbacker that executes rollback commands
// inline through the engine's executor.
func (e *Engine) LocalRollbacker() Rollbacker {
	return &localRollbacker{engine: e}
}

// Rollback implements the Rollbacker interface.
func (r *localRollbacker) Rollback(ctx context.Context, sessionID, reason string) error {
	return r.engine.rollbackLocal(ctx, sessionID, reason)
}
