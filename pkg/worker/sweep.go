package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// PromoteRetries moves RETRYING tasks whose backoff has elapsed back to QUEUED,
// starting their next attempt. Any agent may run it; a task promoted by
// another agent first is skipped.
func (a *Agent) PromoteRetries(ctx context.Context) (int, error) {
	now := a.now()
	due, err := a.tasks.ListDueRetries(ctx, now, a.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due retries: %w", err)
	}

	promoted := 0
	for _, task := range due {
		if !task.ReadyForRetry(now) {
			continue
		}
		if err := task.Requeue(); err != nil {
			a.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to requeue task")
			continue
		}
		if err := a.tasks.SaveTask(ctx, task); err != nil {
			if errors.Is(err, engine.ErrClaimConflict) {
				continue
			}
			return promoted, fmt.Errorf("failed to save requeued task %s: %w", task.ID, err)
		}
		promoted++
		a.logger.Debug().
			Str("task_id", task.ID).
			Int("attempt", task.AttemptCount).
			Msg("Task requeued for retry")
	}

	a.metrics.RecordTaskRecovered("retry", promoted)
	return promoted, nil
}

// RecoverStale reclaims tasks whose holder is presumed dead. A CLAIMED task
// never started, so its claim is released without consuming an attempt. A
// RUNNING task is failed once it has overrun its own timeout by StaleAfter and
// goes through the retry policy like any other failure.
func (a *Agent) RecoverStale(ctx context.Context) (int, error) {
	now := a.now()
	candidates, err := a.tasks.ListStale(ctx, now.Add(-a.cfg.StaleAfter), a.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	recovered := 0
	for _, task := range candidates {
		if task.ClaimedAt == nil {
			continue
		}
		logger := a.logger.With().
			Str("task_id", task.ID).
			Str("deployment_id", task.DeploymentID).
			Str("claimed_by", task.ClaimedBy).
			Str("state", string(task.State)).
			Logger()

		switch task.State {
		case engine.TaskClaimed:
			if err := task.ReleaseClaim(); err != nil {
				logger.Error().Err(err).Msg("Failed to release stale claim")
				continue
			}
		case engine.TaskRunning:
			deadline := task.ClaimedAt.Add(task.Timeout + a.cfg.StaleAfter)
			if now.Before(deadline) {
				continue
			}
			cause := engine.NewTransientError(fmt.Sprintf("worker %s stopped reporting", task.ClaimedBy), nil).
				WithCode(engine.ErrCodeExecutorTimeout).
				WithResource(task.Resource.Identifier()).
				WithOperation(string(task.Action))
			if err := task.Fail(cause, a.cfg.Backoff); err != nil {
				logger.Error().Err(err).Msg("Failed to fail stale task")
				continue
			}
		default:
			continue
		}

		if err := a.tasks.SaveTask(ctx, task); err != nil {
			if errors.Is(err, engine.ErrClaimConflict) {
				continue
			}
			return recovered, fmt.Errorf("failed to save recovered task %s: %w", task.ID, err)
		}
		recovered++
		logger.Warn().Str("new_state", string(task.State)).Msg("Recovered stale task")
		a.notify(ctx, task)
	}

	a.metrics.RecordTaskRecovered("stale", recovered)
	return recovered, nil
}
