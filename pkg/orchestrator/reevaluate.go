package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Reevaluate derives the deployment's next state from the tasks of its
// current epoch:
//
//   - every task SUCCEEDED: EXECUTING -> VERIFYING -> COMPLETED, or
//     ROLLING_BACK -> ROLLED_BACK for a reverse plan
//   - a task DEAD_LETTER: FAILED, then ROLLING_BACK when rollback_on_failure
//     is set; a dead reverse task leaves the deployment FAILED
//
// Deployments in any other state, or with work still outstanding, are left
// unchanged.
func (s *Service) Reevaluate(ctx context.Context, id string) (*engine.Deployment, error) {
	return s.mutate(ctx, "reevaluate", id, s.cfg.LockTTL, s.reevaluate)
}

func (s *Service) reevaluate(ctx context.Context, d *engine.Deployment) error {
	if d.State != engine.DeploymentExecuting && d.State != engine.DeploymentRollingBack {
		return nil
	}
	tasks, err := s.repo.ListTasksByDeployment(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	var (
		current   int
		succeeded int
		dead      *engine.Task
	)
	for _, t := range tasks {
		// Abandoned epochs can still finish running tasks; they never count
		if t.Epoch != d.PlanEpoch {
			continue
		}
		current++
		switch t.State {
		case engine.TaskSucceeded:
			succeeded++
		case engine.TaskDeadLetter:
			if dead == nil {
				dead = t
			}
		}
	}

	switch {
	case dead != nil:
		return s.failed(ctx, d, dead)
	case current > 0 && succeeded == current:
		if d.State == engine.DeploymentRollingBack {
			return d.CompleteRollback()
		}
		return s.verify(ctx, d)
	}
	return nil
}

// failed handles a dead-lettered task of the current epoch.
func (s *Service) failed(ctx context.Context, d *engine.Deployment, dead *engine.Task) error {
	reason := fmt.Sprintf("step %s failed after %d attempts: %s", dead.StepID, dead.AttemptCount, dead.LastError)
	rollingBack := d.State == engine.DeploymentRollingBack
	if rollingBack {
		reason = "rollback " + reason
	}
	if err := d.Fail(reason); err != nil {
		return err
	}

	if !rollingBack && d.CanRollback() {
		return s.startRollback(ctx, d)
	}
	// No rollback: stop whatever of this epoch has not started yet
	epoch := d.PlanEpoch
	_, err := s.cancelPending(ctx, d.ID, func(t *engine.Task) bool { return t.Epoch == epoch }, "deployment failed")
	return err
}

// verify moves EXECUTING -> VERIFYING and then COMPLETED, or FAILED when the
// cloud state is missing a resource the plan created.
func (s *Service) verify(ctx context.Context, d *engine.Deployment) error {
	if err := d.StartVerification(); err != nil {
		return err
	}
	if s.cfg.VerifyResources && s.cloud != nil {
		// Only presence is checked here; property differences are drift
		var missing []string
		for _, spec := range d.ExpectedResources() {
			_, ok, err := s.cloud.Snapshot(ctx, spec)
			if err != nil {
				return fmt.Errorf("failed to verify %s: %w", spec.Identifier(), err)
			}
			if !ok {
				missing = append(missing, spec.Identifier())
			}
		}
		if len(missing) > 0 {
			if err := d.Fail(fmt.Sprintf("verification failed: %d resources missing: %v", len(missing), missing)); err != nil {
				return err
			}
			if d.CanRollback() {
				return s.startRollback(ctx, d)
			}
			return nil
		}
	}
	return d.Complete()
}

// HandleTaskResult re-evaluates the task's deployment. It is the worker's
// result handler: a busy lease is retried with backoff, so the outcome of a
// task is never lost to a concurrent re-evaluation that read the tasks
// before it was saved.
func (s *Service) HandleTaskResult(ctx context.Context, task *engine.Task) {
	logger := s.logger.With().
		Str("deployment_id", task.DeploymentID).
		Str("task_id", task.ID).
		Str("task_state", string(task.State)).
		Logger()

	backoff := engine.BackoffPolicy{Base: 100 * time.Millisecond, Max: 2 * time.Second}
	for attempt := 1; ; attempt++ {
		_, err := s.Reevaluate(ctx, task.DeploymentID)
		if err == nil {
			return
		}
		if !errors.Is(err, engine.ErrLockBusy) || attempt > s.cfg.NotifyRetries {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Deployment re-evaluation failed, left to reconcile")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Delay(attempt, nil)):
		}
	}
}

// Reconcile re-evaluates every EXECUTING and ROLLING_BACK deployment. It
// catches outcomes whose worker could not reach the deployment lease.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	changed := 0
	for _, state := range []engine.DeploymentState{engine.DeploymentExecuting, engine.DeploymentRollingBack} {
		active, err := s.repo.ListDeployments(ctx, engine.DeploymentFilter{State: state, Limit: 1000})
		if err != nil {
			return changed, fmt.Errorf("failed to list %s deployments: %w", state, err)
		}
		for _, d := range active {
			updated, err := s.Reevaluate(ctx, d.ID)
			if err != nil {
				if errors.Is(err, engine.ErrLockBusy) {
					continue
				}
				s.logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("Reconcile failed")
				continue
			}
			if updated.State != d.State {
				changed++
			}
		}
	}
	return changed, nil
}

// RunReconciler calls Reconcile every ReconcileInterval until ctx is cancelled.
func (s *Service) RunReconciler(ctx context.Context) error {
	if s.cfg.ReconcileInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Reconcile(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("Reconcile sweep failed")
			}
			if n > 0 {
				s.logger.Info().Int("changed", n).Msg("Reconcile sweep moved deployments")
			}
		}
	}
}
