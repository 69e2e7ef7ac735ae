// Package engine provides the core domain of the deployment orchestrator.
//
// # Overview
//
// A deployment moves from a declarative intent to running infrastructure through
// a fixed lifecycle:
//
//  1. Submit - Validate the intent and store a PENDING Deployment
//  2. Plan - Derive an ExecutionPlan with the Planner (PLANNING -> PLANNED)
//  3. Approve - Manual or automatic approval (AWAITING_APPROVAL -> APPROVED)
//  4. Execute - Materialize one Task per plan step (EXECUTING)
//  5. Verify - All tasks succeeded (VERIFYING -> COMPLETED)
//  6. Rollback - A reverse plan undoes the forward plan (ROLLING_BACK -> ROLLED_BACK)
//
// Drift scans run independently against completed deployments.
//
// # Aggregates
//
// Deployment and Task are state machines. Every mutation goes through a static
// transition table; refused transitions return a *TransitionError, which matches
// ErrInvalidTransition, and leave the aggregate untouched. Each accepted
// deployment transition records exactly one DomainEvent, drained by the
// repository on save.
//
// Tasks carry an idempotency key derived from the deployment ID, step ID and
// plan epoch. The key survives retries, so an executor can recognise a repeated
// application of the same step.
//
// # Planning
//
// Planner is pure. Resource dependencies come from a rule table applied to
// resources of the same provider and region, steps are ordered topologically
// with ties broken by input order, and durations, costs and risk come from the
// Catalog. ReversePlan builds the rollback plan.
//
// # Drift
//
// DriftDetector compares declared resources against observed snapshots and
// grades every difference with a fixed severity table.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires a longer backoff
//   - Conflict: Lease or claim races, retried by the caller
//   - Permanent: Validation, transition and planning failures
//
// # Ports
//
// DeploymentRepository, TaskRepository, DriftRepository, Executor, EventSink,
// CloudState and PlanGate are implemented outside this package.
package engine
