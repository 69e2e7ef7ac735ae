// Package orchestrator composes the engine aggregates, the lock manager and
// the persistence, event and cloud-state ports into the deployment service.
//
// A deployment flows through the service as:
//
//	Submit -> Plan -> (Approve | Reject) -> Execute -> workers -> Reevaluate
//	                                                        \-> Rollback
//
// Plan, Approve, Reject, Execute, Rollback, Cancel and Reevaluate each hold
// the deployment's lease while they load, transition and save the aggregate,
// so at most one of them runs per deployment at a time. Domain events are
// published only after the aggregate that raised them has been persisted.
//
// Workers report finished tasks through HandleTaskResult. RunReconciler and
// RunDriftScheduler are the long-running loops of a server process.
package orchestrator
