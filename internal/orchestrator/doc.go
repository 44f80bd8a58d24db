// Package orchestrator binds roles to worker sessions.
//
// # Overview
//
// The Orchestrator sits between the pipeline runner or convergence engine
// and the execution backend. It owns no state of its own: every operation
// reads and writes the work item store and the session tracker, so any
// process sharing those stores sees the same workers.
//
//	AssignSession ──> Tracker.Track ──> Backend.Spawn
//	                                        │
//	        StartSessionWork / RecordActivity / HandleSessionComplete|Failed
//	                                        │
//	                              work item status + event log
//
// # Lifecycle callbacks
//
// Orchestrator implements backend.Reporter. Backends call back into it as a
// session starts, makes progress and ends; the callbacks move the linked
// work item through pending → queued → running → complete|failed. A linked
// item that was deleted or already finished is logged and skipped.
//
// # Supervision
//
// SuperviseWorker returns a Health verdict computed from session status and
// staleness (time since last activity). It never mutates state. Callers act
// on the recommendation with RestartWorker or TerminateWorker.
//
// # Errors
//
// Missing roles, sessions and work items surface as the stores' own
// ErrNotFound sentinels. IsNotFound recognises all of them.
package orchestrator
