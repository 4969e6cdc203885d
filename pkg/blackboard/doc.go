// Package blackboard provides type-safe Go definitions and Redis schema patterns
// for the Gaffer blackboard: the shared, versioned project state that all Gaffer
// components (orchestrator, generation agents, CLI) coordinate through.
//
// The blackboard owns one Project record per pipeline run. Every read returns a
// version-stamped snapshot and every write is conditioned on that stamp
// (optimistic concurrency): a writer that presents a stale version receives
// ErrVersionConflict and must re-read and retry. No component ever holds a
// long-lived mutable copy of a Project.
//
// For operations where interleaved read-then-write would corrupt state (budget
// debits, task status transitions), the blackboard additionally provides
// time-bounded distributed locks on sub-resource keys. Locks are always
// TTL-bounded and are reclaimed by a background sweep once expired; they are
// never held indefinitely.
//
// All Redis keys are namespaced by instance name to enable multiple Gaffer
// instances to safely coexist on a single Redis server.
//
// Concurrency model:
//   - The Project aggregate is the unit of optimistic concurrency.
//   - Locks are the unit of mutual exclusion for sub-resources.
//   - Version conflicts are recovered locally by re-read-and-retry
//     (UpdateProjectWithRetry); they never escalate past the caller.
package blackboard
