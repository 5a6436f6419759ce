// Package engine is a local host for durable conversation executions.
//
// It provides the primitives the agent loop is written against:
//   - StartEpoch, Signal, Cancel and Wait on a conversation id
//   - a per-execution Mailbox that survives continue-as-new
//   - ShouldContinueAsNew, an oracle based on the epoch's activity history
//   - ExecuteActivity, which runs a call on a task queue with attempt caps,
//     start-to-close, schedule-to-close and heartbeat timeouts
//   - RedisLocker, for conversation ownership across worker processes
//
// The host does not persist or replay histories. Durable state lives in the
// conversation store; a restarted worker resumes a conversation by starting a
// new execution seeded from it.
package engine
