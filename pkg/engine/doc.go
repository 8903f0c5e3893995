// Package engine runs agents.
//
// # Overview
//
// The engine ties the agent registry, the store and the worker supervisor
// together. It owns two execution regimes that share one scheduler:
//
//  1. Cadence checks - every active, enabled, schedulable agent with a
//     schedule other than "never" gets a job tagged schedule:<id>
//  2. Persistent workers - agent types that declare a worker are kept
//     running by the supervisor, one worker per worker identity
//
// # Invocations
//
// Check and Receive run one invocation of an agent. Invocations of the same
// agent never overlap: each takes a per-agent lock first, so the receive
// context of a host only ever has one writer. After a successful
// invocation the agent's memory and last_check_at/last_receive_at are
// saved. Events created during the invocation are delivered asynchronously
// to every active, enabled receiver once the invocation is over, whether it
// succeeded or not.
//
// Run queues a check and returns immediately. DryRun executes a check or a
// receive in the sandbox of package dryrun; control actions issued by a
// controller during a dry run are previewed, never applied.
//
// # Definitions
//
// Apply synchronises the stored agents with loaded definitions:
//
//	result, err := eng.Apply(ctx, defs, engine.ApplyOptions{Prune: true})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Created, result.Updated, result.Deleted)
//
// All definitions are validated against their agent types before anything
// is written. Sources and control targets are linked by name.
//
// # Error Classification
//
// Errors returned by the engine are *EngineError values:
//
//   - Transient: store failures and lock timeouts, safe to retry
//   - Conflict: the agent is disabled or cannot perform the operation
//   - Permanent: unknown agents, invalid definitions, failing agent logic
//
// Use IsTransient, IsConflict, IsPermanent and CodeOf to inspect them.
package engine
