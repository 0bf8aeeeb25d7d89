// Package orchestrator implements the queue manager that turns workflow
// graphs into dependency-gated queued work.
//
// The manager coordinates execution by:
//   - Validating graph structure and per-node data before anything runs
//   - Seeding each run from topological order, gating every node on its
//     dependencies (only fully-unblocked nodes reach a live queue)
//   - Advancing runs through pull-driven continuation: after every settled
//     job it re-derives what can run next from the durable record
//   - Applying the shared failure policy (retry with backoff, rate-limit
//     delays, dead-lettering) and pruning nodes made unreachable by a
//     terminal failure
//   - Linking sub-workflow executions to their parents and delivering each
//     child's outcome exactly once
//
// All execution and job state lives in the stores; the manager keeps no
// schedule state in memory, so a process restart loses nothing the
// recovery service cannot re-derive.
package orchestrator
