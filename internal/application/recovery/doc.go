// Package recovery heals the system after crashes and lost workers.
//
// Durable state and the queue can disagree in three ways: a consumer died
// holding a claimed delivery, a job lost its queue presence entirely while
// its stored status says it should be running, or a sub-workflow finished
// without its parent hearing about it. The service sweeps for all three on
// a schedule and routes each finding through the queue manager, which owns
// the repair policy (re-enqueue once, dead-letter on repeat).
package recovery
