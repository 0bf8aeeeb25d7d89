// Package queue provides durable task queue implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, a sorted-set delay lane
//     and per-category dead-letter streams
//   - memory: In-memory for testing
package queue
