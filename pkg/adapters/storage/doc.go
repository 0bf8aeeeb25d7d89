// Package storage provides record store implementations for executions,
// jobs and workflows.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: In-memory for testing
package storage
