// Package events provides event bus implementations carrying execution
// lifecycle events to streaming consumers.
//
// Implementations:
//   - redis: Redis Streams on weft:events:* keys with consumer groups
//   - memory: In-memory for testing
package events
