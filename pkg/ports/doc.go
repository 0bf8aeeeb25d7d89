// Package ports defines the interfaces between the orchestration core and
// its adapters. The application layer depends only on these contracts:
//
//   - ExecutionStore / JobStore / WorkflowStore: durable record storage
//   - TaskQueue: the durable work queue the worker pools pull from
//   - EventBus: lifecycle event publication for streaming consumers
//   - LLMClient / PredictionClient / SpeechClient: generation providers
//   - MetricsCollector: operational counters and gauges
//
// Adapters live under pkg/adapters and implement these interfaces for
// Redis, in-memory, Prometheus and the concrete provider APIs.
package ports
