// Package workers runs the per-category worker pools that consume the
// task queue.
//
// Each pool owns a fixed number of goroutines pulling one queue category.
// A worker claims its delivery through the coordinator, runs the
// category's processor and hands the outcome back; all state transitions
// and retry decisions live on the coordinator side, so workers stay
// stateless and safe to kill.
//
// Processors cover the four work categories: llm (completion providers),
// image and video (async predictions, submit then poll), and processing
// (speech synthesis, ffmpeg transforms, sub-workflow launches and plain
// passthrough). Debug-mode tasks synthesize deterministic output without
// touching any provider.
//
// The health monitor samples pool activity, queue depth and running
// executions on an interval and publishes them as gauges.
package workers
