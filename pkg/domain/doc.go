// Package domain holds the core types of the weft orchestrator: workflow
// graphs, execution records, queued jobs, lifecycle events, and the error
// taxonomy shared by the queue manager, the node processors and the
// recovery service.
//
// Everything in this package is plain data plus small invariant helpers.
// Persistence and transport live behind the interfaces in pkg/ports.
package domain
