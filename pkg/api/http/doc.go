// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Workflow definitions and execution
//   - Execution status, job listings and live streams
//   - Provider webhook callbacks
//   - Health checks
//   - Prometheus metrics
package http
