// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/executions/:id/ws and receive the lifecycle
// events of that execution (execution, node and job events) as they are
// published.
package websocket
