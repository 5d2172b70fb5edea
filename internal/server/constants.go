// Package server hosts the control and overlay surfaces over WebSocket and
// exposes the REST and metrics endpoints.
package server

import "time"

// Server configuration constants
const (
	// Per-client inbound message budget
	ClientRateLimit  = 30
	ClientRateWindow = time.Second

	// Outbound messages queued per client before new ones are dropped
	ClientSendBuffer   = 32
	ClientWriteTimeout = 5 * time.Second

	// Bound on REST calls into the coordinator
	RequestTimeout = 10 * time.Second
)
