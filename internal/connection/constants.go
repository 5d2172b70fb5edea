// Package connection maintains the Socket.IO session to the detection service.
package connection

import "time"

// Connection defaults
const (
	DefaultAttempts        = 5
	DefaultDelay           = time.Second
	DefaultTimeout         = 10 * time.Second
	DefaultBackgroundRetry = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Second

	// Bound on unacknowledged frames remembered for logging
	DefaultMaxPendingAcks = 64

	statusBuffer = 16
	resultBuffer = 32
)

// Event names understood by the detection service
const (
	EventScreenFrame     = "screen_frame"
	EventDetectionResult = "detection_result"
)
