// Package capture owns the frame-sampling loop that runs while a capture
// surface is alive.
package capture

import "time"

// Sampling defaults
const (
	DefaultInterval = time.Second
	DefaultWidth    = 320
	DefaultHeight   = 240
	DefaultQuality  = 50
	DefaultMaxBytes = 256 * 1024

	// Lowest JPEG quality tried when shrinking an oversized frame
	MinQuality = 10

	// Hamming distance at or below which two frames count as duplicates
	MaxHashDistance = 3
)
