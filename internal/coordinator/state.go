// Package coordinator owns the capture state machine and every surface's
// lifecycle. All state is confined to the Run goroutine.
package coordinator

import (
	"time"

	"github.com/GriffinCanCode/screenwatch/internal/connection"
)

// State is the capture state.
type State int

const (
	Idle State = iota
	Starting
	Capturing
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is the published view of the coordinator.
type Snapshot struct {
	Capture         State            `json:"capture"`
	Connection      connection.State `json:"connection"`
	Transport       string           `json:"transport,omitempty"`
	Session         string           `json:"session,omitempty"`
	Source          string           `json:"source,omitempty"`
	Sampling        bool             `json:"sampling"`
	OverlayOpen     bool             `json:"overlayOpen"`
	FramesForwarded uint64           `json:"framesForwarded"`
	LastError       string           `json:"lastError,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Observer is told about every transition, synchronously on the loop.
type Observer interface {
	ConnectionChanged(state connection.State)
	CaptureChanged(state State)
}

// User-facing text
const (
	textConnecting   = "Connecting to server..."
	textConnected    = "Connected to server"
	textDisconnected = "Disconnected from server"

	prefixStartError   = "Error starting capture: "
	prefixCaptureError = "Error capturing screen: "
	textConnectionLost = "Capture stopped: connection to server lost"

	levelError   = "error"
	levelWarning = "warning"
)
