// Package surface routes messages between the coordinator and the UI
// surfaces it manages.
package surface

import "encoding/json"

// Kind identifies a surface.
type Kind string

const (
	Control Kind = "control"
	Capture Kind = "capture"
	Overlay Kind = "overlay"
)

// Valid reports whether k names a known surface.
func (k Kind) Valid() bool {
	switch k {
	case Control, Capture, Overlay:
		return true
	}
	return false
}

// Type is a message type.
type Type string

// Surface to coordinator
const (
	StartCapture        Type = "start-capture"
	StopCapture         Type = "stop-capture"
	CloseFloatingWindow Type = "close-floating-window"
	FrameCaptured       Type = "frame-captured"
	CaptureError        Type = "capture-error"
)

// Coordinator to surface
const (
	ConnectionStatus Type = "connection-status"
	CaptureState     Type = "capture-state"
	Notify           Type = "notify"
	UpdateDetection  Type = "update-detection"
)

// Message is one routed message. Payload is marshaled as-is for remote
// surfaces; in-process senders may carry typed values.
type Message struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// Inbound is a message posted by a surface.
type Inbound struct {
	From Kind
	Msg  Message
}

// ConnectionStatusPayload drives the control surface's status line.
type ConnectionStatusPayload struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Text      string `json:"text"`
}

// CaptureStatePayload drives the control surface's affordances.
type CaptureStatePayload struct {
	State        string `json:"state"`
	StartVisible bool   `json:"startVisible"`
	StartEnabled bool   `json:"startEnabled"`
	StopVisible  bool   `json:"stopVisible"`
}

// NotifyPayload is a user-facing alert.
type NotifyPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// CaptureErrorPayload reports a sampler fault for one capture session.
type CaptureErrorPayload struct {
	Session string `json:"session"`
	Message string `json:"message"`
}

// DetectionPayload is a detection result forwarded verbatim.
type DetectionPayload = json.RawMessage
