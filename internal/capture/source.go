package capture

import (
	"context"
	"encoding/base64"
	"image"
	"time"
)

// Frame is one encoded still image. Seq is the arrival position within its
// capture session; frames are not correlated with detection results.
type Frame struct {
	Session    string
	Seq        uint64
	Data       []byte // JPEG
	Width      int
	Height     int
	CapturedAt time.Time
}

// DataURL renders the frame the way the detection service expects it.
func (f Frame) DataURL() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Track is a media track bound to an open stream.
type Track interface {
	ID() string
	// Stop releases the track. Safe to call more than once.
	Stop()
	Live() bool
}

// Stream is an open video source.
type Stream interface {
	// Dimensions reports the current frame size; zero while warming up.
	Dimensions() (width, height int)
	Grab() (image.Image, error)
	Tracks() []Track
}

// Source is a capturable video source.
type Source interface {
	ID() string
	Name() string
	Open(ctx context.Context) (Stream, error)
}

// Provider enumerates capturable sources.
type Provider interface {
	Sources(ctx context.Context) ([]Source, error)
}

// Sink receives sampler output. Methods run with the sampler lock held and
// must neither block nor call back into the sampler.
type Sink interface {
	FrameReady(frame Frame)
	Fault(err error)
}
