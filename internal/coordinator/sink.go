package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/GriffinCanCode/screenwatch/internal/capture"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
	"github.com/GriffinCanCode/screenwatch/internal/metrics"
	"github.com/GriffinCanCode/screenwatch/internal/surface"
)

const faultPostTimeout = 5 * time.Second

// captureSink is the capture surface's side of the signaler. Frames are
// offered without waiting; faults must arrive, so they get their own
// goroutine.
type captureSink struct {
	session  string
	signaler *surface.Signaler
	metrics  *metrics.Metrics
}

func (s *captureSink) FrameReady(frame capture.Frame) {
	ok, err := s.signaler.TryPost(surface.Capture, surface.Message{Type: surface.FrameCaptured, Payload: frame})
	if err != nil || !ok {
		s.metrics.FrameDropped(metrics.DropInboxFull)
	}
}

func (s *captureSink) Fault(err error) {
	msg := surface.Message{
		Type:    surface.CaptureError,
		Payload: surface.CaptureErrorPayload{Session: s.session, Message: userMessage(err)},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), faultPostTimeout)
		defer cancel()
		if err := s.signaler.Post(ctx, surface.Capture, msg); err != nil {
			slog.Error("capture fault not delivered", "session", s.session, "error", err)
		}
	}()
}

func userMessage(err error) string {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr.UserMessage()
	}
	return err.Error()
}
