package surface

import (
	"context"
	"log/slog"
	"sync"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

// DefaultInboxSize bounds messages queued for the coordinator.
const DefaultInboxSize = 64

// ErrForbidden is matched with errors.Is for permission violations.
var ErrForbidden = &apperr.AppError{Code: apperr.CodeForbidden}

var (
	// posts lists what each surface may send to the coordinator.
	posts = map[Kind]map[Type]bool{
		Control: {StartCapture: true, StopCapture: true},
		Overlay: {CloseFloatingWindow: true},
		Capture: {FrameCaptured: true, CaptureError: true},
	}
	// deliveries lists what the coordinator may send to each surface.
	deliveries = map[Kind]map[Type]bool{
		Control: {ConnectionStatus: true, CaptureState: true, Notify: true},
		Overlay: {UpdateDetection: true},
	}
)

// CanPost reports whether from may send t to the coordinator.
func CanPost(from Kind, t Type) bool { return posts[from][t] }

// CanDeliver reports whether the coordinator may send t to to.
func CanDeliver(to Kind, t Type) bool { return deliveries[to][t] }

// Endpoint is the coordinator's handle on a live surface.
type Endpoint interface {
	Deliver(ctx context.Context, msg Message) error
	Close() error
}

// Host creates surfaces on demand.
type Host interface {
	Open(kind Kind) (Endpoint, error)
}

// Signaler checks permissions and routes messages. Messages from one surface
// reach the coordinator in the order they were posted.
type Signaler struct {
	inbox chan Inbound

	mu        sync.RWMutex
	endpoints map[Kind]Endpoint
}

// NewSignaler creates a signaler with a bounded inbox.
func NewSignaler(size int) *Signaler {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Signaler{
		inbox:     make(chan Inbound, size),
		endpoints: make(map[Kind]Endpoint),
	}
}

// Inbox is consumed by the coordinator only.
func (s *Signaler) Inbox() <-chan Inbound { return s.inbox }

// Post queues a message for the coordinator, waiting for room.
func (s *Signaler) Post(ctx context.Context, from Kind, msg Message) error {
	if err := checkPost(from, msg.Type); err != nil {
		return err
	}
	select {
	case s.inbox <- Inbound{From: from, Msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost queues without waiting and reports whether the message was taken.
func (s *Signaler) TryPost(from Kind, msg Message) (bool, error) {
	if err := checkPost(from, msg.Type); err != nil {
		return false, err
	}
	select {
	case s.inbox <- Inbound{From: from, Msg: msg}:
		return true, nil
	default:
		return false, nil
	}
}

func checkPost(from Kind, t Type) error {
	if !CanPost(from, t) {
		slog.Warn("surface message rejected", "from", from, "type", t)
		return apperr.Newf(apperr.CodeForbidden, "%s may not send %s", from, t)
	}
	return nil
}

// Attach registers the endpoint for kind, replacing any previous one.
func (s *Signaler) Attach(kind Kind, ep Endpoint) {
	s.mu.Lock()
	s.endpoints[kind] = ep
	s.mu.Unlock()
}

// Detach unregisters kind and returns its endpoint, if any.
func (s *Signaler) Detach(kind Kind) Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := s.endpoints[kind]
	delete(s.endpoints, kind)
	return ep
}

// Attached reports whether kind has a live endpoint.
func (s *Signaler) Attached(kind Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.endpoints[kind]
	return ok
}

// Send delivers a coordinator message. Sending to a surface that is not
// open is a no-op.
func (s *Signaler) Send(ctx context.Context, to Kind, msg Message) error {
	if !CanDeliver(to, msg.Type) {
		return apperr.Newf(apperr.CodeForbidden, "%s may not receive %s", to, msg.Type)
	}
	s.mu.RLock()
	ep := s.endpoints[to]
	s.mu.RUnlock()
	if ep == nil {
		slog.Debug("surface not open, message dropped", "to", to, "type", msg.Type)
		return nil
	}
	return ep.Deliver(ctx, msg)
}
