package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/screenwatch/internal/capture"
	"github.com/GriffinCanCode/screenwatch/internal/connection"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
	"github.com/GriffinCanCode/screenwatch/internal/history"
	"github.com/GriffinCanCode/screenwatch/internal/metrics"
	"github.com/GriffinCanCode/screenwatch/internal/surface"
	"github.com/GriffinCanCode/screenwatch/internal/syncx"
	"github.com/GriffinCanCode/screenwatch/internal/trace"
)

const shutdownTimeout = 5 * time.Second

// ErrClosed is returned by requests made after Run has returned.
var ErrClosed = errors.New("coordinator closed")

// Connection is the coordinator's view of the detection link.
type Connection interface {
	Send(ctx context.Context, frame capture.Frame) error
	Status() <-chan connection.StatusEvent
	Results() <-chan connection.Result
}

// Config wires a Coordinator.
type Config struct {
	Sources   capture.Provider
	Signaler  *surface.Signaler
	Host      surface.Host
	Conn      Connection
	Sampling  capture.Options
	Metrics   *metrics.Metrics
	Observers []Observer
	// History records every detection result. Optional.
	History *history.Store
}

type call struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

type captureSession struct {
	source  string
	sampler *capture.Sampler
}

func (s *captureSession) id() string { return s.sampler.Session() }

// Coordinator serializes surface messages, connection events and requests
// through one loop.
type Coordinator struct {
	cfg      Config
	calls    chan call
	done     chan struct{}
	snapshot *syncx.RWGuard[Snapshot]

	// Owned by the Run goroutine.
	state     State
	conn      connection.State
	transport string
	active    *captureSession
	forwarded uint64
	lastError string
}

// New creates a coordinator in Idle with the connection Disconnected.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		calls:    make(chan call),
		done:     make(chan struct{}),
		snapshot: syncx.NewGuard(Snapshot{UpdatedAt: time.Now()}),
	}
}

// Snapshot returns the latest published state. Safe from any goroutine.
func (c *Coordinator) Snapshot() Snapshot { return c.snapshot.Get() }

// RecentResults returns detection results received within window.
func (c *Coordinator) RecentResults(window time.Duration) []history.Entry {
	return c.cfg.History.Recent(window)
}

// RequestStart asks the loop to start capturing.
func (c *Coordinator) RequestStart(ctx context.Context) error {
	return c.do(ctx, c.requestStart)
}

// RequestStop asks the loop to stop capturing. Stopping while idle is a no-op.
func (c *Coordinator) RequestStop(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		c.requestStop(ctx)
		return nil
	})
}

func (c *Coordinator) do(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case c.calls <- call{ctx: ctx, fn: fn, reply: reply}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run opens the control surface and processes events until ctx is done,
// then stops any capture and closes every surface.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	c.init(ctx)
	defer c.shutdown()

	status := c.cfg.Conn.Status()
	results := c.cfg.Conn.Results()
	inbox := c.cfg.Signaler.Inbox()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-status:
			tctx, _ := trace.EnsureContext(ctx)
			c.onConnectionStatusChanged(tctx, ev)
		case r := <-results:
			c.onDetectionResult(ctx, r)
		case in := <-inbox:
			tctx, _ := trace.EnsureContext(ctx)
			c.onSurfaceMessage(tctx, in)
		case cl := <-c.calls:
			cctx := ctx
			if tc, ok := trace.FromContext(cl.ctx); ok {
				cctx = trace.WithContext(ctx, tc)
			}
			cl.reply <- cl.fn(cctx)
		}
	}
}

func (c *Coordinator) init(ctx context.Context) {
	if err := c.openSurface(surface.Control); err != nil {
		slog.Error("control surface unavailable", "error", err)
	}
	c.publishConnection(ctx)
	c.publishControls(ctx)
	c.publish()
}

func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	c.requestStop(ctx)
	c.closeSurface(surface.Overlay)
	c.closeSurface(surface.Control)
	c.publish()
	slog.Info("coordinator stopped", "frames_forwarded", c.forwarded)
}

// requestStart is valid only from Idle with the connection up.
func (c *Coordinator) requestStart(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "coordinator.start")
	defer span.End()
	log := trace.Logger(ctx)

	if c.state != Idle {
		log.Debug("start ignored", "state", c.state)
		return apperr.Newf(apperr.CodeInvalidState, "capture is %s", c.state)
	}
	if c.conn != connection.Connected {
		err := apperr.New(apperr.CodeNotConnected, "Not connected to server")
		c.notify(ctx, levelError, prefixStartError+err.UserMessage())
		return err
	}

	c.setState(ctx, Starting)
	if err := c.beginCapture(ctx); err != nil {
		log.Error("capture start failed", "error", err)
		c.endCapture()
		c.setState(ctx, Idle)
		c.notify(ctx, levelError, prefixStartError+userMessage(err))
		return err
	}
	c.setState(ctx, Capturing)
	span.SetAttr("session", c.active.id())
	log.Info("capture started", "session", c.active.id(), "source", c.active.source)
	return nil
}

// beginCapture acquires the first source, creates the capture and overlay
// surfaces and starts sampling.
func (c *Coordinator) beginCapture(ctx context.Context) error {
	sources, err := c.cfg.Sources.Sources(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeNoSourceAvailable, "Could not list screen sources")
	}
	if len(sources) == 0 {
		return apperr.New(apperr.CodeNoSourceAvailable, "No screen sources found")
	}
	src := sources[0]

	stream, err := src.Open(ctx)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeUnknown {
			err = apperr.Wrapf(err, apperr.CodeCaptureFault, "Could not open %s", src.Name())
		}
		return err
	}

	id := uuid.NewString()
	sink := &captureSink{session: id, signaler: c.cfg.Signaler, metrics: c.cfg.Metrics}
	sampler := capture.NewSampler(id, c.cfg.Sampling, sink, c.cfg.Metrics)
	c.active = &captureSession{source: src.Name(), sampler: sampler}

	if !c.cfg.Signaler.Attached(surface.Overlay) {
		if err := c.openSurface(surface.Overlay); err != nil {
			trace.Logger(ctx).Warn("overlay unavailable, detections will not be shown", "error", err)
		}
	}

	if err := sampler.Begin(stream); err != nil {
		for _, t := range stream.Tracks() {
			t.Stop()
		}
		return apperr.Wrap(err, apperr.CodeCaptureFault, "Could not start sampling")
	}
	return nil
}

// requestStop tears the capture surface down. The overlay stays open.
func (c *Coordinator) requestStop(ctx context.Context) {
	if c.state == Idle || c.state == Stopping {
		return
	}
	c.setState(ctx, Stopping)
	c.endCapture()
	c.setState(ctx, Idle)
}

// endCapture releases the sampler and its tracks. Idempotent.
func (c *Coordinator) endCapture() {
	if c.active == nil {
		return
	}
	c.active.sampler.End()
	slog.Info("capture ended", "session", c.active.id())
	c.active = nil
}

func (c *Coordinator) onConnectionStatusChanged(ctx context.Context, ev connection.StatusEvent) {
	log := trace.Logger(ctx)
	c.conn = ev.State
	c.transport = ev.Transport
	if ev.Err != nil {
		c.lastError = userMessage(ev.Err)
		log.Warn("connection status changed", "state", ev.State, "error", ev.Err)
	} else {
		log.Info("connection status changed", "state", ev.State, "transport", ev.Transport)
	}
	for _, o := range c.cfg.Observers {
		o.ConnectionChanged(ev.State)
	}

	if ev.State != connection.Connected && c.state != Idle {
		c.requestStop(ctx)
		c.notify(ctx, levelWarning, textConnectionLost)
	}

	c.publishConnection(ctx)
	c.publishControls(ctx)
	c.publish()
}

// onFrameReady forwards frames of the live session while capturing.
func (c *Coordinator) onFrameReady(ctx context.Context, frame capture.Frame) {
	if c.state != Capturing || c.active == nil {
		c.cfg.Metrics.FrameDropped(metrics.DropNotCapturing)
		slog.Debug("not capturing, frame dropped", "seq", frame.Seq)
		return
	}
	if frame.Session != c.active.id() {
		c.cfg.Metrics.FrameDropped(metrics.DropStaleSession)
		slog.Debug("frame from ended session dropped", "session", frame.Session, "seq", frame.Seq)
		return
	}
	if err := c.cfg.Conn.Send(ctx, frame); err != nil {
		slog.Warn("frame not forwarded", "seq", frame.Seq, "error", err)
		return
	}
	c.forwarded++
	c.snapshot.Write(func(s *Snapshot) {
		s.FramesForwarded = c.forwarded
		s.UpdatedAt = time.Now()
	})
}

// onDetectionResult relays a result to the overlay if one is open.
func (c *Coordinator) onDetectionResult(ctx context.Context, r connection.Result) {
	session := ""
	if c.active != nil {
		session = c.active.id()
	}
	c.cfg.History.Add(session, r.Payload, r.ReceivedAt)

	if !c.cfg.Signaler.Attached(surface.Overlay) {
		slog.Debug("no overlay, detection result dropped")
		return
	}
	msg := surface.Message{Type: surface.UpdateDetection, Payload: surface.DetectionPayload(r.Payload)}
	if err := c.cfg.Signaler.Send(ctx, surface.Overlay, msg); err != nil {
		slog.Warn("overlay delivery failed", "error", err)
	}
}

// onCaptureFault stops the session that faulted and alerts the user.
func (c *Coordinator) onCaptureFault(ctx context.Context, p surface.CaptureErrorPayload) {
	if c.active == nil || p.Session != c.active.id() {
		slog.Debug("fault from ended session ignored", "session", p.Session)
		return
	}
	trace.Logger(ctx).Error("capture fault", "session", p.Session, "error", p.Message)
	c.lastError = p.Message
	c.notify(ctx, levelError, prefixCaptureError+p.Message)
	c.requestStop(ctx)
}

func (c *Coordinator) onSurfaceMessage(ctx context.Context, in surface.Inbound) {
	switch in.Msg.Type {
	case surface.StartCapture:
		_ = c.requestStart(ctx)
	case surface.StopCapture:
		c.requestStop(ctx)
	case surface.CloseFloatingWindow:
		c.closeSurface(surface.Overlay)
		c.publish()
	case surface.FrameCaptured:
		frame, ok := in.Msg.Payload.(capture.Frame)
		if !ok {
			slog.Warn("malformed frame message", "from", in.From)
			return
		}
		c.onFrameReady(ctx, frame)
	case surface.CaptureError:
		p, ok := in.Msg.Payload.(surface.CaptureErrorPayload)
		if !ok {
			slog.Warn("malformed capture error", "from", in.From)
			return
		}
		c.onCaptureFault(ctx, p)
	default:
		slog.Warn("unhandled surface message", "from", in.From, "type", in.Msg.Type)
	}
}

func (c *Coordinator) setState(ctx context.Context, s State) {
	if c.state == s {
		return
	}
	trace.Logger(ctx).Debug("capture state", "from", c.state, "to", s)
	c.state = s
	c.cfg.Metrics.SetCaptureState(int(s))
	for _, o := range c.cfg.Observers {
		o.CaptureChanged(s)
	}
	c.publishControls(ctx)
	c.publish()
}

func (c *Coordinator) openSurface(kind surface.Kind) error {
	ep, err := c.cfg.Host.Open(kind)
	if err != nil {
		return err
	}
	c.cfg.Signaler.Attach(kind, ep)
	slog.Debug("surface opened", "surface", kind)
	return nil
}

func (c *Coordinator) closeSurface(kind surface.Kind) {
	ep := c.cfg.Signaler.Detach(kind)
	if ep == nil {
		return
	}
	if err := ep.Close(); err != nil {
		slog.Warn("surface close failed", "surface", kind, "error", err)
	}
	slog.Debug("surface closed", "surface", kind)
}

func (c *Coordinator) publishConnection(ctx context.Context) {
	p := surface.ConnectionStatusPayload{Connected: c.conn == connection.Connected, State: c.conn.String()}
	switch c.conn {
	case connection.Connected:
		p.Text = textConnected
	case connection.Connecting:
		p.Text = textConnecting
	default:
		p.Text = textDisconnected
	}
	c.deliver(ctx, surface.Control, surface.Message{Type: surface.ConnectionStatus, Payload: p})
}

// publishControls shows start while not capturing, enabled only when idle
// and connected; stop shows only while capturing.
func (c *Coordinator) publishControls(ctx context.Context) {
	p := surface.CaptureStatePayload{
		State:        c.state.String(),
		StartVisible: c.state != Capturing,
		StartEnabled: c.state == Idle && c.conn == connection.Connected,
		StopVisible:  c.state == Capturing,
	}
	c.deliver(ctx, surface.Control, surface.Message{Type: surface.CaptureState, Payload: p})
}

func (c *Coordinator) notify(ctx context.Context, level, text string) {
	c.lastError = text
	c.deliver(ctx, surface.Control, surface.Message{Type: surface.Notify, Payload: surface.NotifyPayload{Level: level, Text: text}})
	c.publish()
}

func (c *Coordinator) deliver(ctx context.Context, to surface.Kind, msg surface.Message) {
	if err := c.cfg.Signaler.Send(ctx, to, msg); err != nil {
		slog.Warn("surface delivery failed", "to", to, "type", msg.Type, "error", err)
	}
}

func (c *Coordinator) publish() {
	s := Snapshot{
		Capture:         c.state,
		Connection:      c.conn,
		Transport:       c.transport,
		OverlayOpen:     c.cfg.Signaler.Attached(surface.Overlay),
		FramesForwarded: c.forwarded,
		LastError:       c.lastError,
		UpdatedAt:       time.Now(),
	}
	if c.active != nil {
		s.Session = c.active.id()
		s.Source = c.active.source
		s.Sampling = c.active.sampler.Active()
	}
	c.snapshot.Set(s)
}
