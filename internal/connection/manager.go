package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/screenwatch/internal/capture"
	"github.com/GriffinCanCode/screenwatch/internal/connection/sio"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
	"github.com/GriffinCanCode/screenwatch/internal/metrics"
	"github.com/GriffinCanCode/screenwatch/internal/resilience"
	"github.com/GriffinCanCode/screenwatch/internal/trace"
)

// State is the connection state as reported to the coordinator.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StatusEvent is one state transition.
type StatusEvent struct {
	State     State
	Transport string
	Err       error
	At        time.Time
}

// Result is an opaque detection payload from the service.
type Result struct {
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Options configures a Manager.
type Options struct {
	Endpoint   string
	Transports []sio.Transport
	// Attempts per round, spaced by Delay; each bounded by Timeout.
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
	// BackgroundRetry spaces rounds after one is exhausted.
	BackgroundRetry time.Duration
	WriteTimeout    time.Duration
	MaxPendingAcks  int
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Delay <= 0 {
		o.Delay = DefaultDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BackgroundRetry <= 0 {
		o.BackgroundRetry = DefaultBackgroundRetry
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxPendingAcks <= 0 {
		o.MaxPendingAcks = DefaultMaxPendingAcks
	}
	return o
}

type pendingAck struct {
	seq    uint64
	sentAt time.Time
}

// Manager owns the session lifecycle. Status transitions and results are
// delivered on channels; Run drives everything else.
type Manager struct {
	opts    Options
	breaker *resilience.Breaker
	metrics *metrics.Metrics

	status  chan StatusEvent
	results chan Result

	mu      sync.Mutex
	state   State
	session sio.Session
	nextID  uint64
	pending map[uint64]pendingAck
	order   []uint64
}

// New creates a manager. Nothing is dialed until Run.
func New(opts Options, m *metrics.Metrics) *Manager {
	opts = opts.withDefaults()
	mgr := &Manager{
		opts:    opts,
		metrics: m,
		status:  make(chan StatusEvent, statusBuffer),
		results: make(chan Result, resultBuffer),
		pending: make(map[uint64]pendingAck),
	}
	bcfg := resilience.DefaultConfig()
	bcfg.ResetTimeout = opts.BackgroundRetry
	mgr.breaker = resilience.New("detection", bcfg).WithHook(func(_, to resilience.State) {
		m.SetBreakerState(int(to))
	})
	return mgr
}

// Status delivers every state transition in order.
func (m *Manager) Status() <-chan StatusEvent { return m.status }

// Results delivers detection results; the oldest are dropped when the
// consumer falls behind.
func (m *Manager) Results() <-chan Result { return m.results }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects and keeps the session alive until ctx is done. A lost
// session triggers an immediate round; an exhausted round waits
// BackgroundRetry before the next.
func (m *Manager) Run(ctx context.Context) error {
	defer m.teardown()

	for {
		if err := m.breaker.Wait(ctx); err != nil {
			return nil
		}

		sess, err := m.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.breaker.Failure()
			continue
		}
		m.breaker.Success()

		err = m.serve(ctx, sess)
		m.drop(sess)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("detection session lost", "transport", sess.Transport(), "error", err)
		m.setState(Disconnected, sess.Transport(), apperr.Wrap(err, apperr.CodeTransportError, "connection lost"))
	}
}

// Connect runs one round of attempts, each trying the transports in order.
func (m *Manager) Connect(ctx context.Context) (sio.Session, error) {
	ctx, span := trace.StartSpan(ctx, "connection.connect")
	defer span.End()
	log := trace.Logger(ctx).With("endpoint", m.opts.Endpoint)

	m.setState(Connecting, "", nil)

	var sess sio.Session
	attempts := 0
	cfg := resilience.FixedRetryConfig(m.opts.Attempts, m.opts.Delay)
	cfg.IsRetryable = apperr.IsRetryable
	cfg.OnAttempt = func(n int) {
		attempts = n
		m.metrics.ConnectAttempt()
		log.Debug("connecting to detection service", "attempt", n, "max", m.opts.Attempts)
	}
	err := resilience.Retry(ctx, cfg, func(ctx context.Context) error {
		s, err := m.dial(ctx)
		sess = s
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error("connection round exhausted", "attempts", m.opts.Attempts, "error", err)
			m.setState(Disconnected, "", apperr.Wrap(err, apperr.CodeTransportError, "connect failed").
				WithMetadata("attempts", strconv.Itoa(attempts)).
				WithMetadata("transports", m.transportNames()))
		}
		return nil, err
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	span.SetAttr("transport", sess.Transport())
	log.Info("connected to detection service", "transport", sess.Transport(), "sid", sess.SID())
	m.setState(Connected, sess.Transport(), nil)
	return sess, nil
}

// dial makes one attempt bounded by Timeout. Each transport gets an equal
// share of what is left, so a hanging websocket still leaves polling time.
func (m *Manager) dial(ctx context.Context) (sio.Session, error) {
	actx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	deadline, _ := actx.Deadline()

	var errs []error
	for i, t := range m.opts.Transports {
		share := time.Until(deadline) / time.Duration(len(m.opts.Transports)-i)
		tctx, tcancel := context.WithTimeout(actx, share)
		sess, err := t.Dial(tctx, m.opts.Endpoint)
		tcancel()
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("transport failed", "transport", t.Name(), "error", err)
		errs = append(errs, apperr.Wrap(err, apperr.CodeTransportError, "dial").WithMetadata("transport", t.Name()))
	}
	if len(errs) == 0 {
		return nil, apperr.New(apperr.CodeTransportError, "no transports configured")
	}
	return nil, apperr.Wrap(errors.Join(errs...), apperr.CodeTransportError, "all transports failed")
}

func (m *Manager) transportNames() string {
	names := make([]string, len(m.opts.Transports))
	for i, t := range m.opts.Transports {
		names[i] = t.Name()
	}
	return strings.Join(names, ",")
}

// Send forwards a frame. Without a session it logs and returns nil.
func (m *Manager) Send(ctx context.Context, frame capture.Frame) error {
	m.mu.Lock()
	sess := m.session
	if m.state != Connected || sess == nil {
		m.mu.Unlock()
		slog.Debug("not connected, frame not sent", "seq", frame.Seq)
		m.metrics.FrameDropped(metrics.DropNotConnected)
		return nil
	}
	id := m.nextID
	m.nextID++
	m.trackAck(id, frame.Seq)
	m.mu.Unlock()

	pkt, err := sio.NewEvent(EventScreenFrame, &id, frame.DataURL())
	if err != nil {
		m.forgetAck(id)
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := sess.Send(wctx, pkt); err != nil {
		m.forgetAck(id)
		m.metrics.FrameDropped(metrics.DropSendFailed)
		slog.Warn("frame send failed", "seq", frame.Seq, "error", err)
		return apperr.Wrap(err, apperr.CodeTransportError, "send frame")
	}
	m.metrics.FrameSent()
	return nil
}

// serve reads until the session fails or ctx ends.
func (m *Manager) serve(ctx context.Context, sess sio.Session) error {
	for {
		p, err := sess.Receive(ctx)
		if err != nil {
			return err
		}
		switch p.Type {
		case sio.Event:
			name, args, err := p.Event()
			if err != nil {
				slog.Warn("malformed event", "error", err)
				continue
			}
			if name != EventDetectionResult {
				slog.Debug("ignoring event", "event", name)
				continue
			}
			var payload json.RawMessage
			if len(args) > 0 {
				payload = args[0]
			}
			m.onServerEvent(payload)
		case sio.Ack:
			m.onAck(p)
		case sio.Disconnect:
			return apperr.New(apperr.CodeTransportError, "server closed the namespace")
		}
	}
}

// onServerEvent queues a result, evicting the oldest when full.
func (m *Manager) onServerEvent(payload json.RawMessage) {
	m.metrics.ResultReceived()
	r := Result{Payload: payload, ReceivedAt: time.Now()}
	for {
		select {
		case m.results <- r:
			return
		default:
		}
		select {
		case <-m.results:
			slog.Debug("result buffer full, dropping oldest")
		default:
		}
	}
}

func (m *Manager) onAck(p sio.Packet) {
	if !p.HasID {
		return
	}
	m.mu.Lock()
	ack, ok := m.pending[p.ID]
	delete(m.pending, p.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Debug("frame acknowledged", "seq", ack.seq, "rtt", time.Since(ack.sentAt), "reply", string(p.Data))
}

// trackAck must be called with mu held.
func (m *Manager) trackAck(id, seq uint64) {
	m.pending[id] = pendingAck{seq: seq, sentAt: time.Now()}
	m.order = append(m.order, id)
	for len(m.order) > m.opts.MaxPendingAcks {
		delete(m.pending, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) forgetAck(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// PendingAcks returns the number of unacknowledged frames being tracked.
func (m *Manager) PendingAcks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// drop forgets the session and every outstanding acknowledgement.
func (m *Manager) drop(sess sio.Session) {
	m.mu.Lock()
	if m.session == sess {
		m.session = nil
		m.state = Disconnected
	}
	clear(m.pending)
	m.order = m.order[:0]
	m.mu.Unlock()
	_ = sess.Close()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		m.drop(sess)
	}
	m.setState(Disconnected, "", nil)
}

// setState records the transition and reports it. Reporting never blocks; a
// full buffer loses its oldest event.
func (m *Manager) setState(s State, transport string, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	m.metrics.SetConnectionState(int(s))
	if prev == s && err == nil && s != Connecting {
		return
	}

	ev := StatusEvent{State: s, Transport: transport, Err: err, At: time.Now()}
	select {
	case m.status <- ev:
	default:
		select {
		case <-m.status:
		default:
		}
		select {
		case m.status <- ev:
		default:
		}
	}
}
