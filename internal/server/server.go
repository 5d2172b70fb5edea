package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/screenwatch/internal/coordinator"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
	"github.com/GriffinCanCode/screenwatch/internal/history"
	"github.com/GriffinCanCode/screenwatch/internal/surface"
	"github.com/GriffinCanCode/screenwatch/internal/trace"
)

// Controller is the coordinator surface used by the REST API.
type Controller interface {
	RequestStart(ctx context.Context) error
	RequestStop(ctx context.Context) error
	Snapshot() coordinator.Snapshot
	RecentResults(window time.Duration) []history.Entry
}

// inboundMessage is what a surface page may send.
type inboundMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports a rejected client message.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sticky message types are replayed to clients that connect late.
var sticky = map[surface.Type]bool{
	surface.ConnectionStatus: true,
	surface.CaptureState:     true,
}

type hosted struct {
	open    bool
	clients map[*client]struct{}
	last    map[surface.Type]surface.Message
}

type client struct {
	id      string
	kind    surface.Kind
	conn    *websocket.Conn
	out     chan any
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *client) enqueue(m any) bool {
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() { c.closeOnce.Do(func() { close(c.closed) }) }

// Server handles HTTP and WebSocket connections.
type Server struct {
	signaler *surface.Signaler
	metrics  http.Handler

	mu       sync.Mutex
	surfaces map[surface.Kind]*hosted
}

// New creates a hub for the control and overlay surfaces.
func New(signaler *surface.Signaler, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		signaler: signaler,
		metrics:  promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		surfaces: make(map[surface.Kind]*hosted),
	}
	for _, k := range []surface.Kind{surface.Control, surface.Overlay} {
		s.surfaces[k] = &hosted{clients: make(map[*client]struct{}), last: make(map[surface.Type]surface.Message)}
	}
	return s
}

// Open implements surface.Host for the surfaces this hub serves.
func (s *Server) Open(kind surface.Kind) (surface.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.surfaces[kind]
	if !ok {
		return nil, apperr.Newf(apperr.CodeInvalidMessage, "surface %q is not hosted here", kind)
	}
	h.open = true
	return &endpoint{srv: s, kind: kind}, nil
}

type endpoint struct {
	srv  *Server
	kind surface.Kind
}

// Deliver fans the message out to every client of the surface.
func (e *endpoint) Deliver(_ context.Context, msg surface.Message) error {
	s := e.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.surfaces[e.kind]
	if !h.open {
		return apperr.Newf(apperr.CodeInvalidState, "%s surface is closed", e.kind)
	}
	if sticky[msg.Type] {
		h.last[msg.Type] = msg
	}
	for c := range h.clients {
		if !c.enqueue(msg) {
			slog.Warn("client send buffer full, message dropped", "client", c.id, "surface", e.kind, "type", msg.Type)
		}
	}
	return nil
}

// Close marks the surface closed and disconnects its clients.
func (e *endpoint) Close() error {
	s := e.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.surfaces[e.kind]
	h.open = false
	clear(h.last)
	for c := range h.clients {
		c.shutdown()
	}
	return nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler(ctrl Controller) http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	})
	mux.HandleFunc("GET /api/results", func(w http.ResponseWriter, r *http.Request) {
		var window time.Duration
		if v := r.URL.Query().Get("seconds"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, apperr.Newf(apperr.CodeInvalidMessage, "invalid seconds %q", v))
				return
			}
			window = time.Duration(n) * time.Second
		}
		writeJSON(w, http.StatusOK, ctrl.RecentResults(window))
	})
	mux.HandleFunc("POST /api/capture/start", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(w, r, ctrl.RequestStart, ctrl)
	})
	mux.HandleFunc("POST /api/capture/stop", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(w, r, ctrl.RequestStop, ctrl)
	})
	mux.Handle("GET /metrics", s.metrics)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, fn func(context.Context) error, ctrl Controller) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()
	ctx, span := trace.StartSpan(ctx, "http."+r.URL.Path)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.SetAttr("error", err.Error())
		trace.Logger(ctx).Warn("request failed", "path", r.URL.Path, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	kind := surface.Kind(r.URL.Query().Get("surface"))
	if kind != surface.Control && kind != surface.Overlay {
		writeError(w, apperr.Newf(apperr.CodeInvalidMessage, "unknown surface %q", kind))
		return
	}
	if !s.isOpen(kind) {
		writeError(w, apperr.Newf(apperr.CodeInvalidState, "%s surface is not open", kind))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	c := &client{
		id:      uuid.NewString(),
		kind:    kind,
		conn:    conn,
		out:     make(chan any, ClientSendBuffer),
		limiter: rate.NewLimiter(rate.Every(ClientRateWindow/ClientRateLimit), ClientRateLimit),
		closed:  make(chan struct{}),
	}
	if !s.register(c) {
		_ = conn.Close(websocket.StatusNormalClosure, "surface closed")
		return
	}
	defer s.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx).With("client", c.id, "surface", kind)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	go s.writeLoop(ctx, c, log)

	for {
		var in inboundMessage
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.limiter.Allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.enqueue(ErrorMessage{Type: "error", Code: "RATE_LIMITED", Message: "rate limit exceeded"})
			continue
		}

		msg := surface.Message{Type: surface.Type(in.Type)}
		if err := s.signaler.Post(ctx, kind, msg); err != nil {
			if errors.Is(err, surface.ErrForbidden) {
				c.enqueue(errorMessage(err))
				continue
			}
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			_ = c.conn.Close(websocket.StatusNormalClosure, "surface closed")
			return
		case m := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, ClientWriteTimeout)
			err := wsjson.Write(wctx, c.conn, m)
			cancel()
			if err != nil {
				log.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func (s *Server) isOpen(kind surface.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surfaces[kind].open
}

// register adds the client and queues the sticky state, under the same lock
// deliveries take so nothing is reordered.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.surfaces[c.kind]
	if !h.open {
		return false
	}
	h.clients[c] = struct{}{}
	for _, t := range []surface.Type{surface.ConnectionStatus, surface.CaptureState} {
		if m, ok := h.last[t]; ok {
			c.enqueue(m)
		}
	}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.surfaces[c.kind].clients, c)
	s.mu.Unlock()
	c.shutdown()
}

var httpStatus = map[apperr.Code]int{
	apperr.CodeNotConnected:      http.StatusConflict,
	apperr.CodeInvalidState:      http.StatusConflict,
	apperr.CodeNoSourceAvailable: http.StatusNotFound,
	apperr.CodeForbidden:         http.StatusForbidden,
	apperr.CodeInvalidMessage:    http.StatusBadRequest,
	apperr.CodeTransportError:    http.StatusBadGateway,
}

func errorMessage(err error) ErrorMessage {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return ErrorMessage{Type: "error", Code: string(appErr.Code), Message: appErr.UserMessage()}
	}
	return ErrorMessage{Type: "error", Code: string(apperr.CodeUnknown), Message: err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	status, ok := httpStatus[apperr.CodeOf(err)]
	if !ok {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
