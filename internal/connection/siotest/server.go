// Package siotest runs an in-process Socket.IO server for tests. It speaks
// just enough of Engine.IO v4 over websocket and long-polling to exercise a
// client.
package siotest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const separator = "\x1e"

// Options selects server behavior.
type Options struct {
	Websocket bool
	Polling   bool
	// RejectConnect answers namespace joins with CONNECT_ERROR.
	RejectConnect string
	// Advertised in the handshake.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// SendPings makes the server ping at PingInterval.
	SendPings bool
	// AckEvents acknowledges events that carry an id.
	AckEvents bool
}

// Event is a client event seen by the server.
type Event struct {
	Transport string
	Name      string
	Args      []json.RawMessage
	ID        *uint64
}

// Server is a fake Socket.IO endpoint.
type Server struct {
	URL  string
	opts Options
	srv  *httptest.Server

	events chan Event

	mu         sync.Mutex
	conns      map[string]*conn
	handshakes map[string]int
	pongs      int
}

type conn struct {
	sid       string
	transport string
	out       chan string
	done      chan struct{}
	closeOnce sync.Once
	joined    bool
}

func (c *conn) close() { c.closeOnce.Do(func() { close(c.done) }) }

func (c *conn) send(pkt string) {
	select {
	case c.out <- pkt:
	case <-c.done:
	}
}

// NewServer starts a server; callers must Close it.
func NewServer(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	s := &Server{
		opts:       opts,
		events:     make(chan Event, 1024),
		conns:      make(map[string]*conn),
		handshakes: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handle)
	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	return s
}

// Close drops every session and stops the listener.
func (s *Server) Close() {
	s.DropAll()
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// Events streams client events in arrival order.
func (s *Server) Events() <-chan Event { return s.events }

// Handshakes counts Engine.IO opens per transport.
func (s *Server) Handshakes(transport string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes[transport]
}

// Connected counts sessions that joined the namespace.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.joined {
			n++
		}
	}
	return n
}

// Pongs counts pongs received from clients.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// Emit sends an event to every joined session.
func (s *Server) Emit(name string, args ...any) error {
	data, err := json.Marshal(append([]any{name}, args...))
	if err != nil {
		return err
	}
	s.broadcast("42" + string(data))
	return nil
}

// Raw sends an engine packet verbatim to every joined session.
func (s *Server) Raw(pkt string) { s.broadcast(pkt) }

// Disconnect sends a namespace DISCONNECT to every joined session.
func (s *Server) Disconnect() { s.broadcast("41") }

// DropAll closes every session without a goodbye.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.remove(c)
	}
}

func (s *Server) broadcast(pkt string) {
	s.mu.Lock()
	var targets []*conn
	for _, c := range s.conns {
		if c.joined {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.send(pkt)
	}
}

func (s *Server) newConn(transport string) *conn {
	c := &conn{
		sid:       uuid.NewString(),
		transport: transport,
		out:       make(chan string, 64),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.sid] = c
	s.handshakes[transport]++
	s.mu.Unlock()
	return c
}

func (s *Server) lookup(sid string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sid]
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.sid)
	s.mu.Unlock()
	c.close()
}

func (s *Server) handshake(c *conn) string {
	upgrades := []string{}
	if c.transport == "polling" && s.opts.Websocket {
		upgrades = append(upgrades, "websocket")
	}
	data, _ := json.Marshal(map[string]any{
		"sid":          c.sid,
		"upgrades":     upgrades,
		"pingInterval": s.opts.PingInterval.Milliseconds(),
		"pingTimeout":  s.opts.PingTimeout.Milliseconds(),
		"maxPayload":   1000000,
	})
	return "0" + string(data)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		http.Error(w, `{"code":5,"message":"Unsupported protocol version"}`, http.StatusBadRequest)
		return
	}
	switch q.Get("transport") {
	case "websocket":
		if s.opts.Websocket {
			s.serveWebsocket(w, r)
			return
		}
	case "polling":
		if s.opts.Polling {
			s.servePolling(w, r)
			return
		}
	}
	http.Error(w, `{"code":0,"message":"Transport unknown"}`, http.StatusBadRequest)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := s.newConn("websocket")
	defer s.remove(c)

	if err := ws.Write(ctx, websocket.MessageText, []byte(s.handshake(c))); err != nil {
		return
	}

	go func() {
		var ping <-chan time.Time
		if s.opts.SendPings {
			t := time.NewTicker(s.opts.PingInterval)
			defer t.Stop()
			ping = t.C
		}
		for {
			select {
			case <-c.done:
				ws.Close(websocket.StatusGoingAway, "dropped")
				cancel()
				return
			case <-ctx.Done():
				return
			case pkt := <-c.out:
				if ws.Write(ctx, websocket.MessageText, []byte(pkt)) != nil {
					return
				}
			case <-ping:
				if ws.Write(ctx, websocket.MessageText, []byte("2")) != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		s.receive(c, string(data))
	}
}

func (s *Server) servePolling(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "bad handshake method", http.StatusBadRequest)
			return
		}
		c := s.newConn("polling")
		io.WriteString(w, s.handshake(c))
		return
	}

	c := s.lookup(sid)
	if c == nil {
		http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, pkt := range strings.Split(string(body), separator) {
			s.receive(c, pkt)
		}
		io.WriteString(w, "ok")
	case http.MethodGet:
		var ping <-chan time.Time
		if s.opts.SendPings {
			t := time.NewTimer(s.opts.PingInterval)
			defer t.Stop()
			ping = t.C
		}
		var packets []string
		select {
		case pkt := <-c.out:
			packets = append(packets, pkt)
		drain:
			for {
				select {
				case pkt := <-c.out:
					packets = append(packets, pkt)
				default:
					break drain
				}
			}
		case <-c.done:
			packets = append(packets, "1")
		case <-ping:
			packets = append(packets, "2")
		case <-r.Context().Done():
			return
		}
		io.WriteString(w, strings.Join(packets, separator))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// receive handles one Engine.IO packet from a client.
func (s *Server) receive(c *conn, raw string) {
	if raw == "" {
		return
	}
	switch raw[0] {
	case '1':
		s.remove(c)
	case '3':
		s.mu.Lock()
		s.pongs++
		s.mu.Unlock()
	case '4':
		s.receiveSocket(c, raw[1:])
	}
}

func (s *Server) receiveSocket(c *conn, raw string) {
	if raw == "" {
		return
	}
	switch raw[0] {
	case '0':
		if s.opts.RejectConnect != "" {
			data, _ := json.Marshal(map[string]string{"message": s.opts.RejectConnect})
			c.send("44" + string(data))
			return
		}
		s.mu.Lock()
		c.joined = true
		s.mu.Unlock()
		c.send(fmt.Sprintf(`40{"sid":"%s"}`, uuid.NewString()))
	case '1':
		s.mu.Lock()
		c.joined = false
		s.mu.Unlock()
	case '2':
		rest := raw[1:]
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		ev := Event{Transport: c.transport}
		if i > 0 {
			id, _ := strconv.ParseUint(rest[:i], 10, 64)
			ev.ID = &id
		}
		var args []json.RawMessage
		if json.Unmarshal([]byte(rest[i:]), &args) != nil || len(args) == 0 {
			return
		}
		_ = json.Unmarshal(args[0], &ev.Name)
		ev.Args = args[1:]
		select {
		case s.events <- ev:
		default:
		}
		if s.opts.AckEvents && ev.ID != nil {
			c.send(fmt.Sprintf(`43%d["ok"]`, *ev.ID))
		}
	}
}
