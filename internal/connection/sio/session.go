package sio

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

// Transport names
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
	closeTimeout        = 2 * time.Second
	payloadSeparator    = "\x1e"
)

// ErrClosed reports that the server closed the session.
var ErrClosed = apperr.New(apperr.CodeTransportError, "session closed by server")

// Transport dials a Socket.IO session over one Engine.IO transport.
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint string) (Session, error)
}

// Session is an established connection to the default namespace. Send may be
// called concurrently with Receive; Receive has a single caller.
type Session interface {
	Transport() string
	SID() string
	Send(ctx context.Context, p Packet) error
	Receive(ctx context.Context) (Packet, error)
	Close() error
}

// Transports resolves transport names in negotiation order.
func Transports(names []string) ([]Transport, error) {
	out := make([]Transport, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case TransportWebsocket:
			out = append(out, &WebsocketTransport{})
		case TransportPolling:
			out = append(out, &PollingTransport{})
		default:
			return nil, apperr.Newf(apperr.CodeInvalidMessage, "unknown transport %q", n)
		}
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.CodeInvalidMessage, "no transports configured")
	}
	return out, nil
}

// engineConn moves raw Engine.IO packets.
type engineConn interface {
	read(ctx context.Context) (string, error)
	write(ctx context.Context, pkt string) error
	close() error
}

// session layers Socket.IO on an engineConn.
type session struct {
	transport string
	conn      engineConn
	hs        handshake

	closeOnce sync.Once
	closeErr  error
}

func (s *session) Transport() string { return s.transport }
func (s *session) SID() string       { return s.hs.SID }

func (s *session) Send(ctx context.Context, p Packet) error {
	if err := s.conn.write(ctx, string(eioMessage)+p.Encode()); err != nil {
		return apperr.Wrap(err, apperr.CodeTransportError, "write packet")
	}
	return nil
}

// Receive returns the next Socket.IO packet, answering pings on the way. It
// fails when the server stays silent past its advertised ping deadline.
func (s *session) Receive(ctx context.Context) (Packet, error) {
	for {
		raw, err := s.readEngine(ctx)
		if err != nil {
			return Packet{}, err
		}
		if raw == "" {
			continue
		}
		switch raw[0] {
		case eioMessage:
			p, err := Decode(raw[1:])
			if err != nil {
				// One bad push does not invalidate the session.
				slog.Warn("skipping undecodable packet", "transport", s.Transport(), "error", err)
				continue
			}
			return p, nil
		case eioClose:
			return Packet{}, ErrClosed
		case eioPing:
			if err := s.conn.write(ctx, string(eioPong)); err != nil {
				return Packet{}, apperr.Wrap(err, apperr.CodeTransportError, "write pong")
			}
		case eioPong, eioNoop, eioUpgrade, eioOpen:
		default:
			slog.Warn("skipping unknown engine packet", "transport", s.Transport(), "type", string(raw[0]))
		}
	}
}

func (s *session) readEngine(ctx context.Context) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, s.hs.deadline())
	defer cancel()

	raw, err := s.conn.read(rctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Wrap(err, apperr.CodeTransportError, "read packet")
	}
	return raw, nil
}

// connect joins the default namespace and waits for the server's verdict.
func (s *session) connect(ctx context.Context) error {
	if err := s.conn.write(ctx, string(eioMessage)+Packet{Type: Connect}.Encode()); err != nil {
		return apperr.Wrap(err, apperr.CodeTransportError, "write connect")
	}
	for {
		p, err := s.Receive(ctx)
		if err != nil {
			return err
		}
		switch p.Type {
		case Connect:
			return nil
		case ConnectError:
			return apperr.New(apperr.CodeTransportError, "connect refused: "+p.ConnectErrorMessage())
		}
	}
}

// Close leaves the namespace and tears down the transport.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.conn.write(ctx, string(eioMessage)+Packet{Type: Disconnect}.Encode())
		s.closeErr = s.conn.close()
	})
	return s.closeErr
}

func (h handshake) deadline() time.Duration {
	interval := time.Duration(h.PingInterval) * time.Millisecond
	timeout := time.Duration(h.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return interval + timeout
}

// engineURL builds the Engine.IO endpoint for a transport.
func engineURL(endpoint, transport, sid string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInvalidMessage, "parse endpoint")
	}
	if u.Host == "" {
		return "", apperr.Newf(apperr.CodeInvalidMessage, "endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	if transport == TransportWebsocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", transport)
	if sid != "" {
		q.Set("sid", sid)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
