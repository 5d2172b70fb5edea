package sio

import (
	"context"

	"github.com/coder/websocket"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

const wsReadLimit = 1 << 20

// WebsocketTransport connects straight over a WebSocket.
type WebsocketTransport struct {
	Options *websocket.DialOptions
}

func (t *WebsocketTransport) Name() string { return TransportWebsocket }

func (t *WebsocketTransport) Dial(ctx context.Context, endpoint string) (Session, error) {
	target, err := engineURL(endpoint, TransportWebsocket, "")
	if err != nil {
		return nil, err
	}
	c, _, err := websocket.Dial(ctx, target, t.Options)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeTransportError, "websocket dial")
	}
	c.SetReadLimit(wsReadLimit)
	conn := &wsConn{c: c}

	raw, err := conn.read(ctx)
	if err != nil {
		conn.close()
		return nil, apperr.Wrap(err, apperr.CodeTransportError, "read handshake")
	}
	hs, err := parseHandshake(raw)
	if err != nil {
		conn.close()
		return nil, err
	}

	s := &session{transport: TransportWebsocket, conn: conn, hs: hs}
	if err := s.connect(ctx); err != nil {
		conn.close()
		return nil, err
	}
	return s, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) read(ctx context.Context) (string, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return "", err
	}
	if typ != websocket.MessageText {
		return "", apperr.New(apperr.CodeInvalidMessage, "binary frames are not supported")
	}
	return string(data), nil
}

func (w *wsConn) write(ctx context.Context, pkt string) error {
	return w.c.Write(ctx, websocket.MessageText, []byte(pkt))
}

func (w *wsConn) close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
