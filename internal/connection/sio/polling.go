package sio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

const maxPollBody = 4 << 20

// PollingTransport connects over HTTP long-polling.
type PollingTransport struct {
	Client *http.Client
}

func (t *PollingTransport) Name() string { return TransportPolling }

func (t *PollingTransport) Dial(ctx context.Context, endpoint string) (Session, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	base, err := engineURL(endpoint, TransportPolling, "")
	if err != nil {
		return nil, err
	}

	p := &pollConn{client: client}
	packets, err := p.get(ctx, base)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeTransportError, "polling handshake")
	}
	if len(packets) == 0 {
		return nil, apperr.New(apperr.CodeTransportError, "empty polling handshake")
	}
	hs, err := parseHandshake(packets[0])
	if err != nil {
		return nil, err
	}
	p.url, err = engineURL(endpoint, TransportPolling, hs.SID)
	if err != nil {
		return nil, err
	}
	p.pending = packets[1:]

	s := &session{transport: TransportPolling, conn: p, hs: hs}
	if err := s.connect(ctx); err != nil {
		p.close()
		return nil, err
	}
	return s, nil
}

// pollConn keeps one GET and at most one POST in flight, as Engine.IO
// servers reject overlapping requests of the same kind.
type pollConn struct {
	client *http.Client
	url    string

	readMu  sync.Mutex
	pending []string

	writeMu sync.Mutex
}

func (p *pollConn) read(ctx context.Context) (string, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	for len(p.pending) == 0 {
		packets, err := p.get(ctx, p.url)
		if err != nil {
			return "", err
		}
		p.pending = packets
	}
	pkt := p.pending[0]
	p.pending = p.pending[1:]
	return pkt, nil
}

func (p *pollConn) write(ctx context.Context, pkt string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(pkt))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPollBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post: status %d", resp.StatusCode)
	}
	return nil
}

func (p *pollConn) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return p.write(ctx, string(eioClose))
}

func (p *pollConn) get(ctx context.Context, target string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get: status %d: %s", resp.StatusCode, truncate(string(body)))
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	return strings.Split(string(body), payloadSeparator), nil
}
