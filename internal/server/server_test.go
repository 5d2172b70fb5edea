package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/screenwatch/internal/connection"
	"github.com/GriffinCanCode/screenwatch/internal/coordinator"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
	"github.com/GriffinCanCode/screenwatch/internal/history"
	"github.com/GriffinCanCode/screenwatch/internal/metrics"
	"github.com/GriffinCanCode/screenwatch/internal/surface"
)

type mockController struct {
	startErr error
	starts   int
	stops    int
	snap     coordinator.Snapshot
	results  []history.Entry
	window   time.Duration
}

func (m *mockController) RequestStart(context.Context) error {
	m.starts++
	if m.startErr == nil {
		m.snap.Capture = coordinator.Capturing
	}
	return m.startErr
}

func (m *mockController) RequestStop(context.Context) error {
	m.stops++
	m.snap.Capture = coordinator.Idle
	return nil
}

func (m *mockController) Snapshot() coordinator.Snapshot { return m.snap }

func (m *mockController) RecentResults(window time.Duration) []history.Entry {
	m.window = window
	return m.results
}

func clientCount(s *Server, kind surface.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.surfaces[kind]; ok {
		return len(h.clients)
	}
	return 0
}

type fixture struct {
	srv      *Server
	signaler *surface.Signaler
	ctrl     *mockController
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg).FrameSent()

	f := &fixture{
		signaler: surface.NewSignaler(64),
		ctrl:     &mockController{snap: coordinator.Snapshot{Connection: connection.Connected}},
	}
	f.srv = New(f.signaler, reg)
	f.http = httptest.NewServer(f.srv.Handler(f.ctrl))
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) dial(t *testing.T, kind surface.Kind) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?surface=" + string(kind)
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	require.Eventually(t, func() bool { return clientCount(f.srv, kind) > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var m map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &m))
	return m
}

func writeJSONMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, wsjson.Write(context.Background(), conn, v))
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Test OPTIONS request
	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, OPTIONS")
	}

	// Test regular request
	req = httptest.NewRequest("GET", "/test", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestOpenOnlyHostedSurfaces(t *testing.T) {
	f := newFixture(t)

	_, err := f.srv.Open(surface.Capture)
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidMessage))

	ep, err := f.srv.Open(surface.Overlay)
	require.NoError(t, err)
	require.NoError(t, ep.Close())
	assert.True(t, apperr.IsCode(ep.Deliver(context.Background(), surface.Message{Type: surface.UpdateDetection}), apperr.CodeInvalidState))
}

func TestWebSocketRejectsBadSurface(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/ws?surface=capture")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Overlay exists but has not been opened.
	resp, err = http.Get(f.http.URL + "/ws?surface=overlay")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestControlClientGetsStateAndPostsIntents(t *testing.T) {
	f := newFixture(t)
	ep, err := f.srv.Open(surface.Control)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ep.Deliver(ctx, surface.Message{Type: surface.ConnectionStatus, Payload: surface.ConnectionStatusPayload{Connected: true, Text: "Connected to server"}}))
	require.NoError(t, ep.Deliver(ctx, surface.Message{Type: surface.Notify, Payload: surface.NotifyPayload{Text: "not sticky"}}))

	conn := f.dial(t, surface.Control)

	// Late joiners get the sticky status, not past notifications.
	m := readJSON(t, conn)
	assert.Equal(t, "connection-status", m["type"])

	require.NoError(t, ep.Deliver(ctx, surface.Message{Type: surface.CaptureState, Payload: surface.CaptureStatePayload{State: "idle", StartVisible: true}}))
	m = readJSON(t, conn)
	assert.Equal(t, "capture-state", m["type"])
	assert.Equal(t, true, m["payload"].(map[string]any)["startVisible"])

	writeJSONMsg(t, conn, map[string]string{"type": "start-capture"})
	select {
	case in := <-f.signaler.Inbox():
		assert.Equal(t, surface.Control, in.From)
		assert.Equal(t, surface.StartCapture, in.Msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("intent not posted")
	}
}

func TestOverlayClientForbiddenIntent(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.Open(surface.Overlay)
	require.NoError(t, err)
	conn := f.dial(t, surface.Overlay)

	writeJSONMsg(t, conn, map[string]string{"type": "start-capture"})

	m := readJSON(t, conn)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, string(apperr.CodeForbidden), m["code"])
	assert.Empty(t, f.signaler.Inbox())

	writeJSONMsg(t, conn, map[string]string{"type": "close-floating-window"})
	select {
	case in := <-f.signaler.Inbox():
		assert.Equal(t, surface.CloseFloatingWindow, in.Msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("close-floating-window not posted")
	}
}

func TestOverlayDeliveryAndClose(t *testing.T) {
	f := newFixture(t)
	ep, err := f.srv.Open(surface.Overlay)
	require.NoError(t, err)
	conn := f.dial(t, surface.Overlay)

	require.NoError(t, ep.Deliver(context.Background(), surface.Message{
		Type: surface.UpdateDetection, Payload: json.RawMessage(`{"label":"cat"}`),
	}))
	m := readJSON(t, conn)
	assert.Equal(t, "update-detection", m["type"])
	assert.Equal(t, "cat", m["payload"].(map[string]any)["label"])

	require.NoError(t, ep.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Eventually(t, func() bool { return clientCount(f.srv, surface.Overlay) == 0 }, time.Second, 5*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.Open(surface.Control)
	require.NoError(t, err)
	conn := f.dial(t, surface.Control)

	for i := 0; i < ClientRateLimit+5; i++ {
		writeJSONMsg(t, conn, map[string]string{"type": "stop-capture"})
	}

	m := readJSON(t, conn)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "RATE_LIMITED", m["code"])
}

func TestStateEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["capture"])
	assert.Equal(t, "connected", body["connection"])
}

func TestResultsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.ctrl.results = []history.Entry{{Session: "s1", Payload: json.RawMessage(`{"boxes":[1]}`)}}

	resp, err := http.Get(f.http.URL + "/api/results?seconds=30")
	require.NoError(t, err)
	var body []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 30*time.Second, f.ctrl.window)
	require.Len(t, body, 1)
	assert.Equal(t, "s1", body[0]["session"])

	resp, err = http.Get(f.http.URL + "/api/results?seconds=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCaptureEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/capture/start", "application/json", nil)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "capturing", body["capture"])

	resp, err = http.Post(f.http.URL+"/api/capture/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.ctrl.starts)
	assert.Equal(t, 1, f.ctrl.stops)

	resp, err = http.Get(f.http.URL + "/api/capture/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCaptureStartError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.CodeNotConnected, "Not connected to server"), http.StatusConflict},
		{apperr.New(apperr.CodeNoSourceAvailable, "No screen sources found"), http.StatusNotFound},
		{apperr.New(apperr.CodeCaptureFault, "denied"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.ctrl.startErr = tt.err

		resp, err := http.Post(f.http.URL+"/api/capture/start", "application/json", nil)
		require.NoError(t, err)
		var body ErrorMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, tt.want, resp.StatusCode, "%v", tt.err)
		assert.Equal(t, "error", body.Type)
		assert.Equal(t, string(apperr.CodeOf(tt.err)), body.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "screenwatch_frames_sent_total 1")
}

func TestTraceHeaderEchoed(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/state", http.NoBody)
	req.Header.Set("x-trace-id", "0123456789abcdef0123456789abcdef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "0123456789abcdef0123456789abcdef", resp.Header.Get("x-trace-id"))
}
