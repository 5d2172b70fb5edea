package sio

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/GriffinCanCode/screenwatch/internal/connection/siotest"
	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

func transportsUnderTest() []Transport {
	return []Transport{&WebsocketTransport{}, &PollingTransport{}}
}

func nextEvent(t *testing.T, srv *siotest.Server) siotest.Event {
	t.Helper()
	select {
	case ev := <-srv.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event reached the server")
		return siotest.Event{}
	}
}

func TestSessionSendAndReceive(t *testing.T) {
	for _, tr := range transportsUnderTest() {
		t.Run(tr.Name(), func(t *testing.T) {
			srv := siotest.NewServer(siotest.Options{Websocket: true, Polling: true, AckEvents: true})
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := tr.Dial(ctx, srv.URL)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer s.Close()

			if s.Transport() != tr.Name() || s.SID() == "" {
				t.Errorf("session = %s/%q", s.Transport(), s.SID())
			}

			id := uint64(0)
			p, _ := NewEvent("screen_frame", &id, "data:image/jpeg;base64,AAAA")
			if err := s.Send(ctx, p); err != nil {
				t.Fatalf("Send() error = %v", err)
			}

			ev := nextEvent(t, srv)
			if ev.Name != "screen_frame" || ev.Transport != tr.Name() {
				t.Errorf("server saw %+v", ev)
			}
			var data string
			if err := json.Unmarshal(ev.Args[0], &data); err != nil || data != "data:image/jpeg;base64,AAAA" {
				t.Errorf("frame arg = %s", ev.Args[0])
			}

			ack, err := s.Receive(ctx)
			if err != nil {
				t.Fatalf("Receive() error = %v", err)
			}
			if ack.Type != Ack || ack.ID != 0 || !ack.HasID {
				t.Errorf("Receive() = %v, want ACK 0", ack)
			}

			if err := srv.Emit("detection_result", map[string]any{"label": "cat"}); err != nil {
				t.Fatal(err)
			}
			p, err = s.Receive(ctx)
			if err != nil {
				t.Fatalf("Receive() error = %v", err)
			}
			name, args, err := p.Event()
			if err != nil || name != "detection_result" || string(args[0]) != `{"label":"cat"}` {
				t.Errorf("event = %q %s %v", name, args, err)
			}
		})
	}
}

func TestDialConnectRefused(t *testing.T) {
	for _, tr := range transportsUnderTest() {
		t.Run(tr.Name(), func(t *testing.T) {
			srv := siotest.NewServer(siotest.Options{Websocket: true, Polling: true, RejectConnect: "Not authorized"})
			defer srv.Close()

			_, err := tr.Dial(context.Background(), srv.URL)
			if !apperr.IsCode(err, apperr.CodeTransportError) {
				t.Fatalf("Dial() = %v, want TRANSPORT_ERROR", err)
			}
			var appErr *apperr.AppError
			if !errors.As(err, &appErr) || appErr.Message != "connect refused: Not authorized" {
				t.Errorf("Dial() = %v", err)
			}
		})
	}
}

func TestDialUnsupportedTransport(t *testing.T) {
	srv := siotest.NewServer(siotest.Options{Polling: true})
	defer srv.Close()

	if _, err := (&WebsocketTransport{}).Dial(context.Background(), srv.URL); !apperr.IsCode(err, apperr.CodeTransportError) {
		t.Errorf("websocket Dial() = %v, want TRANSPORT_ERROR", err)
	}
}

func TestSessionAnswersPings(t *testing.T) {
	for _, tr := range transportsUnderTest() {
		t.Run(tr.Name(), func(t *testing.T) {
			srv := siotest.NewServer(siotest.Options{
				Websocket: true, Polling: true, SendPings: true,
				PingInterval: 30 * time.Millisecond, PingTimeout: time.Second,
			})
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := tr.Dial(ctx, srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			go func() {
				time.Sleep(200 * time.Millisecond)
				srv.Emit("detection_result", 1)
			}()
			if _, err := s.Receive(ctx); err != nil {
				t.Fatalf("Receive() error = %v", err)
			}
			if srv.Pongs() == 0 {
				t.Error("server received no pongs")
			}
		})
	}
}

func TestSessionPingTimeout(t *testing.T) {
	srv := siotest.NewServer(siotest.Options{
		Websocket: true, PingInterval: 40 * time.Millisecond, PingTimeout: 40 * time.Millisecond,
	})
	defer srv.Close()

	s, err := (&WebsocketTransport{}).Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.Receive(context.Background())
	if !apperr.IsCode(err, apperr.CodeTransportError) {
		t.Fatalf("Receive() = %v, want TRANSPORT_ERROR", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("ping deadline not enforced")
	}
}

func TestSessionServerDrop(t *testing.T) {
	for _, tr := range transportsUnderTest() {
		t.Run(tr.Name(), func(t *testing.T) {
			srv := siotest.NewServer(siotest.Options{Websocket: true, Polling: true})
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := tr.Dial(ctx, srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			go func() {
				time.Sleep(50 * time.Millisecond)
				srv.DropAll()
			}()
			if _, err := s.Receive(ctx); !apperr.IsCode(err, apperr.CodeTransportError) {
				t.Errorf("Receive() after drop = %v, want TRANSPORT_ERROR", err)
			}
		})
	}
}

func TestSessionSkipsBadPackets(t *testing.T) {
	for _, tr := range transportsUnderTest() {
		t.Run(tr.Name(), func(t *testing.T) {
			srv := siotest.NewServer(siotest.Options{Websocket: true, Polling: true})
			defer srv.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := tr.Dial(ctx, srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			for _, bad := range []string{`42["detection_result",`, "4", `452-["bin",{"_placeholder":true}]`, "9"} {
				srv.Raw(bad)
			}
			if err := srv.Emit("detection_result", map[string]string{"label": "real"}); err != nil {
				t.Fatal(err)
			}

			p, err := s.Receive(ctx)
			if err != nil {
				t.Fatalf("Receive() error = %v, bad packets must be skipped", err)
			}
			name, args, err := p.Event()
			if err != nil || name != "detection_result" {
				t.Fatalf("Receive() = %v (%v), want detection_result", p, err)
			}
			if string(args[0]) != `{"label":"real"}` {
				t.Errorf("args[0] = %s", args[0])
			}
		})
	}
}

func TestSessionServerDisconnect(t *testing.T) {
	srv := siotest.NewServer(siotest.Options{Websocket: true})
	defer srv.Close()

	s, err := (&WebsocketTransport{}).Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	srv.Disconnect()
	p, err := s.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != Disconnect {
		t.Errorf("Receive() = %v, want DISCONNECT", p)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := siotest.NewServer(siotest.Options{Polling: true})
	defer srv.Close()

	s, err := (&PollingTransport{}).Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	first := s.Close()
	if second := s.Close(); second != first {
		t.Errorf("second Close() = %v, want %v", second, first)
	}
}
