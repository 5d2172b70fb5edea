package sio

import (
	"encoding/json"
	"testing"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

func TestEncode(t *testing.T) {
	id := uint64(12)
	ev, err := NewEvent("screen_frame", &id, "data:image/jpeg;base64,AAAA")
	if err != nil {
		t.Fatal(err)
	}
	noAck, _ := NewEvent("ping", nil)

	tests := []struct {
		name string
		p    Packet
		want string
	}{
		{"connect", Packet{Type: Connect}, "0"},
		{"disconnect", Packet{Type: Disconnect}, "1"},
		{"event with id", ev, `212["screen_frame","data:image/jpeg;base64,AAAA"]`},
		{"event without id", noAck, `2["ping"]`},
		{"ack", Packet{Type: Ack, ID: 3, HasID: true, Data: json.RawMessage(`["ok"]`)}, `33["ok"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Encode(); got != tt.want {
				t.Errorf("Encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		in     string
		typ    PacketType
		id     uint64
		hasID  bool
		data   string
		errors bool
	}{
		{in: `0{"sid":"abc"}`, typ: Connect, data: `{"sid":"abc"}`},
		{in: `1`, typ: Disconnect},
		{in: `2["detection_result",{"boxes":[]}]`, typ: Event, data: `["detection_result",{"boxes":[]}]`},
		{in: `37["ok"]`, typ: Ack, id: 7, hasID: true, data: `["ok"]`},
		{in: `4{"message":"nope"}`, typ: ConnectError, data: `{"message":"nope"}`},
		{in: `2/admin,1["x"]`, typ: Event, id: 1, hasID: true, data: `["x"]`},
		{in: ``, errors: true},
		{in: `9`, errors: true},
		{in: `2[not json`, errors: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Decode(tt.in)
			if tt.errors {
				if !apperr.IsCode(err, apperr.CodeInvalidMessage) {
					t.Errorf("Decode(%q) error = %v, want INVALID_MESSAGE", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) error = %v", tt.in, err)
			}
			if p.Type != tt.typ || p.ID != tt.id || p.HasID != tt.hasID || string(p.Data) != tt.data {
				t.Errorf("Decode(%q) = %+v", tt.in, p)
			}
		})
	}
}

func TestEventRoundTrip(t *testing.T) {
	p, err := Decode(`2["detection_result",{"label":"cat"},2]`)
	if err != nil {
		t.Fatal(err)
	}
	name, args, err := p.Event()
	if err != nil {
		t.Fatalf("Event() error = %v", err)
	}
	if name != "detection_result" {
		t.Errorf("name = %q", name)
	}
	if len(args) != 2 || string(args[0]) != `{"label":"cat"}` {
		t.Errorf("args = %s", args)
	}

	if _, _, err := (Packet{Type: Ack}).Event(); err == nil {
		t.Error("Event() on an ACK should fail")
	}
	if _, _, err := (Packet{Type: Event, Data: json.RawMessage(`[]`)}).Event(); err == nil {
		t.Error("Event() without a name should fail")
	}
}

func TestConnectErrorMessage(t *testing.T) {
	p := Packet{Type: ConnectError, Data: json.RawMessage(`{"message":"Not authorized"}`)}
	if got := p.ConnectErrorMessage(); got != "Not authorized" {
		t.Errorf("ConnectErrorMessage() = %q", got)
	}
	p.Data = json.RawMessage(`"plain"`)
	if got := p.ConnectErrorMessage(); got != `"plain"` {
		t.Errorf("ConnectErrorMessage() = %q", got)
	}
}

func TestParseHandshake(t *testing.T) {
	hs, err := parseHandshake(`0{"sid":"s1","upgrades":[],"pingInterval":300,"pingTimeout":200,"maxPayload":1000000}`)
	if err != nil {
		t.Fatal(err)
	}
	if hs.SID != "s1" || hs.deadline().Milliseconds() != 500 {
		t.Errorf("handshake = %+v deadline %v", hs, hs.deadline())
	}

	for _, bad := range []string{"", `4{}`, `0{"sid":""}`, `0nope`} {
		if _, err := parseHandshake(bad); !apperr.IsCode(err, apperr.CodeTransportError) {
			t.Errorf("parseHandshake(%q) = %v, want TRANSPORT_ERROR", bad, err)
		}
	}
}

func TestEngineURL(t *testing.T) {
	tests := []struct {
		endpoint, transport, sid, want string
	}{
		{"http://127.0.0.1:5000", TransportWebsocket, "", "ws://127.0.0.1:5000/socket.io/?EIO=4&transport=websocket"},
		{"https://detector.local/", TransportWebsocket, "", "wss://detector.local/socket.io/?EIO=4&transport=websocket"},
		{"http://127.0.0.1:5000", TransportPolling, "abc", "http://127.0.0.1:5000/socket.io/?EIO=4&sid=abc&transport=polling"},
	}
	for _, tt := range tests {
		got, err := engineURL(tt.endpoint, tt.transport, tt.sid)
		if err != nil {
			t.Fatalf("engineURL(%q) error = %v", tt.endpoint, err)
		}
		if got != tt.want {
			t.Errorf("engineURL(%q, %s) = %q, want %q", tt.endpoint, tt.transport, got, tt.want)
		}
	}
	if _, err := engineURL("not a url", TransportPolling, ""); err == nil {
		t.Error("engineURL should reject an endpoint without host")
	}
}

func TestTransports(t *testing.T) {
	ts, err := Transports([]string{"websocket", " Polling "})
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || ts[0].Name() != TransportWebsocket || ts[1].Name() != TransportPolling {
		t.Errorf("Transports() = %v", ts)
	}
	if _, err := Transports([]string{"carrier-pigeon"}); err == nil {
		t.Error("unknown transport should fail")
	}
	if _, err := Transports(nil); err == nil {
		t.Error("empty transport list should fail")
	}
}
