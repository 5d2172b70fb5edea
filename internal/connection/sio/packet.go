// Package sio speaks the Engine.IO v4 / Socket.IO v5 client protocol used by
// the detection service.
package sio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperr "github.com/GriffinCanCode/screenwatch/internal/errors"
)

// Engine.IO packet types
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// PacketType is a Socket.IO packet type.
type PacketType int

const (
	Connect PacketType = iota
	Disconnect
	Event
	Ack
	ConnectError
)

func (t PacketType) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Event:
		return "EVENT"
	case Ack:
		return "ACK"
	case ConnectError:
		return "CONNECT_ERROR"
	default:
		return "PacketType(" + strconv.Itoa(int(t)) + ")"
	}
}

// Packet is a Socket.IO packet on the default namespace. Binary packets are
// not supported.
type Packet struct {
	Type  PacketType
	ID    uint64
	HasID bool
	Data  json.RawMessage
}

// NewEvent builds an EVENT packet. A nil id requests no acknowledgement.
func NewEvent(name string, id *uint64, args ...any) (Packet, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)
	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, apperr.Wrap(err, apperr.CodeInvalidMessage, "encode event")
	}
	p := Packet{Type: Event, Data: data}
	if id != nil {
		p.ID, p.HasID = *id, true
	}
	return p, nil
}

// Encode renders the packet without the Engine.IO message prefix.
func (p Packet) Encode() string {
	var b strings.Builder
	b.WriteByte(byte('0' + p.Type))
	if p.HasID {
		b.WriteString(strconv.FormatUint(p.ID, 10))
	}
	b.Write(p.Data)
	return b.String()
}

// Decode parses a Socket.IO packet string.
func Decode(s string) (Packet, error) {
	if s == "" {
		return Packet{}, apperr.New(apperr.CodeInvalidMessage, "empty packet")
	}
	t := PacketType(s[0] - '0')
	if t < Connect || t > ConnectError {
		return Packet{}, apperr.Newf(apperr.CodeInvalidMessage, "unsupported packet type %q", s[0])
	}
	p := Packet{Type: t}
	rest := s[1:]

	// Non-default namespaces are "/nsp," prefixed; the service only uses "/".
	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			rest = ""
		} else {
			rest = rest[i+1:]
		}
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseUint(rest[:i], 10, 64)
		if err != nil {
			return Packet{}, apperr.Wrap(err, apperr.CodeInvalidMessage, "packet id")
		}
		p.ID, p.HasID = id, true
	}
	if data := rest[i:]; data != "" {
		if !json.Valid([]byte(data)) {
			return Packet{}, apperr.New(apperr.CodeInvalidMessage, "packet data is not JSON")
		}
		p.Data = json.RawMessage(data)
	}
	return p, nil
}

// Args decodes the JSON array carried by EVENT and ACK packets.
func (p Packet) Args() ([]json.RawMessage, error) {
	if len(p.Data) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidMessage, "packet args")
	}
	return args, nil
}

// Event splits an EVENT packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != Event {
		return "", nil, apperr.Newf(apperr.CodeInvalidMessage, "not an event: %s", p.Type)
	}
	args, err := p.Args()
	if err != nil {
		return "", nil, err
	}
	if len(args) == 0 {
		return "", nil, apperr.New(apperr.CodeInvalidMessage, "event without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, apperr.Wrap(err, apperr.CodeInvalidMessage, "event name")
	}
	return name, args[1:], nil
}

// ConnectErrorMessage extracts the reason from a CONNECT_ERROR payload.
func (p Packet) ConnectErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(p.Data)
}

func (p Packet) String() string {
	return fmt.Sprintf("%s id=%d data=%dB", p.Type, p.ID, len(p.Data))
}

// handshake is the Engine.IO OPEN payload.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func parseHandshake(s string) (handshake, error) {
	var h handshake
	if s == "" || s[0] != eioOpen {
		return h, apperr.Newf(apperr.CodeTransportError, "expected open packet, got %q", truncate(s))
	}
	if err := json.Unmarshal([]byte(s[1:]), &h); err != nil {
		return h, apperr.Wrap(err, apperr.CodeTransportError, "decode handshake")
	}
	if h.SID == "" {
		return h, apperr.New(apperr.CodeTransportError, "handshake without sid")
	}
	return h, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
