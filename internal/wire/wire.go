// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire defines the byte layout of transport-level messages: the
// ordinary framed payload, the heartbeat sentinel, and the protocol-switch
// control frame. All multi-byte fields are big-endian.
package wire

import (
	"encoding/binary"
	"io"

	"grimm.is/muster/internal/errors"
)

// Version is the protocol version stamped into every ordinary frame.
const Version = 1

// HeaderSize is the fixed size of an ordinary frame header.
const HeaderSize = 8

// MaxPayload bounds the declared payload length of a single frame.
// Anything larger is treated as malformed rather than allocated.
const MaxPayload = 16 << 20

// heartbeatSentinel is a fixed 4-byte liveness frame with no payload.
var heartbeatSentinel = [4]byte{0xF1, 0xE2, 0xD3, 0xC4}

// Transport identifies one of the supported listener transports. The
// value is carried on the wire in protocol-switch frames.
type Transport uint8

const (
	TransportTCP Transport = iota + 1
	TransportUDP
	TransportWebSocket
	TransportICMP
	TransportDNS
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportWebSocket:
		return "websocket"
	case TransportICMP:
		return "icmp"
	case TransportDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// ParseTransport converts a config string into a Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "tcp":
		return TransportTCP, nil
	case "udp":
		return TransportUDP, nil
	case "websocket", "ws":
		return TransportWebSocket, nil
	case "icmp":
		return TransportICMP, nil
	case "dns":
		return TransportDNS, nil
	default:
		return 0, errors.Errorf(errors.KindValidation, "unknown transport %q", s)
	}
}

// Header flag bits.
const (
	FlagCompressed uint16 = 1 << 0 // reserved, never set by the server
	FlagResponse   uint16 = 1 << 1 // payload is a task result
)

// Header is the 8-byte prefix of an ordinary frame.
type Header struct {
	Cipher  byte // encryption algorithm tag; crypto.TagNone means cleartext
	Version byte
	Flags   uint16
	Length  uint32
}

// Kind discriminates the three message shapes sharing one wire channel.
type Kind int

const (
	KindFrame Kind = iota
	KindHeartbeat
	KindSwitch
)

// Message is one decoded wire message.
type Message struct {
	Kind    Kind
	Header  Header         // valid when Kind == KindFrame
	Payload []byte         // valid when Kind == KindFrame
	Switch  *SwitchRequest // valid when Kind == KindSwitch
}

// Heartbeat returns the fixed heartbeat frame.
func Heartbeat() []byte {
	hb := heartbeatSentinel
	return hb[:]
}

// IsHeartbeat reports whether buf is exactly the heartbeat sentinel.
func IsHeartbeat(buf []byte) bool {
	return len(buf) == 4 && [4]byte(buf[:4]) == heartbeatSentinel
}

// EncodeFrame builds an ordinary frame around payload. The payload is
// carried as given; encryption happens before framing.
func EncodeFrame(cipher byte, flags uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Errorf(errors.KindValidation, "payload length %d exceeds maximum %d", len(payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = cipher
	buf[1] = Version
	binary.BigEndian.PutUint16(buf[2:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame parses an ordinary frame from a complete buffer, as
// received on datagram transports. The returned payload aliases buf.
func DecodeFrame(buf []byte) (Header, []byte, error) {
	var hdr Header
	if len(buf) < HeaderSize {
		return hdr, nil, errors.Errorf(errors.KindValidation, "frame too short: %d bytes", len(buf))
	}
	hdr.Cipher = buf[0]
	hdr.Version = buf[1]
	hdr.Flags = binary.BigEndian.Uint16(buf[2:4])
	hdr.Length = binary.BigEndian.Uint32(buf[4:8])
	if hdr.Length > MaxPayload {
		return hdr, nil, errors.Errorf(errors.KindValidation, "declared payload length %d exceeds maximum", hdr.Length)
	}
	if uint32(len(buf)-HeaderSize) != hdr.Length {
		return hdr, nil, errors.Errorf(errors.KindValidation, "payload length mismatch: declared %d, have %d", hdr.Length, len(buf)-HeaderSize)
	}
	return hdr, buf[HeaderSize : HeaderSize+int(hdr.Length)], nil
}

// Decode classifies and parses a complete message buffer. Heartbeat and
// protocol-switch shapes are checked before the ordinary header is
// interpreted.
func Decode(buf []byte) (Message, error) {
	if IsHeartbeat(buf) {
		return Message{Kind: KindHeartbeat}, nil
	}
	if IsSwitchMessage(buf) {
		req, err := DecodeSwitchRequest(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindSwitch, Switch: req}, nil
	}
	hdr, payload, err := DecodeFrame(buf)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindFrame, Header: hdr, Payload: payload}, nil
}

// ReadMessage reads the next message from a byte stream. The first four
// bytes decide the shape: heartbeat sentinel, switch magic, or an
// ordinary header. Used by the stream transports; datagram transports
// decode whole buffers with Decode.
func ReadMessage(r io.Reader) (Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, err
	}

	if head == heartbeatSentinel {
		return Message{Kind: KindHeartbeat}, nil
	}

	if head == switchMagic {
		buf := make([]byte, SwitchFrameSize)
		copy(buf, head[:])
		if _, err := io.ReadFull(r, buf[4:]); err != nil {
			return Message{}, err
		}
		req, err := DecodeSwitchRequest(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindSwitch, Switch: req}, nil
	}

	var rest [4]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Message{}, err
	}
	hdr := Header{
		Cipher:  head[0],
		Version: head[1],
		Flags:   binary.BigEndian.Uint16(head[2:4]),
		Length:  binary.BigEndian.Uint32(rest[:]),
	}
	if hdr.Length > MaxPayload {
		return Message{}, errors.Errorf(errors.KindValidation, "declared payload length %d exceeds maximum", hdr.Length)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Message{Kind: KindFrame, Header: hdr, Payload: payload}, nil
}
