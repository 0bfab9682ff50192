// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"bytes"
	"encoding/binary"
	"time"

	"grimm.is/muster/internal/errors"
)

// switchMagic marks a protocol-switch control frame. It occupies the
// position of an ordinary header's first four bytes and can never be
// confused with one: 0x5A is not a valid cipher tag.
var switchMagic = [4]byte{0x5A, 0x57, 0x49, 0x43}

// SwitchFrameSize is the fixed size of a protocol-switch frame:
// magic(4) + transport(1) + flags(1) + port(2) + timeout_ms(4) + domain(64).
const SwitchFrameSize = 76

// switchDomainSize is the fixed width of the domain field.
const switchDomainSize = 64

// switchFlagImmediate requests the switch be applied before the current
// exchange is acknowledged rather than deferred.
const switchFlagImmediate = 1 << 0

// SwitchRequest asks the server to move a session's traffic to another
// transport. It is consumed by the session registry and discarded.
type SwitchRequest struct {
	Transport Transport
	Immediate bool
	Port      uint16
	Timeout   time.Duration
	Domain    string // required only for DNS
}

// IsSwitchMessage reports whether buf holds a protocol-switch frame.
// Both the length and the magic are checked before any other field is
// treated as meaningful.
func IsSwitchMessage(buf []byte) bool {
	return len(buf) >= SwitchFrameSize && [4]byte(buf[:4]) == switchMagic
}

// EncodeSwitchRequest serializes req into a fixed-size switch frame.
func EncodeSwitchRequest(req SwitchRequest) ([]byte, error) {
	if len(req.Domain) > switchDomainSize {
		return nil, errors.Errorf(errors.KindValidation, "switch domain exceeds %d bytes", switchDomainSize)
	}
	buf := make([]byte, SwitchFrameSize)
	copy(buf[0:4], switchMagic[:])
	buf[4] = byte(req.Transport)
	if req.Immediate {
		buf[5] = switchFlagImmediate
	}
	binary.BigEndian.PutUint16(buf[6:8], req.Port)
	binary.BigEndian.PutUint32(buf[8:12], uint32(req.Timeout/time.Millisecond))
	copy(buf[12:12+switchDomainSize], req.Domain)
	return buf, nil
}

// DecodeSwitchRequest parses a switch frame previously validated by
// IsSwitchMessage.
func DecodeSwitchRequest(buf []byte) (*SwitchRequest, error) {
	if !IsSwitchMessage(buf) {
		return nil, errors.New(errors.KindValidation, "not a protocol-switch frame")
	}
	req := &SwitchRequest{
		Transport: Transport(buf[4]),
		Immediate: buf[5]&switchFlagImmediate != 0,
		Port:      binary.BigEndian.Uint16(buf[6:8]),
		Timeout:   time.Duration(binary.BigEndian.Uint32(buf[8:12])) * time.Millisecond,
	}
	domain := buf[12 : 12+switchDomainSize]
	if i := bytes.IndexByte(domain, 0); i >= 0 {
		domain = domain[:i]
	}
	req.Domain = string(domain)
	if req.Transport < TransportTCP || req.Transport > TransportDNS {
		return nil, errors.Errorf(errors.KindValidation, "switch frame names unknown transport %d", req.Transport)
	}
	return req, nil
}
