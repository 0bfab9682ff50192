// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		{0x01},
		[]byte("hello agent"),
		bytes.Repeat([]byte{0xAB}, 64*1024),
	}

	for _, payload := range payloads {
		frame, err := EncodeFrame(0x01, FlagResponse, payload)
		require.NoError(t, err)
		require.Len(t, frame, HeaderSize+len(payload))

		hdr, got, err := DecodeFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, byte(0x01), hdr.Cipher)
		assert.Equal(t, byte(Version), hdr.Version)
		assert.Equal(t, FlagResponse, hdr.Flags)
		assert.Equal(t, uint32(len(payload)), hdr.Length)
		assert.True(t, bytes.Equal(payload, got))
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	// Short buffer
	_, _, err := DecodeFrame([]byte{0x00, 0x01, 0x00})
	assert.Error(t, err)

	// Declared length beyond buffer
	frame, err := EncodeFrame(0x00, 0, []byte("abc"))
	require.NoError(t, err)
	_, _, err = DecodeFrame(frame[:HeaderSize+1])
	assert.Error(t, err)
}

func TestHeartbeatSentinel(t *testing.T) {
	hb := Heartbeat()
	require.Len(t, hb, 4)
	assert.True(t, IsHeartbeat(hb))

	assert.False(t, IsHeartbeat(hb[:3]))
	assert.False(t, IsHeartbeat(append(append([]byte{}, hb...), 0x00)))

	msg, err := Decode(hb)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, msg.Kind)
}

func TestSwitchDiscrimination(t *testing.T) {
	frame, err := EncodeSwitchRequest(SwitchRequest{
		Transport: TransportDNS,
		Immediate: true,
		Port:      5353,
		Timeout:   1500 * time.Millisecond,
		Domain:    "c2.example.org",
	})
	require.NoError(t, err)
	require.Len(t, frame, SwitchFrameSize)
	assert.True(t, IsSwitchMessage(frame))

	// Short buffers are never switch frames, magic or not.
	assert.False(t, IsSwitchMessage(frame[:SwitchFrameSize-1]))
	assert.False(t, IsSwitchMessage(frame[:4]))
	assert.False(t, IsSwitchMessage(nil))

	// Mutating any magic byte breaks recognition.
	for i := 0; i < 4; i++ {
		mutated := append([]byte{}, frame...)
		mutated[i] ^= 0xFF
		assert.False(t, IsSwitchMessage(mutated), "magic byte %d", i)
	}
}

func TestSwitchRoundTrip(t *testing.T) {
	in := SwitchRequest{
		Transport: TransportWebSocket,
		Immediate: false,
		Port:      8443,
		Timeout:   30 * time.Second,
	}
	frame, err := EncodeSwitchRequest(in)
	require.NoError(t, err)

	out, err := DecodeSwitchRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindSwitch, msg.Kind)
	assert.Equal(t, in, *msg.Switch)
}

func TestSwitchRejectsOversizedDomain(t *testing.T) {
	_, err := EncodeSwitchRequest(SwitchRequest{
		Transport: TransportDNS,
		Domain:    string(bytes.Repeat([]byte{'a'}, 65)),
	})
	assert.Error(t, err)
}

func TestSwitchRejectsUnknownTransport(t *testing.T) {
	frame, err := EncodeSwitchRequest(SwitchRequest{Transport: TransportTCP, Port: 1})
	require.NoError(t, err)
	frame[4] = 0xEE
	_, err = DecodeSwitchRequest(frame)
	assert.Error(t, err)
}

func TestReadMessageStream(t *testing.T) {
	var stream bytes.Buffer

	frame, err := EncodeFrame(0x02, 0, []byte("payload one"))
	require.NoError(t, err)
	stream.Write(frame)
	stream.Write(Heartbeat())
	sw, err := EncodeSwitchRequest(SwitchRequest{Transport: TransportUDP, Port: 9000})
	require.NoError(t, err)
	stream.Write(sw)

	msg, err := ReadMessage(&stream)
	require.NoError(t, err)
	require.Equal(t, KindFrame, msg.Kind)
	assert.Equal(t, []byte("payload one"), msg.Payload)
	assert.Equal(t, byte(0x02), msg.Header.Cipher)

	msg, err = ReadMessage(&stream)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, msg.Kind)

	msg, err = ReadMessage(&stream)
	require.NoError(t, err)
	require.Equal(t, KindSwitch, msg.Kind)
	assert.Equal(t, TransportUDP, msg.Switch.Transport)
	assert.Equal(t, uint16(9000), msg.Switch.Port)
}

func TestModuleCallRoundTrip(t *testing.T) {
	in := ModuleCall{Module: "file", Command: "get", Args: "/etc/hosts"}
	buf, err := EncodeModuleCall(in)
	require.NoError(t, err)

	out, err := DecodeModuleCall(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Truncated input is rejected, not sliced out of bounds.
	for i := 1; i < len(buf); i++ {
		_, err := DecodeModuleCall(buf[:i])
		assert.Error(t, err, "truncated at %d", i)
	}

	_, err = EncodeModuleCall(ModuleCall{Command: "get"})
	assert.Error(t, err)
}

func TestRegistrationRoundTrip(t *testing.T) {
	in := Registration{Hostname: "workstation-7", Address: "10.1.2.3", OSInfo: "linux 6.8 x86_64"}
	out, err := DecodeRegistration(EncodeRegistration(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTaskResultRoundTrip(t *testing.T) {
	var id [16]byte
	copy(id[:], bytes.Repeat([]byte{0x42}, 16))
	in := TaskResult{TaskID: id, Failed: true, Data: []byte("command not found")}

	out, err := DecodeTaskResult(EncodeTaskResult(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeTaskResult([]byte{PayloadResult, 0x01})
	assert.Error(t, err)
}

func TestParseTransport(t *testing.T) {
	for s, want := range map[string]Transport{
		"tcp": TransportTCP, "udp": TransportUDP, "ws": TransportWebSocket,
		"websocket": TransportWebSocket, "icmp": TransportICMP, "dns": TransportDNS,
	} {
		got, err := ParseTransport(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTransport("carrier-pigeon")
	assert.Error(t, err)
}
