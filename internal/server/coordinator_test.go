// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package server

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/task"
	"grimm.is/muster/internal/wire"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return uint16(port)
}

// newCoordinator builds and starts a coordinator with a TCP and a UDP
// listener on loopback ports.
func newCoordinator(t *testing.T) (*Coordinator, uint16, uint16) {
	t.Helper()
	tcpPort, udpPort := freePort(t), freePort(t)
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{Type: "tcp", Name: "tcp-1", Bind: "127.0.0.1", Port: tcpPort, TimeoutMS: 100},
			{Type: "udp", Name: "udp-1", Bind: "127.0.0.1", Port: udpPort, TimeoutMS: 100},
		},
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Stop)
	return c, tcpPort, udpPort
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	frame, err := wire.EncodeFrame(0, 0, payload)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msg, err := wire.ReadMessage(conn)
	require.NoError(t, err)
	return msg
}

func waitSessions(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.Sessions()) == n
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRegistrationFlow(t *testing.T) {
	c, tcpPort, _ := newCoordinator(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()
	waitSessions(t, c, 1)

	assert.Equal(t, "connected", c.Sessions()[0].State)

	writeFrame(t, conn, wire.EncodeRegistration(wire.Registration{
		Hostname: "ws-042", Address: "10.1.2.3", OSInfo: "linux 6.8",
	}))
	require.Eventually(t, func() bool {
		return c.Sessions()[0].State == "registered"
	}, 3*time.Second, 10*time.Millisecond)

	snap := c.Sessions()[0]
	assert.Equal(t, "ws-042", snap.Hostname)
	assert.Equal(t, "10.1.2.3", snap.Address)
	assert.Equal(t, "linux 6.8", snap.OSInfo)
	assert.Equal(t, "tcp-1", snap.Listener)

	// Heartbeats move the session to active.
	_, err = conn.Write(wire.Heartbeat())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Sessions()[0].State == "active"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTaskRoundTrip(t *testing.T) {
	c, tcpPort, _ := newCoordinator(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()
	waitSessions(t, c, 1)
	sid := c.Sessions()[0].ID

	taskID, err := c.DispatchModule(sid, wire.ModuleCall{
		Module: "shell", Command: "run", Args: "uname -a",
	}, time.Minute)
	require.NoError(t, err)

	snap, err := c.Task(taskID)
	require.NoError(t, err)
	assert.Equal(t, "sent", snap.State)

	// The client receives the module call over its binding.
	msg := readFrame(t, conn)
	require.Equal(t, wire.KindFrame, msg.Kind)
	call, err := wire.DecodeModuleCall(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "shell", call.Module)
	assert.Equal(t, "uname -a", call.Args)

	// The result resolves the task exactly once.
	writeFrame(t, conn, wire.EncodeTaskResult(wire.TaskResult{
		TaskID: [16]byte(taskID), Data: []byte("Linux ws-042"),
	}))
	require.Eventually(t, func() bool {
		snap, err := c.Task(taskID)
		return err == nil && snap.State == "completed"
	}, 3*time.Second, 10*time.Millisecond)
	snap, err = c.Task(taskID)
	require.NoError(t, err)
	assert.Equal(t, []byte("Linux ws-042"), snap.Result)

	// A second, contradictory result is rejected, not overwritten.
	writeFrame(t, conn, wire.EncodeTaskResult(wire.TaskResult{
		TaskID: [16]byte(taskID), Failed: true, Data: []byte("boom"),
	}))
	time.Sleep(200 * time.Millisecond)
	snap, err = c.Task(taskID)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.State)
	assert.Equal(t, []byte("Linux ws-042"), snap.Result)
}

func TestDispatchToUnknownSession(t *testing.T) {
	c, _, _ := newCoordinator(t)
	_, err := c.DispatchTask(uuid.New(), task.TypeCustom, []byte{0x00}, 0)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestSwitchValidation(t *testing.T) {
	c, tcpPort, _ := newCoordinator(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()
	waitSessions(t, c, 1)
	sid := c.Sessions()[0].ID

	// DNS without a domain is invalid.
	err = c.RequestSwitch(sid, wire.SwitchRequest{Transport: wire.TransportDNS})
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	// No running listener for the target transport.
	err = c.RequestSwitch(sid, wire.SwitchRequest{Transport: wire.TransportICMP})
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	// The binding is unchanged after rejected switches.
	assert.Equal(t, "tcp-1", c.Sessions()[0].Listener)
}

func TestSwitchPreservesIdentity(t *testing.T) {
	c, tcpPort, udpPort := newCoordinator(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()
	waitSessions(t, c, 1)
	sid := c.Sessions()[0].ID

	require.NoError(t, c.RequestSwitch(sid, wire.SwitchRequest{
		Transport: wire.TransportUDP,
		Port:      udpPort,
		Immediate: true,
		Timeout:   5 * time.Second,
	}))

	// The client receives the go-ahead over the old binding.
	msg := readFrame(t, conn)
	require.Equal(t, wire.KindSwitch, msg.Kind)
	assert.Equal(t, wire.TransportUDP, msg.Switch.Transport)

	// First contact on the target transport resumes the session.
	udpConn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", udpPort))
	require.NoError(t, err)
	defer udpConn.Close()
	_, err = udpConn.Write(wire.Heartbeat())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sessions := c.Sessions()
		return len(sessions) == 1 && sessions[0].Listener == "udp-1"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, sid, c.Sessions()[0].ID)
	assert.Equal(t, "udp", c.Sessions()[0].Transport)

	// The session is reachable over the new binding.
	require.NoError(t, c.Send(sid, wire.EncodeRegistration(wire.Registration{})))
	buf := make([]byte, 2048)
	require.NoError(t, udpConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = udpConn.Read(buf)
	require.NoError(t, err)
}

func TestDeferredSwitchWaitsForSend(t *testing.T) {
	c, tcpPort, udpPort := newCoordinator(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()
	waitSessions(t, c, 1)
	sid := c.Sessions()[0].ID

	// Deferred: no go-ahead until the current exchange completes.
	require.NoError(t, c.RequestSwitch(sid, wire.SwitchRequest{
		Transport: wire.TransportUDP,
		Port:      udpPort,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = wire.ReadMessage(conn)
	require.Error(t, err)

	// The next send completes the exchange and releases the go-ahead.
	require.NoError(t, c.Send(sid, []byte{wire.PayloadOpaque, 0x01}))
	msg := readFrame(t, conn)
	require.Equal(t, wire.KindFrame, msg.Kind)
	msg = readFrame(t, conn)
	require.Equal(t, wire.KindSwitch, msg.Kind)
}

func TestCoordinatorDisconnect(t *testing.T) {
	c, tcpPort, _ := newCoordinator(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()
	waitSessions(t, c, 1)
	sid := c.Sessions()[0].ID

	require.NoError(t, c.Disconnect(sid))
	waitSessions(t, c, 0)
	assert.True(t, errors.IsKind(c.Disconnect(sid), errors.KindNotFound))
}
