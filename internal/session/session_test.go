// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/muster/internal/clock"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/wire"
)

// fakeContext stands in for an adapter-owned transport context.
type fakeContext struct {
	transport wire.Transport
	peer      string
}

func (f fakeContext) Transport() wire.Transport { return f.transport }
func (f fakeContext) Peer() string              { return f.peer }

func newTestRegistry(t *testing.T, clk clock.Clock) *Registry {
	t.Helper()
	opts := DefaultOptions()
	opts.Clock = clk
	opts.HeartbeatInterval = 10 * time.Second
	opts.HeartbeatJitter = 2 * time.Second
	return NewRegistry(opts)
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := r.Register("tcp-main", fakeContext{wire.TransportTCP, "10.0.0.1:1234"}, 0)
		require.NoError(t, err)
		require.False(t, seen[s.ID.String()], "duplicate session id %s", s.ID)
		seen[s.ID.String()] = true
		assert.Equal(t, StateConnected, s.State())
	}
	assert.Equal(t, 100, r.Count())
}

func TestRegisterRequiresContext(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	_, err := r.Register("tcp-main", nil, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLivenessTransitions(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(t, clk)

	s, err := r.Register("tcp-main", fakeContext{wire.TransportTCP, "10.0.0.2:9"}, 0)
	require.NoError(t, err)

	// Registration metadata advances Connected -> Registered.
	require.NoError(t, r.UpdateInfo(s.ID, "host-a", "10.0.0.2", "linux"))
	assert.Equal(t, StateRegistered, s.State())

	// Traffic advances to Active.
	require.NoError(t, r.Touch(s.ID))
	assert.Equal(t, StateActive, s.State())

	snap := s.Snapshot()
	assert.Equal(t, "host-a", snap.Hostname)
	assert.Equal(t, "linux", snap.OSInfo)
}

func TestSupervisorMarksIdle(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(t, clk)

	probed := 0
	r.SetProber(func(*Session) error { probed++; return nil })

	s, err := r.Register("udp-main", fakeContext{wire.TransportUDP, "10.0.0.3:5000"}, 0)
	require.NoError(t, err)
	require.NoError(t, r.Touch(s.ID))

	// Inside the window: stays Active.
	clk.Advance(11 * time.Second)
	r.evaluate()
	assert.Equal(t, StateActive, s.State())

	// Past interval + jitter: Idle, one probe fired.
	clk.Advance(2 * time.Second)
	r.evaluate()
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, probed)

	// The supervisor never disconnects on heartbeat absence alone.
	clk.Advance(time.Hour)
	r.evaluate()
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, r.Count())

	// Fresh traffic revives the session.
	require.NoError(t, r.Heartbeat(s.ID))
	assert.Equal(t, StateActive, s.State())
}

func TestHeartbeatMonotonic(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(t, clk)

	s, err := r.Register("tcp-main", fakeContext{wire.TransportTCP, "10.0.0.4:1"}, 0)
	require.NoError(t, err)

	last := s.Snapshot().LastHeartbeat
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		require.NoError(t, r.Heartbeat(s.ID))
		now := s.Snapshot().LastHeartbeat
		assert.False(t, now.Before(last), "last_heartbeat went backwards")
		last = now
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	s, err := r.Register("tcp-main", fakeContext{wire.TransportTCP, "10.0.0.5:2"}, 0)
	require.NoError(t, err)

	gone, err := r.Disconnect(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, gone.State())
	assert.Nil(t, gone.Context())

	_, err = r.Find(s.ID)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	_, err = r.Disconnect(s.ID)
	assert.Error(t, err)
}

func TestRebindPreservesIdentity(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	s, err := r.Register("tcp-main", fakeContext{wire.TransportTCP, "10.0.0.6:3"}, 0)
	require.NoError(t, err)
	id := s.ID

	require.NoError(t, r.Rebind(id, "dns-covert", fakeContext{wire.TransportDNS, "10.0.0.6:53"}))
	got, err := r.Find(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "dns-covert", got.Listener())
	assert.Equal(t, wire.TransportDNS, got.Context().Transport())
}

func TestSwitchIntentConsumedOnce(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	s, err := r.Register("tcp-main", fakeContext{wire.TransportTCP, "10.0.0.7:4"}, 0)
	require.NoError(t, err)

	req := &wire.SwitchRequest{Transport: wire.TransportUDP, Port: 9000}
	require.NoError(t, r.RecordSwitch(s.ID, req))
	assert.Equal(t, req, r.TakeSwitch(s.ID))
	assert.Nil(t, r.TakeSwitch(s.ID))
}

func TestForListener(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	a, _ := r.Register("tcp-main", fakeContext{wire.TransportTCP, "1.1.1.1:1"}, 0)
	b, _ := r.Register("udp-main", fakeContext{wire.TransportUDP, "2.2.2.2:2"}, 0)

	got := r.ForListener("tcp-main")
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got = r.ForListener("udp-main")
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestSupervisorStartStop(t *testing.T) {
	r := newTestRegistry(t, clock.New())
	r.opts.PollPeriod = 10 * time.Millisecond
	r.Start()
	r.Start() // idempotent
	time.Sleep(25 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent
}

func TestSupervisorTicksOnInjectedClock(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(t, clk)
	r.opts.PollPeriod = time.Second

	s, err := r.Register("udp-main", fakeContext{wire.TransportUDP, "10.0.0.9:5000"}, 0)
	require.NoError(t, err)
	require.NoError(t, r.Touch(s.ID))

	r.Start()
	defer r.Stop()

	// The running supervisor marks the session Idle on the mock
	// clock's cadence alone, with no manual evaluation pass.
	require.Eventually(t, func() bool {
		clk.Advance(5 * time.Second)
		return s.State() == StateIdle
	}, 3*time.Second, 10*time.Millisecond)
}
