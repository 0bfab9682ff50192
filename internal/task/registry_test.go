// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package task

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/muster/internal/clock"
	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/wire"
)

func newTestRegistry(clk clock.Clock) *Registry {
	return NewRegistry(Options{Clock: clk})
}

func TestTaskLifecycle(t *testing.T) {
	r := newTestRegistry(clock.New())
	client := uuid.New()

	id, err := r.Create(client, TypeShell, []byte("whoami"), 0)
	require.NoError(t, err)

	require.NoError(t, r.MarkSent(id))
	require.NoError(t, r.MarkRunning(id))
	require.NoError(t, r.SetResult(id, []byte{0x68, 0x69}))

	snap, err := r.Find(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.State)
	assert.Equal(t, []byte{0x68, 0x69}, snap.Result)
	assert.Empty(t, snap.Error)
	assert.False(t, snap.Ended.IsZero())
}

func TestTerminalExclusivity(t *testing.T) {
	r := newTestRegistry(clock.New())
	id, err := r.Create(uuid.New(), TypeShell, nil, 0)
	require.NoError(t, err)
	require.NoError(t, r.MarkSent(id))

	require.NoError(t, r.SetResult(id, []byte("ok")))

	// Whichever terminal writer ran first wins; later writers are
	// rejected, not overwritten.
	err = r.SetError(id, "too late")
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	err = r.SetResult(id, []byte("also too late"))
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	snap, err := r.Find(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.State)
	assert.Equal(t, []byte("ok"), snap.Result)
	assert.Empty(t, snap.Error)
}

func TestStateOnlyMovesForward(t *testing.T) {
	r := newTestRegistry(clock.New())
	id, err := r.Create(uuid.New(), TypeShell, nil, 0)
	require.NoError(t, err)

	require.NoError(t, r.MarkSent(id))
	err = r.MarkSent(id)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	require.NoError(t, r.MarkRunning(id))
	assert.Error(t, r.MarkSent(id))

	require.NoError(t, r.SetError(id, "boom"))
	assert.Error(t, r.MarkRunning(id))

	snap, _ := r.Find(id)
	assert.Equal(t, "failed", snap.State)
	assert.Equal(t, "boom", snap.Error)
	assert.Nil(t, snap.Result)
}

func TestTimeoutSupervisor(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(clk)

	id, err := r.Create(uuid.New(), TypeShell, nil, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, r.MarkSent(id))

	clk.Advance(1 * time.Second)
	r.expire()
	snap, _ := r.Find(id)
	assert.Equal(t, "sent", snap.State)

	clk.Advance(2 * time.Second)
	r.expire()
	snap, _ = r.Find(id)
	assert.Equal(t, "timeout", snap.State)
	assert.False(t, snap.Ended.IsZero())
	assert.Nil(t, snap.Result)

	// Terminal is sticky against late results.
	assert.Error(t, r.SetResult(id, []byte("late")))
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(clk)

	id, err := r.Create(uuid.New(), TypeShell, nil, 0)
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	r.expire()

	snap, _ := r.Find(id)
	assert.Equal(t, "created", snap.State)
}

func TestTimeoutCountsFromCreationWhenNeverSent(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := newTestRegistry(clk)

	id, err := r.Create(uuid.New(), TypeShell, nil, 5*time.Second)
	require.NoError(t, err)

	clk.Advance(6 * time.Second)
	r.expire()

	snap, _ := r.Find(id)
	assert.Equal(t, "timeout", snap.State)
}

func TestForClient(t *testing.T) {
	r := newTestRegistry(clock.New())
	alice, bob := uuid.New(), uuid.New()

	a1, _ := r.Create(alice, TypeShell, nil, 0)
	a2, _ := r.Create(alice, TypeModule, nil, 0)
	_, _ = r.Create(bob, TypeShell, nil, 0)

	got := r.ForClient(alice)
	require.Len(t, got, 2)
	assert.Equal(t, a1, got[0].ID)
	assert.Equal(t, a2, got[1].ID)
	assert.Len(t, r.ForClient(bob), 1)
	assert.Empty(t, r.ForClient(uuid.New()))
}

func TestCreateModuleCall(t *testing.T) {
	r := newTestRegistry(clock.New())
	id, err := r.CreateModuleCall(uuid.New(), wire.ModuleCall{Module: "file", Command: "get", Args: "/tmp/x"}, 0)
	require.NoError(t, err)

	payload, err := r.Payload(id)
	require.NoError(t, err)
	call, err := wire.DecodeModuleCall(payload)
	require.NoError(t, err)
	assert.Equal(t, "file", call.Module)

	_, err = r.CreateModuleCall(uuid.New(), wire.ModuleCall{Command: "get"}, 0)
	assert.Error(t, err)
}

func TestNegativeTimeoutRejected(t *testing.T) {
	r := newTestRegistry(clock.New())
	_, err := r.Create(uuid.New(), TypeShell, nil, -time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestSupervisorStartStop(t *testing.T) {
	r := NewRegistry(Options{PollPeriod: 10 * time.Millisecond})
	r.Start()
	r.Start()
	time.Sleep(25 * time.Millisecond)
	r.Stop()
	r.Stop()
}

func TestSupervisorTicksOnInjectedClock(t *testing.T) {
	clk := clock.NewMock(time.Unix(1700000000, 0))
	r := NewRegistry(Options{Clock: clk, PollPeriod: time.Second})

	id, err := r.Create(uuid.New(), TypeShell, nil, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, r.MarkSent(id))

	r.Start()
	defer r.Stop()

	// The running supervisor expires the task on the mock clock's
	// cadence alone, with no manual expiry pass.
	require.Eventually(t, func() bool {
		clk.Advance(time.Second)
		snap, ferr := r.Find(id)
		return ferr == nil && snap.State == "timeout"
	}, 3*time.Second, 10*time.Millisecond)
}
