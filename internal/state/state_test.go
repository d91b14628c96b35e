package state_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/state"
)

type recorder struct {
	mu    sync.Mutex
	snaps []state.Snapshot
}

func (r *recorder) StateChanged(s state.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.snaps)
}

func (r *recorder) last() state.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snaps[len(r.snaps)-1]
}

// passthrough exposes the raw mode and temperature traits.
var passthrough = state.DeriverFunc(func(d *device.Device) map[string]any {
	out := map[string]any{}
	if v, ok := d.Traits["mode"]["mode"]; ok {
		out["mode"] = v
	}

	if v, ok := d.Traits["temp"]["ambient"]; ok {
		out["temperature"] = v
	}

	return out
})

func setup(t *testing.T, kind device.Kind) (*state.Reconciler, *recorder, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := device.NewRegistry(clk)
	reg.Sync([]device.Entry{{ID: "dev", Name: "Device", Kind: kind}})

	rec := &recorder{}
	r := state.New(reg, passthrough, rec, state.Options{
		Clock:      clk,
		ResetAfter: 30 * time.Second,
		MediaTTL:   25 * time.Second,
		Logger:     zerolog.Nop(),
	})

	return r, rec, clk
}

func TestSnapshotThenDelta(t *testing.T) {
	t.Parallel()

	r, rec, _ := setup(t, device.KindThermostat)

	require.NoError(t, r.ApplySnapshot("dev", device.Traits{
		"mode": {"mode": "HEAT"},
		"temp": {"ambient": 21.26},
	}))

	snap := rec.last()
	assert.Equal(t, "HEAT", snap.State["mode"])
	assert.InDelta(t, 21.3, snap.State["temperature"], 1e-9)

	require.NoError(t, r.ApplyDelta("dev", device.Traits{"mode": {"mode": "COOL"}}))

	snap = rec.last()
	assert.Equal(t, "COOL", snap.State["mode"])
	assert.InDelta(t, 21.3, snap.State["temperature"], 1e-9)
	assert.Equal(t, 2, rec.count())
}

func TestSnapshotReplacesDeltaFields(t *testing.T) {
	t.Parallel()

	r, _, _ := setup(t, device.KindThermostat)

	require.NoError(t, r.ApplySnapshot("dev", device.Traits{"mode": {"mode": "HEAT"}, "temp": {"ambient": 20.0}}))
	require.NoError(t, r.ApplyDelta("dev", device.Traits{"temp": {"ambient": 22.0}}))
	require.NoError(t, r.ApplySnapshot("dev", device.Traits{"mode": {"mode": "OFF"}}))

	snap, err := r.Snapshot("dev")
	require.NoError(t, err)
	assert.Equal(t, "OFF", snap.State["mode"])
	assert.NotContains(t, snap.State, "temperature")
}

func TestJitterDoesNotPublish(t *testing.T) {
	t.Parallel()

	r, rec, _ := setup(t, device.KindThermostat)

	require.NoError(t, r.ApplySnapshot("dev", device.Traits{"temp": {"ambient": 21.26}}))
	require.NoError(t, r.ApplySnapshot("dev", device.Traits{"temp": {"ambient": 21.31}}))
	require.NoError(t, r.ApplyDelta("dev", device.Traits{"temp": {"ambient": 21.28}}))

	assert.Equal(t, 1, rec.count())
}

func TestDeltasApplyInArrivalOrder(t *testing.T) {
	t.Parallel()

	r, _, _ := setup(t, device.KindThermostat)

	require.NoError(t, r.ApplySnapshot("dev", device.Traits{"mode": {"mode": "HEAT"}, "temp": {"ambient": 19.0}}))

	deltas := []device.Traits{
		{"mode": {"mode": "COOL"}},
		{"temp": {"ambient": 20.5}},
		{"mode": {"mode": "HEATCOOL"}},
	}
	for _, d := range deltas {
		require.NoError(t, r.ApplyDelta("dev", d))
	}

	snap, err := r.Snapshot("dev")
	require.NoError(t, err)
	assert.Equal(t, "HEATCOOL", snap.State["mode"])
	assert.InDelta(t, 20.5, snap.State["temperature"], 1e-9)
}

func TestEventWindow(t *testing.T) {
	t.Parallel()

	r, rec, clk := setup(t, device.KindDoorbell)

	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventMotion, ID: "e1"}))
	assert.True(t, rec.last().Events[state.EventMotion])
	assert.False(t, rec.last().Events[state.EventChime])

	clk.Advance(29 * time.Second)
	assert.True(t, rec.last().Events[state.EventMotion])

	clk.Advance(time.Second)
	assert.False(t, rec.last().Events[state.EventMotion])
	assert.Equal(t, 0, clk.Pending())
}

func TestRepeatedEventExtendsWindow(t *testing.T) {
	t.Parallel()

	r, rec, clk := setup(t, device.KindCamera)

	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventPerson, ID: "e1"}))
	clk.Advance(20 * time.Second)
	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventPerson, ID: "e2"}))

	clk.Advance(29 * time.Second)
	assert.True(t, rec.last().Events[state.EventPerson])
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(time.Second)
	assert.False(t, rec.last().Events[state.EventPerson])
}

func TestEventKindsAreIndependent(t *testing.T) {
	t.Parallel()

	r, _, clk := setup(t, device.KindDoorbell)

	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventPerson, ID: "p"}))
	clk.Advance(10 * time.Second)
	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventChime, ID: "c"}))
	clk.Advance(20 * time.Second)

	snap, err := r.Snapshot("dev")
	require.NoError(t, err)
	assert.False(t, snap.Events[state.EventPerson])
	assert.True(t, snap.Events[state.EventChime])
}

func TestEventIDExpiresBeforeBoolean(t *testing.T) {
	t.Parallel()

	r, _, clk := setup(t, device.KindCamera)

	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventMotion, ID: "e1"}))

	id, ok := r.EventID("dev", state.EventMotion)
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	latest, ok := r.LatestEventID("dev")
	require.True(t, ok)
	assert.Equal(t, "e1", latest)

	clk.Advance(25 * time.Second)

	_, ok = r.EventID("dev", state.EventMotion)
	assert.False(t, ok)

	_, ok = r.LatestEventID("dev")
	assert.False(t, ok)

	snap, err := r.Snapshot("dev")
	require.NoError(t, err)
	assert.True(t, snap.Events[state.EventMotion])
}

func TestForgetCancelsTimers(t *testing.T) {
	t.Parallel()

	r, _, clk := setup(t, device.KindCamera)

	require.NoError(t, r.ApplyEvent("dev", state.Event{Kind: state.EventMotion, ID: "e1"}))
	assert.Equal(t, 1, clk.Pending())

	r.Forget("dev")
	assert.Equal(t, 0, clk.Pending())

	_, ok := r.EventID("dev", state.EventMotion)
	assert.False(t, ok)
}

func TestUnknownDevice(t *testing.T) {
	t.Parallel()

	r, _, _ := setup(t, device.KindCamera)

	require.ErrorIs(t, r.ApplyDelta("ghost", device.Traits{}), customerrors.ErrDeviceNotFound)
	require.ErrorIs(t, r.ApplyEvent("ghost", state.Event{Kind: state.EventMotion}), customerrors.ErrDeviceNotFound)

	_, err := r.Snapshot("ghost")
	require.ErrorIs(t, err, customerrors.ErrDeviceNotFound)
}

func TestRound1(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{in: 21.26, want: 21.3},
		{in: 21.24, want: 21.2},
		{in: -3.06, want: -3.1},
		{in: 0, want: 0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, state.Round1(tt.in), 1e-9)
	}
}
