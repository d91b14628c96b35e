package bridge_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/bridge"
	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/config"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/kv"
	"github.com/bavix/nestbridge/internal/sdm"
	"github.com/bavix/nestbridge/internal/state"
	"github.com/bavix/nestbridge/internal/token"
)

const devicesJSON = `{"devices":[
 {"name":"enterprises/p1/devices/t1","type":"sdm.devices.types.THERMOSTAT",
  "traits":{"sdm.devices.traits.Info":{"customName":"Hall"},
            "sdm.devices.traits.ThermostatMode":{"mode":"HEAT","availableModes":["HEAT","COOL","OFF"]},
            "sdm.devices.traits.Temperature":{"ambientTemperatureCelsius":21.26},
            "sdm.devices.traits.ThermostatTemperatureSetpoint":{"heatCelsius":20.0}}},
 {"name":"enterprises/p1/devices/c1","type":"sdm.devices.types.DOORBELL",
  "traits":{"sdm.devices.traits.Info":{"customName":"Door"},
            "sdm.devices.traits.CameraLiveStream":{"supportedProtocols":["RTSP"]},
            "sdm.devices.traits.CameraEventImage":{}}},
 {"name":"enterprises/p1/devices/x1","type":"sdm.devices.types.LOCK","traits":{}}
]}`

type fakeSDM struct {
	srv      *httptest.Server
	lists    atomic.Int32
	images   atomic.Int32
	mu       sync.Mutex
	commands []sdm.CommandRequest
}

func (f *fakeSDM) sent() []sdm.CommandRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sdm.CommandRequest(nil), f.commands...)
}

func newFakeSDM(t *testing.T) *fakeSDM {
	t.Helper()

	f := &fakeSDM{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/enterprises/p1/devices", func(w http.ResponseWriter, _ *http.Request) {
		f.lists.Add(1)
		_, _ = io.WriteString(w, devicesJSON)
	})
	mux.HandleFunc("POST /v1/enterprises/p1/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req sdm.CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, req)
		f.mu.Unlock()

		if req.Command == sdm.CmdGenerateImage {
			_, _ = io.WriteString(w, `{"results":{"url":"`+f.srv.URL+`/image","token":"tok"}}`)

			return
		}

		_, _ = io.WriteString(w, `{}`)
	})
	mux.HandleFunc("GET /image", func(w http.ResponseWriter, _ *http.Request) {
		f.images.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	})

	f.srv = httptest.NewTLSServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

type recordingHost struct {
	mu        sync.Mutex
	manifests []device.Manifest
	events    []state.EventKind
	changes   int
}

func (h *recordingHost) DevicesChanged(_ context.Context, m device.Manifest) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.manifests = append(h.manifests, m)

	return nil
}

func (h *recordingHost) DeviceEvent(_ string, kind state.EventKind, _ sdm.EventRef) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, kind)
}

func (h *recordingHost) StateChanged(state.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.changes++
}

type env struct {
	sdm    *fakeSDM
	host   *recordingHost
	clock  *clock.Fake
	bridge *bridge.Bridge
}

func newEnv(t *testing.T) *env {
	t.Helper()

	f := newFakeSDM(t)

	cfg, err := config.Parse("c.yaml", []byte(`
project_id: p1
oauth:
  client_id: cid
  client_secret: secret
  redirect_url: http://localhost/callback
`))
	require.NoError(t, err)

	cfg.API.Hostname = strings.TrimPrefix(f.srv.URL, "https://")

	store := kv.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), token.StorageKey, `{"access_token":"access"}`))

	host := &recordingHost{}
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	b, err := bridge.New(context.Background(), bridge.Options{
		Config:    cfg,
		Store:     store,
		Host:      host,
		Clock:     clk,
		Logger:    zerolog.Nop(),
		Transport: f.srv.Client().Transport,
	})
	require.NoError(t, err)

	return &env{sdm: f, host: host, clock: clk, bridge: b}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.bridge.Discover(context.Background()))

	m := e.bridge.Manifest()
	assert.Equal(t, []string{"c1", "t1"}, m.IDs())

	e.host.mu.Lock()
	require.Len(t, e.host.manifests, 1)
	e.host.mu.Unlock()

	snap, err := e.bridge.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, "Hall", snap.Name)
	assert.InDelta(t, 21.3, snap.State["temperature"], 0.0001)
	assert.Equal(t, "Heat", snap.State["mode"])

	door, err := e.bridge.Snapshot("c1")
	require.NoError(t, err)
	assert.Equal(t, map[state.EventKind]bool{state.EventMotion: false, state.EventPerson: false, state.EventChime: false}, door.Events)

	status := e.bridge.Status(context.Background())
	assert.True(t, status.Ready)
	assert.True(t, status.Authenticated)
	assert.Equal(t, 2, status.Devices)
	assert.Empty(t, status.Problems)

	require.NoError(t, e.bridge.Refresh(context.Background(), false))
	assert.Equal(t, int32(1), e.sdm.lists.Load())
}

func TestPushEventsAndSnapshots(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.bridge.Discover(ctx))

	_, err := e.bridge.TakePicture(ctx, "c1")
	require.ErrorIs(t, err, customerrors.ErrNoSnapshot)

	require.NoError(t, e.bridge.ApplyUpdate(ctx, sdm.ResourceUpdate{
		Name:   "enterprises/p1/devices/c1",
		Events: map[string]sdm.EventRef{sdm.EventChime: {EventID: "ev-1"}},
	}))

	snap, err := e.bridge.Snapshot("c1")
	require.NoError(t, err)
	assert.True(t, snap.Events[state.EventChime])

	img, err := e.bridge.TakePicture(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), img.Data)
	assert.Equal(t, "ev-1", img.EventID)

	_, err = e.bridge.TakePicture(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), e.sdm.images.Load())

	e.clock.Advance(30 * time.Second)

	snap, err = e.bridge.Snapshot("c1")
	require.NoError(t, err)
	assert.False(t, snap.Events[state.EventChime])

	img, err = e.bridge.TakePicture(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", img.EventID)

	e.host.mu.Lock()
	assert.Equal(t, []state.EventKind{state.EventChime}, e.host.events)
	e.host.mu.Unlock()
}

func TestPushDeltaAndUnknownDevice(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.bridge.Discover(ctx))

	require.NoError(t, e.bridge.ApplyUpdate(ctx, sdm.ResourceUpdate{
		Name:   "enterprises/p1/devices/t1",
		Traits: device.Traits{sdm.TraitThermostatMode: {"mode": "COOL"}},
	}))

	snap, err := e.bridge.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, "Cool", snap.State["mode"])
	assert.InDelta(t, 21.3, snap.State["temperature"], 0.0001)

	err = e.bridge.ApplyUpdate(ctx, sdm.ResourceUpdate{Name: "enterprises/p1/devices/nope"})
	require.ErrorIs(t, err, customerrors.ErrDeviceNotFound)
}

func TestSetpointFlushesAndReconciles(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.bridge.Discover(ctx))

	done, err := e.bridge.SetSetpoint(ctx, "t1", 22.5)
	require.NoError(t, err)

	e.clock.Advance(12 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("setpoint not flushed")
	}

	sent := e.sdm.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sdm.CmdSetHeat, sent[0].Command)
	assert.InDelta(t, 22.5, sent[0].Params[sdm.ParamHeatCelsius], 0.001)
	assert.Equal(t, int32(2), e.sdm.lists.Load())

	_, err = e.bridge.SetSetpoint(ctx, "c1", 20)
	require.ErrorIs(t, err, customerrors.ErrUnsupportedCommand)
}

func TestSetModeIsOptimistic(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.bridge.Discover(ctx))

	_, err := e.bridge.SetMode(ctx, "t1", sdm.ModeCool)
	require.NoError(t, err)

	snap, err := e.bridge.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, "Cool", snap.State["mode"])
	assert.Empty(t, e.sdm.sent())

	_, err = e.bridge.SetMode(ctx, "t1", "ECO")
	require.ErrorIs(t, err, customerrors.ErrUnsupportedCommand)
}

func TestRunRediscoversUnknownDevice(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- e.bridge.Run(ctx) }()

	require.Eventually(t, func() bool { return e.bridge.Status(ctx).Ready }, 5*time.Second, 10*time.Millisecond)

	_ = e.bridge.ApplyUpdate(ctx, sdm.ResourceUpdate{Name: "enterprises/p1/devices/new"})

	require.Eventually(t, func() bool { return e.sdm.lists.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAuthURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	u := e.bridge.AuthURL("state-1")
	assert.True(t, strings.HasPrefix(u, "https://nestservices.google.com/partnerconnections/p1/auth?"))
	assert.Contains(t, u, "access_type=offline")
	assert.Contains(t, u, "prompt=consent")
	assert.Contains(t, u, "client_id=cid")
	assert.Contains(t, u, "state=state-1")
}
