package bridge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/bavix/nestbridge/internal/device"
	"github.com/bavix/nestbridge/internal/sdm"
	"github.com/bavix/nestbridge/internal/state"
)

// Host is notified about device set changes, events and state changes.
// StateChanged is called with the device lock held.
type Host interface {
	DevicesChanged(ctx context.Context, m device.Manifest) error
	DeviceEvent(deviceID string, kind state.EventKind, ref sdm.EventRef)
	StateChanged(s state.Snapshot)
}

// Hosts fans notifications out to every host in order.
type Hosts []Host

func (hs Hosts) DevicesChanged(ctx context.Context, m device.Manifest) error {
	var errs []error

	for _, h := range hs {
		if err := h.DevicesChanged(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (hs Hosts) DeviceEvent(deviceID string, kind state.EventKind, ref sdm.EventRef) {
	for _, h := range hs {
		h.DeviceEvent(deviceID, kind, ref)
	}
}

func (hs Hosts) StateChanged(s state.Snapshot) {
	for _, h := range hs {
		h.StateChanged(s)
	}
}

// LogHost logs every notification.
type LogHost struct {
	Log zerolog.Logger
}

func (h LogHost) DevicesChanged(_ context.Context, m device.Manifest) error {
	h.Log.Info().Strs("devices", m.IDs()).Msg("device set changed")

	return nil
}

func (h LogHost) DeviceEvent(deviceID string, kind state.EventKind, ref sdm.EventRef) {
	h.Log.Info().Str("device_id", deviceID).Str("event", string(kind)).
		Str("event_id", ref.EventID).Msg("device event")
}

func (h LogHost) StateChanged(s state.Snapshot) {
	h.Log.Debug().Str("device_id", s.DeviceID).Interface("state", s.State).
		Interface("events", s.Events).Msg("state changed")
}
