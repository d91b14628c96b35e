package bridge

import (
	"context"
	"fmt"

	"github.com/bavix/nestbridge/internal/command"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/sdm"
)

// SetMode queues a mode change and applies it locally right away. The
// channel receives the flush outcome.
func (b *Bridge) SetMode(_ context.Context, id, mode string) (<-chan error, error) {
	cmd, err := sdm.SetModeCommand(mode)
	if err != nil {
		return nil, err
	}

	if _, err := b.thermostat(id); err != nil {
		return nil, err
	}

	done, err := b.commands.Enqueue(id, cmd)
	if err != nil {
		return nil, err
	}

	if err := b.states.ApplyDelta(id, device.Traits{
		sdm.TraitThermostatMode: {sdm.ParamMode: mode},
	}); err != nil {
		b.log.Warn().Err(err).Str("device_id", id).Msg("optimistic mode not applied")
	}

	return done, nil
}

// SetSetpoint targets the setpoint of the current mode.
func (b *Bridge) SetSetpoint(_ context.Context, id string, celsius float64) (<-chan error, error) {
	d, err := b.thermostat(id)
	if err != nil {
		return nil, err
	}

	cmd, err := sdm.SetpointCommand(sdm.Profile{}.CurrentMode(d), celsius)
	if err != nil {
		return nil, err
	}

	return b.commands.Enqueue(id, cmd)
}

// SetSetpointHigh moves the cool bound of the heat-cool range.
func (b *Bridge) SetSetpointHigh(_ context.Context, id string, celsius float64) (<-chan error, error) {
	return b.enqueueRange(id, sdm.SetpointHighCommand(celsius))
}

// SetSetpointLow moves the heat bound of the heat-cool range.
func (b *Bridge) SetSetpointLow(_ context.Context, id string, celsius float64) (<-chan error, error) {
	return b.enqueueRange(id, sdm.SetpointLowCommand(celsius))
}

// CommandState reports the command queue state of a device.
func (b *Bridge) CommandState(id string) command.State { return b.commands.State(id) }

func (b *Bridge) enqueueRange(id string, cmd command.Command) (<-chan error, error) {
	if _, err := b.thermostat(id); err != nil {
		return nil, err
	}

	return b.commands.Enqueue(id, cmd)
}

func (b *Bridge) thermostat(id string) (*device.Device, error) {
	d, ok := b.registry.Get(id)
	if !ok || d.Missing {
		return nil, customerrors.ErrDeviceNotFoundWithID(id)
	}

	if d.Kind != device.KindThermostat {
		return nil, fmt.Errorf("%w: %s is a %s", customerrors.ErrUnsupportedCommand, id, d.Kind)
	}

	return d, nil
}
