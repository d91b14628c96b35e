package sdm

import (
	"fmt"

	"github.com/bavix/nestbridge/internal/command"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
)

// Profile implements the thermostat command rules.
type Profile struct{}

var _ command.Profile = Profile{}

func (Profile) Family(cmd command.Command) (command.Family, error) {
	switch cmd.Name {
	case CmdSetMode:
		return command.FamilyMode, nil
	case CmdSetHeat, CmdSetCool, CmdSetRange:
		return command.FamilySetpoint, nil
	default:
		return "", fmt.Errorf("%w: %s", customerrors.ErrUnsupportedCommand, cmd.Name)
	}
}

func (Profile) ModeOf(cmd command.Command) string {
	mode, _ := cmd.Params[ParamMode].(string)

	return mode
}

func (Profile) RequiredMode(cmd command.Command) (string, bool) {
	switch cmd.Name {
	case CmdSetHeat:
		return ModeHeat, true
	case CmdSetCool:
		return ModeCool, true
	case CmdSetRange:
		return ModeHeatCool, true
	default:
		return "", false
	}
}

func (Profile) ModeCommand(mode string) command.Command {
	return command.Command{Name: CmdSetMode, Params: map[string]any{ParamMode: mode}}
}

func (Profile) CurrentMode(d *device.Device) string {
	mode, _ := d.Traits[TraitThermostatMode][ParamMode].(string)

	return mode
}

// Complete fills the missing bound of a range from the known setpoints.
func (Profile) Complete(cmd command.Command, d *device.Device) command.Command {
	if cmd.Name != CmdSetRange {
		return cmd
	}

	known := d.Traits[TraitThermostatSetpt]
	fill := map[string]any{}

	for _, key := range []string{ParamHeatCelsius, ParamCoolCelsius} {
		if _, ok := cmd.Params[key]; ok {
			continue
		}

		if v, ok := known[key]; ok {
			fill[key] = v
		}
	}

	if len(fill) == 0 {
		return cmd
	}

	return cmd.With(fill)
}

// SetModeCommand validates mode and builds the SetMode command.
func SetModeCommand(mode string) (command.Command, error) {
	if !ValidMode(mode) {
		return command.Command{}, fmt.Errorf("%w: mode %q", customerrors.ErrUnsupportedCommand, mode)
	}

	return Profile{}.ModeCommand(mode), nil
}

// SetpointCommand targets the setpoint of the current mode.
func SetpointCommand(mode string, celsius float64) (command.Command, error) {
	switch mode {
	case ModeHeat:
		return command.Command{Name: CmdSetHeat, Params: map[string]any{ParamHeatCelsius: celsius}}, nil
	case ModeCool:
		return command.Command{Name: CmdSetCool, Params: map[string]any{ParamCoolCelsius: celsius}}, nil
	case ModeHeatCool:
		return command.Command{Name: CmdSetRange, Params: map[string]any{
			ParamHeatCelsius: celsius,
			ParamCoolCelsius: celsius,
		}}, nil
	default:
		return command.Command{}, fmt.Errorf("%w: setpoint in mode %q", customerrors.ErrUnsupportedCommand, mode)
	}
}

// SetpointHighCommand moves the upper bound of the range, the cool setpoint.
func SetpointHighCommand(celsius float64) command.Command {
	return command.Command{Name: CmdSetRange, Params: map[string]any{ParamCoolCelsius: celsius}}
}

// SetpointLowCommand moves the lower bound of the range, the heat setpoint.
func SetpointLowCommand(celsius float64) command.Command {
	return command.Command{Name: CmdSetRange, Params: map[string]any{ParamHeatCelsius: celsius}}
}
