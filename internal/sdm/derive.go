package sdm

import (
	"github.com/bavix/nestbridge/internal/device"
	"github.com/bavix/nestbridge/internal/state"
)

// Observable modes.
const (
	ViewHeat     = "Heat"
	ViewCool     = "Cool"
	ViewHeatCool = "HeatCool"
	ViewOff      = "Off"
)

// Deriver computes the observable view of thermostats and cameras.
type Deriver struct{}

var _ state.Deriver = Deriver{}

func (Deriver) Derive(d *device.Device) map[string]any {
	switch d.Kind {
	case device.KindThermostat:
		return deriveThermostat(d.Traits)
	case device.KindCamera, device.KindDoorbell, device.KindDisplay:
		return deriveCamera(d.Traits)
	default:
		return nil
	}
}

func fromMode(mode string) (string, bool) {
	switch mode {
	case ModeHeat:
		return ViewHeat, true
	case ModeCool:
		return ViewCool, true
	case ModeHeatCool:
		return ViewHeatCool, true
	case ModeOff:
		return ViewOff, true
	default:
		return "", false
	}
}

func fromHvac(status string) (string, bool) {
	switch status {
	case HvacHeating:
		return ViewHeat, true
	case HvacCooling:
		return ViewCool, true
	case HvacOff:
		return ViewOff, true
	default:
		return "", false
	}
}

//nolint:cyclop
func deriveThermostat(t device.Traits) map[string]any {
	out := map[string]any{}

	modeTrait := t[TraitThermostatMode]
	rawMode, _ := modeTrait[ParamMode].(string)
	mode, hasMode := fromMode(rawMode)

	if hasMode {
		out["mode"] = mode
	}

	if avail, ok := modeTrait["availableModes"].([]any); ok {
		modes := make([]any, 0, len(avail))

		for _, m := range avail {
			if s, ok := m.(string); ok {
				if v, ok := fromMode(s); ok {
					modes = append(modes, v)
				}
			}
		}

		out["available_modes"] = modes
	}

	if status, ok := t[TraitThermostatHvac]["status"].(string); ok {
		if v, ok := fromHvac(status); ok {
			out["active_mode"] = v
		}
	}

	if v, ok := toFloat(t[TraitTemperature]["ambientTemperatureCelsius"]); ok {
		out["temperature"] = v
	}

	if v, ok := toFloat(t[TraitHumidity]["ambientHumidityPercent"]); ok {
		out["humidity"] = v
	}

	out["temperature_unit"] = "C"
	if scale, _ := t[TraitSettings]["temperatureScale"].(string); scale == ScaleFahrenheit {
		out["temperature_unit"] = "F"
	}

	heat, hasHeat := toFloat(t[TraitThermostatSetpt][ParamHeatCelsius])
	cool, hasCool := toFloat(t[TraitThermostatSetpt][ParamCoolCelsius])

	switch mode {
	case ViewHeat:
		if hasHeat {
			out["setpoint"] = heat
		}
	case ViewCool:
		if hasCool {
			out["setpoint"] = cool
		}
	case ViewHeatCool:
		if hasCool {
			out["setpoint_high"] = cool
		}

		if hasHeat {
			out["setpoint_low"] = heat
		}
	}

	return out
}

func deriveCamera(t device.Traits) map[string]any {
	out := map[string]any{}

	protocols := Protocols(t)
	list := make([]any, 0, len(protocols))

	for _, p := range protocols {
		list = append(list, p)
	}

	out["stream_protocols"] = list
	_, hasImages := t[TraitCameraEventImage]
	out["event_images"] = hasImages

	return out
}

// Protocols lists the supported live stream protocols.
func Protocols(t device.Traits) []string {
	raw, _ := t[TraitCameraLiveStream]["supportedProtocols"].([]any)
	out := make([]string, 0, len(raw))

	for _, p := range raw {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// Capabilities lists what the host can do with a device of kind.
func Capabilities(kind device.Kind, t device.Traits) []string {
	switch kind {
	case device.KindThermostat:
		return []string{"temperature_setting", "humidity_sensor", "thermometer", "settings"}
	case device.KindCamera, device.KindDoorbell, device.KindDisplay:
		caps := []string{"video_camera", "camera", "motion_sensor", "object_detector"}
		if kind == device.KindDoorbell {
			caps = append(caps, "binary_sensor")
		}

		if _, ok := t[TraitCameraEventImage]; ok {
			caps = append(caps, "event_image")
		}

		return caps
	default:
		return nil
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
