// Package sdm adapts the Google Smart Device Management API: wire types,
// trait and command vocabulary, the authenticated client, and the mapping of
// raw traits to observable state.
package sdm

import (
	"strings"

	"github.com/bavix/nestbridge/internal/device"
	"github.com/bavix/nestbridge/internal/state"
)

// Device types.
const (
	TypeThermostat = "sdm.devices.types.THERMOSTAT"
	TypeCamera     = "sdm.devices.types.CAMERA"
	TypeDoorbell   = "sdm.devices.types.DOORBELL"
	TypeDisplay    = "sdm.devices.types.DISPLAY"
)

// Traits.
const (
	TraitInfo             = "sdm.devices.traits.Info"
	TraitSettings         = "sdm.devices.traits.Settings"
	TraitTemperature      = "sdm.devices.traits.Temperature"
	TraitHumidity         = "sdm.devices.traits.Humidity"
	TraitThermostatMode   = "sdm.devices.traits.ThermostatMode"
	TraitThermostatHvac   = "sdm.devices.traits.ThermostatHvac"
	TraitThermostatSetpt  = "sdm.devices.traits.ThermostatTemperatureSetpoint"
	TraitCameraLiveStream = "sdm.devices.traits.CameraLiveStream"
	TraitCameraEventImage = "sdm.devices.traits.CameraEventImage"
)

// Commands.
const (
	CmdSetMode  = "sdm.devices.commands.ThermostatMode.SetMode"
	CmdSetHeat  = "sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat"
	CmdSetCool  = "sdm.devices.commands.ThermostatTemperatureSetpoint.SetCool"
	CmdSetRange = "sdm.devices.commands.ThermostatTemperatureSetpoint.SetRange"

	CmdGenerateRtspStream   = "sdm.devices.commands.CameraLiveStream.GenerateRtspStream"
	CmdExtendRtspStream     = "sdm.devices.commands.CameraLiveStream.ExtendRtspStream"
	CmdStopRtspStream       = "sdm.devices.commands.CameraLiveStream.StopRtspStream"
	CmdGenerateWebRtcStream = "sdm.devices.commands.CameraLiveStream.GenerateWebRtcStream"
	CmdExtendWebRtcStream   = "sdm.devices.commands.CameraLiveStream.ExtendWebRtcStream"
	CmdStopWebRtcStream     = "sdm.devices.commands.CameraLiveStream.StopWebRtcStream"

	CmdGenerateImage = "sdm.devices.commands.CameraEventImage.GenerateImage"
)

// Events.
const (
	EventMotion = "sdm.devices.events.CameraMotion.Motion"
	EventPerson = "sdm.devices.events.CameraPerson.Person"
	EventChime  = "sdm.devices.events.DoorbellChime.Chime"
)

// Thermostat modes and HVAC status.
const (
	ModeHeat     = "HEAT"
	ModeCool     = "COOL"
	ModeHeatCool = "HEATCOOL"
	ModeOff      = "OFF"

	HvacHeating = "HEATING"
	HvacCooling = "COOLING"
	HvacOff     = "OFF"

	ScaleFahrenheit = "FAHRENHEIT"
)

// Stream protocols.
const (
	ProtocolRTSP   = "RTSP"
	ProtocolWebRTC = "WEB_RTC"
)

// Param names.
const (
	ParamMode                 = "mode"
	ParamHeatCelsius          = "heatCelsius"
	ParamCoolCelsius          = "coolCelsius"
	ParamOfferSDP             = "offerSdp"
	ParamStreamExtensionToken = "streamExtensionToken"
	ParamMediaSessionID       = "mediaSessionId"
	ParamEventID              = "eventId"
)

// KindFromType maps an SDM device type. ok is false for unhandled types.
func KindFromType(t string) (device.Kind, bool) {
	switch t {
	case TypeThermostat:
		return device.KindThermostat, true
	case TypeCamera:
		return device.KindCamera, true
	case TypeDoorbell:
		return device.KindDoorbell, true
	case TypeDisplay:
		return device.KindDisplay, true
	default:
		return "", false
	}
}

// EventKind maps an SDM event name to a transient event kind.
func EventKind(name string) (state.EventKind, bool) {
	switch name {
	case EventMotion:
		return state.EventMotion, true
	case EventPerson:
		return state.EventPerson, true
	case EventChime:
		return state.EventChime, true
	default:
		return "", false
	}
}

// DeviceID returns the last segment of a resource name such as
// enterprises/p/devices/ID.
func DeviceID(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}

	return name
}

// ValidMode reports whether mode is a thermostat mode the API accepts.
func ValidMode(mode string) bool {
	switch mode {
	case ModeHeat, ModeCool, ModeHeatCool, ModeOff:
		return true
	default:
		return false
	}
}
