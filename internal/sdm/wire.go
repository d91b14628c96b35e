package sdm

import (
	"encoding/json"
	"time"

	"github.com/bavix/nestbridge/internal/device"
)

// ParentRelation links a device to its room or structure.
type ParentRelation struct {
	Parent      string `json:"parent"`
	DisplayName string `json:"displayName"`
}

// Device is one entry of the devices list.
type Device struct {
	Name            string           `json:"name"`
	Type            string           `json:"type"`
	Traits          device.Traits    `json:"traits"`
	ParentRelations []ParentRelation `json:"parentRelations,omitempty"`
}

// ID returns the native device id.
func (d Device) ID() string { return DeviceID(d.Name) }

// DisplayName prefers the custom name and falls back to the room name.
func (d Device) DisplayName() string {
	if name, ok := d.Traits[TraitInfo]["customName"].(string); ok && name != "" {
		return name
	}

	if len(d.ParentRelations) > 0 && d.ParentRelations[0].DisplayName != "" {
		return d.ParentRelations[0].DisplayName
	}

	return d.ID()
}

// Entry converts the device for a registry sync. ok is false for unhandled types.
func (d Device) Entry() (device.Entry, bool) {
	kind, ok := KindFromType(d.Type)
	if !ok {
		return device.Entry{}, false
	}

	return device.Entry{
		ID:           d.ID(),
		Name:         d.DisplayName(),
		Kind:         kind,
		Capabilities: Capabilities(kind, d.Traits),
	}, true
}

// ListDevicesResponse is the body of GET /devices.
type ListDevicesResponse struct {
	Devices []Device `json:"devices"`
}

// CommandRequest is the body of :executeCommand.
type CommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// CommandResponse is the reply of :executeCommand.
type CommandResponse struct {
	Results json.RawMessage `json:"results,omitempty"`
}

// StreamURLs carries the RTSP urls of a generated stream.
type StreamURLs struct {
	RTSPURL string `json:"rtspUrl"`
}

// StreamResults covers the results of every live stream command.
type StreamResults struct {
	StreamURLs           StreamURLs `json:"streamUrls"`
	StreamToken          string     `json:"streamToken"`
	StreamExtensionToken string     `json:"streamExtensionToken"`
	MediaSessionID       string     `json:"mediaSessionId"`
	AnswerSDP            string     `json:"answerSdp"`
	ExpiresAt            time.Time  `json:"expiresAt"`
}

// ImageResults is the reply of GenerateImage.
type ImageResults struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// PushMessage is the Pub/Sub push envelope.
type PushMessage struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// EventRef is the payload of one event entry.
type EventRef struct {
	EventSessionID string `json:"eventSessionId"`
	EventID        string `json:"eventId"`
}

// ResourceUpdate is the decoded push payload.
type ResourceUpdate struct {
	Name   string              `json:"name"`
	Traits device.Traits       `json:"traits,omitempty"`
	Events map[string]EventRef `json:"events,omitempty"`
}

// PushPayload is the JSON document carried in the push data field.
type PushPayload struct {
	EventID        string          `json:"eventId"`
	Timestamp      time.Time       `json:"timestamp"`
	ResourceUpdate *ResourceUpdate `json:"resourceUpdate"`
	UserID         string          `json:"userId"`
}
