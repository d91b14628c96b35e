package sdm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bavix/nestbridge/internal/device"
	"github.com/bavix/nestbridge/internal/stream"
)

// StreamAPI runs the CameraLiveStream commands through a Client.
type StreamAPI struct {
	client *Client
}

var _ stream.API = StreamAPI{}

// NewStreamAPI creates a StreamAPI.
func NewStreamAPI(c *Client) StreamAPI { return StreamAPI{client: c} }

func (a StreamAPI) Generate(ctx context.Context, deviceID string, t stream.Transport, offer string) (stream.Result, error) {
	if t == stream.TransportWebRTC {
		return a.exec(ctx, deviceID, CmdGenerateWebRtcStream, map[string]any{ParamOfferSDP: offer})
	}

	return a.exec(ctx, deviceID, CmdGenerateRtspStream, nil)
}

func (a StreamAPI) Extend(ctx context.Context, deviceID string, t stream.Transport, c stream.Continuation) (stream.Result, error) {
	if t == stream.TransportWebRTC {
		return a.exec(ctx, deviceID, CmdExtendWebRtcStream, map[string]any{ParamMediaSessionID: c.MediaSessionID})
	}

	return a.exec(ctx, deviceID, CmdExtendRtspStream, map[string]any{ParamStreamExtensionToken: c.ExtensionToken})
}

func (a StreamAPI) Stop(ctx context.Context, deviceID string, t stream.Transport, c stream.Continuation) error {
	var err error

	if t == stream.TransportWebRTC {
		_, err = a.client.ExecuteCommand(ctx, deviceID, CmdStopWebRtcStream, map[string]any{ParamMediaSessionID: c.MediaSessionID})
	} else {
		_, err = a.client.ExecuteCommand(ctx, deviceID, CmdStopRtspStream, map[string]any{ParamStreamExtensionToken: c.ExtensionToken})
	}

	return err
}

func (a StreamAPI) exec(ctx context.Context, deviceID, name string, params map[string]any) (stream.Result, error) {
	raw, err := a.client.ExecuteCommand(ctx, deviceID, name, params)
	if err != nil {
		return stream.Result{}, err
	}

	var res StreamResults
	if err := json.Unmarshal(raw, &res); err != nil {
		return stream.Result{}, fmt.Errorf("decode stream results: %w", err)
	}

	return stream.Result{
		URL:       res.StreamURLs.RTSPURL,
		AnswerSDP: res.AnswerSDP,
		Continuation: stream.Continuation{
			ExtensionToken: res.StreamExtensionToken,
			MediaSessionID: res.MediaSessionID,
		},
		ExpiresAt: res.ExpiresAt,
	}, nil
}

// Transports lists the live stream transports a device advertises.
func Transports(d *device.Device) []stream.Transport {
	var out []stream.Transport

	for _, p := range Protocols(d.Traits) {
		switch p {
		case ProtocolRTSP:
			out = append(out, stream.TransportRTSP)
		case ProtocolWebRTC:
			out = append(out, stream.TransportWebRTC)
		}
	}

	return out
}
