package stream

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// RewriteOffer prepares a WebRTC offer for the remote negotiator: the audio
// media section goes first and the trickle ICE option is removed.
func RewriteOffer(offer string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", fmt.Errorf("parse offer: %w", err)
	}

	desc.Attributes = withoutTrickle(desc.Attributes)

	media := make([]*sdp.MediaDescription, 0, len(desc.MediaDescriptions))

	for _, md := range desc.MediaDescriptions {
		md.Attributes = withoutTrickle(md.Attributes)

		if md.MediaName.Media == "audio" {
			media = append(media, md)
		}
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			media = append(media, md)
		}
	}

	desc.MediaDescriptions = media

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode offer: %w", err)
	}

	return string(out), nil
}

func withoutTrickle(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]

	for _, a := range attrs {
		if a.Key == "ice-options" && a.Value == "trickle" {
			continue
		}

		out = append(out, a)
	}

	return out
}
