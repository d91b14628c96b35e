package bridge

import (
	"context"
	"time"

	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/stream"
)

// Image is a still picture of a camera event.
type Image struct {
	Data        []byte
	ContentType string
	EventID     string
	TakenAt     time.Time
}

// GetStream negotiates or extends a live stream.
func (b *Bridge) GetStream(ctx context.Context, id string, req stream.Request) (stream.Descriptor, error) {
	return b.streams.GetStream(ctx, id, req)
}

// StopStream ends the live stream of a device.
func (b *Bridge) StopStream(ctx context.Context, id string) error {
	return b.streams.Stop(ctx, id)
}

// TakePicture returns the image of the latest event still inside its media
// window, falling back to the last image fetched for the device.
func (b *Bridge) TakePicture(ctx context.Context, id string) (Image, error) {
	d, ok := b.registry.Get(id)
	if !ok || d.Missing {
		return Image{}, customerrors.ErrDeviceNotFoundWithID(id)
	}

	if !d.Kind.HasCamera() {
		return Image{}, customerrors.ErrNoSnapshot
	}

	if eventID, ok := b.states.LatestEventID(id); ok {
		img, err := b.eventImage(ctx, d, eventID)
		if err == nil {
			return img, nil
		}

		b.log.Warn().Err(err).Str("device_id", id).Str("event_id", eventID).Msg("event image unavailable")
	}

	b.imgMu.Lock()
	defer b.imgMu.Unlock()

	if img, ok := b.lastImages[id]; ok {
		return img, nil
	}

	return Image{}, customerrors.ErrNoSnapshot
}

func (b *Bridge) eventImage(ctx context.Context, d *device.Device, eventID string) (Image, error) {
	key := d.ID + "/" + eventID

	if img, ok := b.images.Get(key); ok {
		return img, nil
	}

	res, err := b.client.GenerateImage(ctx, d.ID, eventID)
	if err != nil {
		return Image{}, err
	}

	data, contentType, err := b.client.FetchImage(ctx, res)
	if err != nil {
		return Image{}, err
	}

	img := Image{Data: data, ContentType: contentType, EventID: eventID, TakenAt: b.clock.Now()}
	b.images.Add(key, img)

	b.imgMu.Lock()
	b.lastImages[d.ID] = img
	b.imgMu.Unlock()

	return img, nil
}
