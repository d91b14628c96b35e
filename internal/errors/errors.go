package errors

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrConfigCannotBeNil = errors.New("config cannot be nil")

	// ErrUnauthenticated means no credential is stored; the user has to log in.
	ErrUnauthenticated = errors.New("missing token, please log in")
	// ErrAuthRefreshFailed means the refresh call failed. The previous token is kept.
	ErrAuthRefreshFailed = errors.New("token refresh failed")
	// ErrRemoteUnavailable covers transport failures, throttling and 5xx responses.
	ErrRemoteUnavailable = errors.New("remote api unavailable")
	// ErrUnsupportedChallenge is returned for authentication challenges other than Bearer.
	ErrUnsupportedChallenge = errors.New("unsupported authentication challenge")
	// ErrMalformedWebhook is returned when a push payload cannot be decoded.
	ErrMalformedWebhook = errors.New("malformed webhook payload")

	ErrDeviceNotFound     = errors.New("device not found")
	ErrCommandSuperseded  = errors.New("command superseded by a later command")
	ErrOfferRequired      = errors.New("stream negotiation requires an offer")
	ErrStreamNotSupported = errors.New("device does not support live streams")
	ErrNoSnapshot         = errors.New("no snapshot available")
	ErrProjectIDMissing   = errors.New("enter a valid project id")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrKeyNotFound        = errors.New("key not found")
	ErrSealedValueInvalid = errors.New("sealed value cannot be opened")
)

// ErrDeviceNotFoundWithID returns an error for device not found with ID.
func ErrDeviceNotFoundWithID(deviceID string) error {
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}
