// Package stream decides between negotiating a new live stream and extending
// the current one.
package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/device"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/keyed"
	"github.com/bavix/nestbridge/internal/metrics"
)

// Transport is the negotiated stream protocol.
type Transport string

const (
	TransportRTSP   Transport = "RTSP"
	TransportWebRTC Transport = "WEB_RTC"
)

// Continuation lets a session be extended without renegotiating.
type Continuation struct {
	ExtensionToken string `json:"extension_token,omitempty"`
	MediaSessionID string `json:"media_session_id,omitempty"`
}

// Empty reports whether c carries no token.
func (c Continuation) Empty() bool {
	return c.ExtensionToken == "" && c.MediaSessionID == ""
}

// Request asks for a stream. Continuation is set to extend a session,
// OfferSDP is required to negotiate a WebRTC one.
type Request struct {
	Continuation *Continuation `json:"continuation,omitempty"`
	OfferSDP     string        `json:"offer_sdp,omitempty"`
}

// Result is what the remote returns for generate and extend calls.
type Result struct {
	URL          string
	AnswerSDP    string
	Continuation Continuation
	ExpiresAt    time.Time
}

// Descriptor is handed to the caller.
type Descriptor struct {
	DeviceID     string       `json:"device_id"`
	Transport    Transport    `json:"transport"`
	URL          string       `json:"url,omitempty"`
	AnswerSDP    string       `json:"answer_sdp,omitempty"`
	Continuation Continuation `json:"continuation"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Extended     bool         `json:"extended"`
}

// Session is the live stream state of one device.
type Session struct {
	DeviceID     string
	Transport    Transport
	URL          string
	Continuation Continuation
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// API performs the remote stream commands.
type API interface {
	Generate(ctx context.Context, deviceID string, t Transport, offerSDP string) (Result, error)
	Extend(ctx context.Context, deviceID string, t Transport, c Continuation) (Result, error)
	Stop(ctx context.Context, deviceID string, t Transport, c Continuation) error
}

// TransportsFunc lists the transports a device supports.
type TransportsFunc func(d *device.Device) []Transport

// Manager owns stream sessions. Operations for one device are serialized.
type Manager struct {
	api        API
	registry   *device.Registry
	transports TransportsFunc
	clock      clock.Clock
	log        zerolog.Logger

	locks keyed.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	chosen   map[string]Transport
}

// NewManager creates a Manager.
func NewManager(api API, registry *device.Registry, transports TransportsFunc, clk clock.Clock, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}

	return &Manager{
		api:        api,
		registry:   registry,
		transports: transports,
		clock:      clk,
		log:        log,
		sessions:   make(map[string]*Session),
		chosen:     make(map[string]Transport),
	}
}

// GetStream extends the session named by req.Continuation while it is valid,
// otherwise it negotiates a new one.
func (m *Manager) GetStream(ctx context.Context, deviceID string, req Request) (Descriptor, error) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	d, ok := m.registry.Get(deviceID)
	if !ok || d.Missing {
		return Descriptor{}, customerrors.ErrDeviceNotFoundWithID(deviceID)
	}

	t, err := m.transport(d)
	if err != nil {
		return Descriptor{}, err
	}

	log := m.log.With().Str("device_id", deviceID).Str("transport", string(t)).Logger()

	if req.Continuation != nil && !req.Continuation.Empty() {
		if s := m.matching(deviceID, *req.Continuation); s != nil {
			desc, err := m.extend(ctx, s)
			if err == nil {
				return desc, nil
			}

			log.Warn().Err(err).Msg("stream extension failed, renegotiating")
		} else {
			log.Debug().Msg("continuation expired or unknown, renegotiating")
		}

		m.drop(deviceID)
	}

	return m.generate(ctx, deviceID, t, req.OfferSDP)
}

// Stop ends the current session of the device, if any.
func (m *Manager) Stop(ctx context.Context, deviceID string) error {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := m.api.Stop(ctx, deviceID, s.Transport, s.Continuation)
	metrics.RecordStream(string(s.Transport), "stop", outcome(err))

	return err
}

// Forget drops local state of a device without any remote call.
func (m *Manager) Forget(deviceID string) {
	unlock := m.locks.Lock(deviceID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, deviceID)
	delete(m.chosen, deviceID)
}

// Session returns a copy of the current session.
func (m *Manager) Session(deviceID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[deviceID]
	if !ok {
		return Session{}, false
	}

	return *s, true
}

func (m *Manager) transport(d *device.Device) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.chosen[d.ID]; ok {
		return t, nil
	}

	if !d.Kind.HasCamera() || m.transports == nil {
		return "", customerrors.ErrStreamNotSupported
	}

	supported := m.transports(d)

	var t Transport

	switch {
	case slices.Contains(supported, TransportWebRTC):
		t = TransportWebRTC
	case slices.Contains(supported, TransportRTSP):
		t = TransportRTSP
	default:
		return "", customerrors.ErrStreamNotSupported
	}

	m.chosen[d.ID] = t

	return t, nil
}

func (m *Manager) matching(deviceID string, c Continuation) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[deviceID]
	if !ok || !m.clock.Now().Before(s.ExpiresAt) {
		return nil
	}

	if c.MediaSessionID != "" && c.MediaSessionID == s.Continuation.MediaSessionID {
		return s
	}

	if c.ExtensionToken != "" && c.ExtensionToken == s.Continuation.ExtensionToken {
		return s
	}

	return nil
}

func (m *Manager) drop(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, deviceID)
}

func (m *Manager) extend(ctx context.Context, s *Session) (Descriptor, error) {
	res, err := m.api.Extend(ctx, s.DeviceID, s.Transport, s.Continuation)
	metrics.RecordStream(string(s.Transport), "extend", outcome(err))

	if err != nil {
		return Descriptor{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if res.Continuation.ExtensionToken != "" {
		s.Continuation.ExtensionToken = res.Continuation.ExtensionToken
	}

	if res.Continuation.MediaSessionID != "" {
		s.Continuation.MediaSessionID = res.Continuation.MediaSessionID
	}

	if res.URL != "" {
		s.URL = res.URL
	}

	s.ExpiresAt = res.ExpiresAt
	m.log.Debug().Str("device_id", s.DeviceID).Time("expires_at", s.ExpiresAt).Msg("stream extended")

	return Descriptor{
		DeviceID:     s.DeviceID,
		Transport:    s.Transport,
		URL:          s.URL,
		Continuation: s.Continuation,
		ExpiresAt:    s.ExpiresAt,
		Extended:     true,
	}, nil
}

func (m *Manager) generate(ctx context.Context, deviceID string, t Transport, offer string) (Descriptor, error) {
	if t == TransportWebRTC {
		if offer == "" {
			return Descriptor{}, customerrors.ErrOfferRequired
		}

		rewritten, err := RewriteOffer(offer)
		if err != nil {
			return Descriptor{}, err
		}

		offer = rewritten
	} else {
		offer = ""
	}

	res, err := m.api.Generate(ctx, deviceID, t, offer)
	metrics.RecordStream(string(t), "generate", outcome(err))

	if err != nil {
		return Descriptor{}, err
	}

	s := &Session{
		DeviceID:     deviceID,
		Transport:    t,
		URL:          res.URL,
		Continuation: res.Continuation,
		ExpiresAt:    res.ExpiresAt,
		CreatedAt:    m.clock.Now(),
	}

	m.mu.Lock()
	m.sessions[deviceID] = s
	m.mu.Unlock()

	m.log.Info().Str("device_id", deviceID).Str("transport", string(t)).
		Time("expires_at", res.ExpiresAt).Msg("stream negotiated")

	return Descriptor{
		DeviceID:     deviceID,
		Transport:    t,
		URL:          res.URL,
		AnswerSDP:    res.AnswerSDP,
		Continuation: res.Continuation,
		ExpiresAt:    res.ExpiresAt,
	}, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
