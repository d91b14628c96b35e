// Package webhook accepts Pub/Sub push deliveries of device updates.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/metrics"
	"github.com/bavix/nestbridge/internal/sdm"
)

const (
	defaultDedupeSize = 1024
	defaultDedupeTTL  = 10 * time.Minute
	maxBodyBytes      = 1 << 20
)

// Sink receives decoded resource updates.
type Sink interface {
	ApplyUpdate(ctx context.Context, update sdm.ResourceUpdate) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, update sdm.ResourceUpdate) error

func (f SinkFunc) ApplyUpdate(ctx context.Context, update sdm.ResourceUpdate) error {
	return f(ctx, update)
}

// Options configures a Handler.
type Options struct {
	RPS        float64
	Burst      int
	DedupeSize int
	DedupeTTL  time.Duration
	Logger     zerolog.Logger
}

// Handler decodes push messages and hands them to a Sink. Every delivery the
// limiter admits is acknowledged with 200, malformed ones included.
type Handler struct {
	sink    Sink
	limiter *rate.Limiter
	log     zerolog.Logger

	mu   sync.Mutex
	seen *lru.LRU[string, struct{}]
}

// New creates a Handler.
func New(sink Sink, opts Options) *Handler {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = defaultDedupeSize
	}

	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = defaultDedupeTTL
	}

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}

	return &Handler{
		sink:    sink,
		limiter: rate.NewLimiter(limit, max(opts.Burst, 1)),
		log:     opts.Logger,
		seen:    lru.NewLRU[string, struct{}](opts.DedupeSize, nil, opts.DedupeTTL),
	}
}

// Decode parses a push envelope and its base64 JSON payload.
func Decode(body []byte) (sdm.PushMessage, sdm.PushPayload, error) {
	var msg sdm.PushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, sdm.PushPayload{}, fmt.Errorf("%w: envelope: %w", customerrors.ErrMalformedWebhook, err)
	}

	if msg.Message.Data == "" {
		return msg, sdm.PushPayload{}, fmt.Errorf("%w: empty data", customerrors.ErrMalformedWebhook)
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Message.Data)
	if err != nil {
		return msg, sdm.PushPayload{}, fmt.Errorf("%w: data: %w", customerrors.ErrMalformedWebhook, err)
	}

	var payload sdm.PushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return msg, sdm.PushPayload{}, fmt.Errorf("%w: payload: %w", customerrors.ErrMalformedWebhook, err)
	}

	return msg, payload, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "too many requests", http.StatusTooManyRequests)

		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.Warn().Err(err).Msg("webhook body read failed")
		metrics.M.WebhookMalformed.Inc()
		ack(w)

		return
	}

	h.handle(r.Context(), body)
	ack(w)
}

func (h *Handler) handle(ctx context.Context, body []byte) {
	msg, payload, err := Decode(body)
	if err != nil {
		h.log.Warn().Err(err).Msg("malformed webhook payload")
		metrics.M.WebhookMalformed.Inc()

		return
	}

	if h.duplicate(msg.Message.MessageID) {
		h.log.Debug().Str("message_id", msg.Message.MessageID).Msg("duplicate webhook delivery")
		metrics.M.WebhookDuplicate.Inc()

		return
	}

	if payload.ResourceUpdate == nil || payload.ResourceUpdate.Name == "" {
		h.log.Debug().Str("event_id", payload.EventID).Msg("webhook without resource update")
		metrics.M.WebhookIgnored.Inc()

		return
	}

	err = h.sink.ApplyUpdate(ctx, *payload.ResourceUpdate)

	switch {
	case err == nil:
		metrics.M.WebhookApplied.Inc()
	case errors.Is(err, customerrors.ErrDeviceNotFound):
		h.log.Info().Str("device_id", sdm.DeviceID(payload.ResourceUpdate.Name)).Msg("webhook for unknown device")
		metrics.M.WebhookUnknownDevice.Inc()
	default:
		h.log.Error().Err(err).Str("device_id", sdm.DeviceID(payload.ResourceUpdate.Name)).Msg("webhook update failed")
	}
}

func (h *Handler) duplicate(id string) bool {
	if id == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seen.Contains(id) {
		return true
	}

	h.seen.Add(id, struct{}{})

	return false
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}
