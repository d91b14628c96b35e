//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	APIRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "sdm_api_requests_total",
			Help: "Remote device API requests (Counter). outcome=ok|unauthenticated|unavailable|error.",
		},
		[]string{"service", "method", "outcome"},
	)
	APIRequestDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "sdm_api_request_duration_seconds",
		Help:    "Remote device API request duration in seconds (Histogram).",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"service", "method"})

	TokenRefreshTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "token_refresh_total",
			Help: "Credential refresh attempts (Counter). outcome=success|error|discarded.",
		},
		[]string{"service", "outcome"},
	)
	DevicePollTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "device_poll_total",
			Help: "Device list poll requests (Counter). outcome=network|cached|error.",
		},
		[]string{"service", "outcome"},
	)
	DeviceCommandsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "device_commands_total",
			Help: "Commands sent to the remote API (Counter). Labels: family, outcome.",
		},
		[]string{"service", "family", "outcome"},
	)
	DeviceCommandsCoalesced = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "device_commands_coalesced_total",
			Help: "Local submissions merged into a pending command (Counter).",
		},
		[]string{"service"},
	)
	WebhookMessagesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "webhook_messages_total",
			Help: "Push messages received (Counter). outcome=applied|ignored|malformed|duplicate|unknown_device.",
		},
		[]string{"service", "outcome"},
	)
	TransientEventsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "transient_events_total",
			Help: "Transient device events applied (Counter). kind=motion|person|chime.",
		},
		[]string{"service", "kind"},
	)
	StreamSessionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "stream_sessions_total",
			Help: "Live stream operations (Counter). op=generate|extend|stop.",
		},
		[]string{"service", "transport", "op", "outcome"},
	)
	DevicesKnown = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "devices_known",
			Help: "Devices present in the last discovery (Gauge).",
		},
		[]string{"service"},
	)
	AdminRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Admin HTTP requests handled (Counter). Labels: service, method, route, status.",
		},
		[]string{"service", "method", "route", "status"},
	)
	WebSocketDroppedTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "websocket_clients_dropped_total",
			Help: "Websocket clients disconnected for falling behind (Counter).",
		},
		[]string{"service"},
	)
	ReadyGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "service_ready",
			Help: "Service readiness: 1=ready, 0=not ready (Gauge).",
		},
		[]string{"service"},
	)
)

var readyFlag int32 //nolint:gochecknoglobals // service ready flag

var serviceName atomic.Value //nolint:gochecknoglobals // service name // string

// SetService sets the service label value (default: nestbridge).
func SetService(name string) { serviceName.Store(name) }

func Service() string {
	if v := serviceName.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return "nestbridge"
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

var M struct { //nolint:gochecknoglobals // metrics cache
	PollNetwork prom.Counter
	PollCached  prom.Counter
	PollError   prom.Counter

	TokenRefreshSuccess   prom.Counter
	TokenRefreshError     prom.Counter
	TokenRefreshDiscarded prom.Counter

	WebhookApplied       prom.Counter
	WebhookIgnored       prom.Counter
	WebhookMalformed     prom.Counter
	WebhookDuplicate     prom.Counter
	WebhookUnknownDevice prom.Counter

	CommandsCoalesced prom.Counter
	DevicesKnown      prom.Gauge

	WebSocketDropped prom.Counter
}

func BindService() {
	s := Service()
	M.PollNetwork = DevicePollTotal.WithLabelValues(s, "network")
	M.PollCached = DevicePollTotal.WithLabelValues(s, "cached")
	M.PollError = DevicePollTotal.WithLabelValues(s, "error")

	M.TokenRefreshSuccess = TokenRefreshTotal.WithLabelValues(s, "success")
	M.TokenRefreshError = TokenRefreshTotal.WithLabelValues(s, "error")
	M.TokenRefreshDiscarded = TokenRefreshTotal.WithLabelValues(s, "discarded")

	M.WebhookApplied = WebhookMessagesTotal.WithLabelValues(s, "applied")
	M.WebhookIgnored = WebhookMessagesTotal.WithLabelValues(s, "ignored")
	M.WebhookMalformed = WebhookMessagesTotal.WithLabelValues(s, "malformed")
	M.WebhookDuplicate = WebhookMessagesTotal.WithLabelValues(s, "duplicate")
	M.WebhookUnknownDevice = WebhookMessagesTotal.WithLabelValues(s, "unknown_device")

	M.CommandsCoalesced = DeviceCommandsCoalesced.WithLabelValues(s)
	M.DevicesKnown = DevicesKnown.WithLabelValues(s)

	M.WebSocketDropped = WebSocketDroppedTotal.WithLabelValues(s)
}

func init() { //nolint:gochecknoinits // bind default label so packages never see nil counters
	BindService()
}

// RecordAPI counts a remote API request and observes its duration.
func RecordAPI(method, outcome string, sec float64) {
	s := Service()
	APIRequestsTotal.WithLabelValues(s, method, outcome).Inc()
	APIRequestDuration.WithLabelValues(s, method).Observe(sec)
}

// RecordCommand counts a command family flush outcome.
func RecordCommand(family, outcome string) {
	DeviceCommandsTotal.WithLabelValues(Service(), family, outcome).Inc()
}

// RecordEvent counts an applied transient event.
func RecordEvent(kind string) {
	TransientEventsTotal.WithLabelValues(Service(), kind).Inc()
}

// RecordStream counts a stream session operation.
func RecordStream(transport, op, outcome string) {
	if transport == "" {
		transport = "unknown"
	}

	StreamSessionsTotal.WithLabelValues(Service(), transport, op, outcome).Inc()
}

// RecordHTTP increments admin HTTP requests with OTEL-style labels.
func RecordHTTP(method, route string, status int) {
	AdminRequestsTotal.WithLabelValues(Service(), method, route, strconv.Itoa(status)).Inc()
}

// SetReady sets readiness and updates the gauge.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.WithLabelValues(Service()).Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.WithLabelValues(Service()).Set(0)
	}
}

// IsReady returns current readiness flag.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }

// Stats represents a lightweight analytics snapshot for the admin API.
type Stats struct {
	APIRequestsTotal     float64 `json:"api_requests_total"`
	APIErrorsTotal       float64 `json:"api_errors_total"`
	APIRequestAvgSeconds float64 `json:"api_request_avg_seconds"`
	PollNetworkTotal     float64 `json:"poll_network_total"`
	PollCachedTotal      float64 `json:"poll_cached_total"`
	CommandsTotal        float64 `json:"commands_total"`
	CommandsCoalesced    float64 `json:"commands_coalesced_total"`
	WebhookMessages      float64 `json:"webhook_messages_total"`
	TransientEvents      float64 `json:"transient_events_total"`
	DevicesKnown         float64 `json:"devices_known"`
	ServiceReady         float64 `json:"service_ready"`
	PollCacheHitRate     float64 `json:"poll_cache_hit_rate"`
}

// GatherStats collects basic stats from the default registry for a given service label.
//
//nolint:gocyclo // Complex metric gathering logic with many conditional branches
func GatherStats(service string) (Stats, error) { //nolint:gocognit,cyclop,funlen
	mfs, err := prom.DefaultGatherer.Gather()
	if err != nil {
		return Stats{}, err
	}

	var (
		s                Stats
		reqSum, reqCount float64
	)

	withService := func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "service" && lp.GetValue() == service {
				return true
			}
		}

		return false
	}

	label := func(m *dto.Metric, name string) string {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name {
				return lp.GetValue()
			}
		}

		return ""
	}

	for _, mf := range mfs {
		switch mf.GetName() {
		case "sdm_api_requests_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					v := m.GetCounter().GetValue()
					s.APIRequestsTotal += v

					if label(m, "outcome") != "ok" {
						s.APIErrorsTotal += v
					}
				}
			}
		case "sdm_api_request_duration_seconds":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					h := m.GetHistogram()
					reqSum += h.GetSampleSum()
					reqCount += float64(h.GetSampleCount())
				}
			}
		case "device_poll_total":
			for _, m := range mf.GetMetric() {
				if !withService(m) {
					continue
				}

				switch label(m, "outcome") {
				case "network":
					s.PollNetworkTotal += m.GetCounter().GetValue()
				case "cached":
					s.PollCachedTotal += m.GetCounter().GetValue()
				}
			}
		case "device_commands_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.CommandsTotal += m.GetCounter().GetValue()
				}
			}
		case "device_commands_coalesced_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.CommandsCoalesced += m.GetCounter().GetValue()
				}
			}
		case "webhook_messages_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.WebhookMessages += m.GetCounter().GetValue()
				}
			}
		case "transient_events_total":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.TransientEvents += m.GetCounter().GetValue()
				}
			}
		case "devices_known":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.DevicesKnown = m.GetGauge().GetValue()
				}
			}
		case "service_ready":
			for _, m := range mf.GetMetric() {
				if withService(m) {
					s.ServiceReady = m.GetGauge().GetValue()
				}
			}
		}
	}

	if reqCount > 0 {
		s.APIRequestAvgSeconds = reqSum / reqCount
	}

	if total := s.PollNetworkTotal + s.PollCachedTotal; total > 0 {
		s.PollCacheHitRate = s.PollCachedTotal / total
	}

	return s, nil
}
