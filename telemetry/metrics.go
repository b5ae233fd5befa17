// Package telemetry holds the client's Prometheus metrics and OpenTelemetry
// tracing setup, along with correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionEvents      *prometheus.CounterVec // source, kind
	SessionErrors      *prometheus.CounterVec // class
	ChannelMessages    *prometheus.CounterVec // channel
	ChannelMalformed   *prometheus.CounterVec // channel
	ChatSendsDropped   *prometheus.CounterVec // reason
	FederatedRefreshes *prometheus.CounterVec // result

	// Histograms (seconds)
	APIRequestDuration *prometheus.HistogramVec // endpoint

	// Gauges
	SessionLoading  prometheus.Gauge
	ProvenanceGauge *prometheus.GaugeVec // provenance; 1 for the active one
	ChannelState    *prometheus.GaugeVec // channel, state; 1 for the current one
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "session_events_total", Help: "Session reconciliation events applied, by source and kind"}, []string{"source", "kind"})
		SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "session_errors_total", Help: "Session errors by taxonomy class"}, []string{"class"})
		ChannelMessages = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_channel_messages_total", Help: "Decoded inbound live channel messages"}, []string{"channel"})
		ChannelMalformed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_channel_malformed_total", Help: "Inbound frames dropped because they failed to decode"}, []string{"channel"})
		ChatSendsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_sends_dropped_total", Help: "Outbound chat messages dropped before reaching the wire"}, []string{"reason"})
		FederatedRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "federated_refreshes_total", Help: "Federated session refresh attempts by result"}, []string{"result"})
		APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "api_request_duration_seconds", Help: "First-party and provider API request duration seconds", Buckets: prometheus.DefBuckets}, []string{"endpoint"})
		SessionLoading = promauto.NewGauge(prometheus.GaugeOpts{Name: "session_loading", Help: "1 until both identity sources finished their first pass"})
		ProvenanceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "session_provenance", Help: "Identity source currently backing the session (1=active)"}, []string{"provenance"})
		ChannelState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "live_channel_state", Help: "Connection state per live channel (1=current)"}, []string{"channel", "state"})
	})
}

// SetProvenance marks p as the only active provenance.
func SetProvenance(p string) {
	if ProvenanceGauge == nil {
		return
	}
	for _, name := range []string{"none", "first_party", "federated"} {
		v := 0.0
		if name == p {
			v = 1
		}
		ProvenanceGauge.WithLabelValues(name).Set(v)
	}
}

// SetLoading records the session loading flag.
func SetLoading(loading bool) {
	if SessionLoading == nil {
		return
	}
	if loading {
		SessionLoading.Set(1)
	} else {
		SessionLoading.Set(0)
	}
}

// SetChannelState marks state as the current one for channel.
func SetChannelState(channel, state string) {
	if ChannelState == nil {
		return
	}
	for _, s := range []string{"connecting", "open", "closed", "errored"} {
		v := 0.0
		if s == state {
			v = 1
		}
		ChannelState.WithLabelValues(channel, s).Set(v)
	}
}

// Inc increments vec for labels when metrics are initialized.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// ObserveAPI returns the histogram observer for an endpoint, or nil before Init.
func ObserveAPI(endpoint string) prometheus.Observer {
	if APIRequestDuration == nil {
		return nil
	}
	return APIRequestDuration.WithLabelValues(endpoint)
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
