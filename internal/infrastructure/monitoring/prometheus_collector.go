package monitoring

import (
	"context"
	"errors"
	"time"

	"castwave/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatsSource is the part of the session service the collector samples.
type StatsSource interface {
	Stats() domain.SessionStats
}

type PrometheusCollector struct {
	// Gauges
	connectionsOpen prometheus.Gauge
	sessionPeers    prometheus.Gauge
	transports      prometheus.Gauge
	producers       prometheus.Gauge
	consumers       prometheus.Gauge
	viewers         prometheus.Gauge

	// Counters
	connectionsTotal prometheus.Counter
	messagesTotal    *prometheus.CounterVec
	engineCallsTotal *prometheus.CounterVec

	// Histograms
	messageDuration    *prometheus.HistogramVec
	engineCallDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every castwave metric on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castwave_signal_connections",
			Help: "Number of open signaling connections",
		}),

		sessionPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castwave_session_peers",
			Help: "Number of peers known to the session registry",
		}),

		transports: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castwave_session_transports",
			Help: "Number of live WebRTC transports",
		}),

		producers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castwave_session_producers",
			Help: "Number of live producers",
		}),

		consumers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castwave_session_consumers",
			Help: "Number of live consumers",
		}),

		viewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castwave_session_viewers",
			Help: "Number of peers holding at least one consumer",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "castwave_signal_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castwave_signal_messages_total",
			Help: "Signaling messages handled, by type and result code",
		}, []string{"type", "code"}),

		engineCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castwave_engine_calls_total",
			Help: "Media engine calls, by operation and result",
		}, []string{"operation", "result"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castwave_signal_message_duration_seconds",
			Help:    "Time spent handling a signaling message",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),

		engineCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castwave_engine_call_duration_seconds",
			Help:    "Latency of media engine calls",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"operation"}),
	}
}

func (p *PrometheusCollector) PeerConnected() {
	p.connectionsOpen.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) PeerDisconnected() {
	p.connectionsOpen.Dec()
}

func (p *PrometheusCollector) ObserveMessage(msgType, code string, duration time.Duration) {
	p.messagesTotal.WithLabelValues(msgType, code).Inc()
	if duration > 0 {
		p.messageDuration.WithLabelValues(msgType).Observe(duration.Seconds())
	}
}

// ObserveEngineCall records the outcome of one media engine call.
func (p *PrometheusCollector) ObserveEngineCall(operation string, duration time.Duration, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEngineTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	p.engineCallsTotal.WithLabelValues(operation, result).Inc()
	p.engineCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *PrometheusCollector) UpdateSessionStats(stats domain.SessionStats) {
	p.sessionPeers.Set(float64(stats.Peers))
	p.transports.Set(float64(stats.Transports))
	p.producers.Set(float64(stats.Producers))
	p.consumers.Set(float64(stats.Consumers))
	p.viewers.Set(float64(stats.Viewers))
}

// Run samples source every interval until ctx is done.
func (p *PrometheusCollector) Run(ctx context.Context, source StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.UpdateSessionStats(source.Stats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.UpdateSessionStats(source.Stats())
		}
	}
}
