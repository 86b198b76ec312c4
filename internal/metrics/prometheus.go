// Package metrics exposes Prometheus instrumentation for call streams.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the call service. A nil
// *Metrics is valid and records nothing, which keeps tests free of wiring.
type Metrics struct {
	registry *prometheus.Registry

	// Stream metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	HeartbeatsFailed prometheus.Counter

	// VAD / dispatch metrics
	Utterances        prometheus.Counter
	UtterancesDropped *prometheus.CounterVec
	DispatchOutcomes  *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec

	// Playback metrics
	PlaybackBytes     prometheus.Counter
	PlaybackAbandoned prometheus.Counter

	// Analysis metrics
	AnalysisRuns *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicecall_active_sessions",
			Help: "Current number of live call stream sessions",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_sessions_opened_total",
			Help: "Total number of stream sessions opened",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_sessions_closed_total",
			Help: "Total number of stream sessions closed, by reason",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecall_session_duration_seconds",
			Help:    "Duration of stream sessions",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		HeartbeatsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_heartbeats_failed_total",
			Help: "Heartbeats that could not be sent",
		}),
		Utterances: f.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_utterances_total",
			Help: "Utterances detected by the VAD",
		}),
		UtterancesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_utterances_dropped_total",
			Help: "Utterances not dispatched, by reason",
		}, []string{"reason"}),
		DispatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_dispatch_outcomes_total",
			Help: "Utterance processing outcomes",
		}, []string{"outcome"}),
		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicecall_provider_call_duration_seconds",
			Help:    "Latency of transcription, generation and synthesis calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		PlaybackBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_playback_bytes_total",
			Help: "Synthesized audio bytes written to calls",
		}),
		PlaybackAbandoned: f.NewCounter(prometheus.CounterOpts{
			Name: "voicecall_playback_abandoned_total",
			Help: "Payloads replaced before they finished playing",
		}),
		AnalysisRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecall_analysis_runs_total",
			Help: "Call analysis runs, by kind and result",
		}, []string{"kind", "result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.HeartbeatsFailed.Inc()
}

func (m *Metrics) UtteranceDetected() {
	if m == nil {
		return
	}
	m.Utterances.Inc()
}

func (m *Metrics) UtteranceDropped(reason string) {
	if m == nil {
		return
	}
	m.UtterancesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveProvider records the latency of one provider call started at start.
func (m *Metrics) ObserveProvider(op string, start time.Time) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) PlaybackSent(n int) {
	if m == nil {
		return
	}
	m.PlaybackBytes.Add(float64(n))
}

func (m *Metrics) PlaybackReplaced() {
	if m == nil {
		return
	}
	m.PlaybackAbandoned.Inc()
}

func (m *Metrics) Analysis(kind, result string) {
	if m == nil {
		return
	}
	m.AnalysisRuns.WithLabelValues(kind, result).Inc()
}
