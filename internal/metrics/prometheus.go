package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the meeting server. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFinished prometheus.Counter
	SessionDuration  prometheus.Histogram
	AudioBytes       prometheus.Counter

	// Live transcription metrics
	LiveChunksQueued  prometheus.Counter
	LiveChunksDropped prometheus.Counter
	LiveChunksSilent  prometheus.Counter
	LiveTranscription *prometheus.HistogramVec

	// Event fan-out metrics
	Observers         prometheus.Gauge
	EventsDelivered   prometheus.Counter
	BroadcastFailures prometheus.Counter

	// Analysis metrics
	AnalysisQueued   prometheus.Counter
	AnalysisRejected prometheus.Counter
	AnalysisDuration *prometheus.HistogramVec
	AnalysisStage    *prometheus.HistogramVec

	// RAG metrics
	ChunksIndexed prometheus.Counter
	Queries       *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a private registry so several servers
// (or tests) can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "meetnote_active_sessions",
			Help: "Current number of open recording sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsFinished: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_sessions_finished_total",
			Help: "Total number of recording sessions finished",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetnote_session_duration_seconds",
			Help:    "Recorded audio duration per session",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10), // 30s to ~4h
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_audio_bytes_total",
			Help: "Total PCM bytes received from clients",
		}),

		LiveChunksQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_live_chunks_queued_total",
			Help: "Audio chunks queued for live transcription",
		}),
		LiveChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_live_chunks_dropped_total",
			Help: "Audio chunks dropped because the live queue was full",
		}),
		LiveChunksSilent: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_live_chunks_silent_total",
			Help: "Audio chunks skipped by the energy gate",
		}),
		LiveTranscription: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetnote_live_transcription_seconds",
			Help:    "Latency of live chunk transcription",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"result"}),

		Observers: f.NewGauge(prometheus.GaugeOpts{
			Name: "meetnote_event_observers",
			Help: "Current number of registered event observers",
		}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_events_delivered_total",
			Help: "Events delivered to observers",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_broadcast_failures_total",
			Help: "Observers removed after a failed delivery",
		}),

		AnalysisQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_analysis_queued_total",
			Help: "Meetings queued for post-session analysis",
		}),
		AnalysisRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_analysis_rejected_total",
			Help: "Meetings rejected because the analysis queue was full",
		}),
		AnalysisDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetnote_analysis_duration_seconds",
			Help:    "End to end analysis duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"result"}),
		AnalysisStage: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetnote_analysis_stage_seconds",
			Help:    "Duration of each analysis stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),

		ChunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "meetnote_rag_chunks_indexed_total",
			Help: "Transcript chunks written to the vector store",
		}),
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetnote_rag_queries_total",
			Help: "Questions answered per outcome",
		}, []string{"outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetnote_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetnote_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) RecordSessionFinished(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsFinished.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordAudioBytes(n int) {
	if m == nil {
		return
	}
	m.AudioBytes.Add(float64(n))
}

func (m *Metrics) RecordLiveChunk(queued bool) {
	if m == nil {
		return
	}
	if queued {
		m.LiveChunksQueued.Inc()
		return
	}
	m.LiveChunksDropped.Inc()
}

func (m *Metrics) RecordSilentChunk() {
	if m == nil {
		return
	}
	m.LiveChunksSilent.Inc()
}

func (m *Metrics) RecordLiveTranscription(ok bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LiveTranscription.WithLabelValues(result(ok)).Observe(durationSeconds)
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

// RecordBroadcast records the outcome of one fan-out.
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	if m == nil {
		return
	}
	m.EventsDelivered.Add(float64(delivered))
	m.BroadcastFailures.Add(float64(failed))
}

func (m *Metrics) RecordAnalysisQueued(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.AnalysisQueued.Inc()
		return
	}
	m.AnalysisRejected.Inc()
}

func (m *Metrics) RecordAnalysis(ok bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AnalysisDuration.WithLabelValues(result(ok)).Observe(durationSeconds)
}

func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AnalysisStage.WithLabelValues(stage).Observe(durationSeconds)
}

func (m *Metrics) RecordChunksIndexed(n int) {
	if m == nil {
		return
	}
	m.ChunksIndexed.Add(float64(n))
}

func (m *Metrics) RecordQuery(outcome string) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
