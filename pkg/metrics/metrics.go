// Package metrics exposes the collector's Prometheus instrumentation.
// When disabled, all recorder methods are nil-safe no-ops so the hot
// path carries zero overhead.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velotrace/collector/internal/logger"
)

// Recorder holds the ingestion counters. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	sessionsOpened   prometheus.Counter
	sessionsResumed  prometheus.Counter
	uploadsCompleted *prometheus.CounterVec
	uploadsRejected  *prometheus.CounterVec
	chunksReceived   prometheus.Counter
	bytesReceived    prometheus.Counter
	janitorRemovals  prometheus.Counter
	activeSessions   prometheus.Gauge
}

// NewRecorder builds a recorder with its own registry, including the
// standard Go and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Recorder{
		registry: reg,
		sessionsOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "collector_sessions_opened_total",
			Help: "Upload sessions opened by accepted pre-requests",
		}),
		sessionsResumed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "collector_sessions_resumed_total",
			Help: "Status requests answered for existing sessions",
		}),
		uploadsCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "collector_uploads_completed_total",
			Help: "Uploads finalized into the storage backend, by file type",
		}, []string{"type"}),
		uploadsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "collector_uploads_rejected_total",
			Help: "Uploads refused, by reason",
		}, []string{"reason"}),
		chunksReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "collector_chunks_received_total",
			Help: "Chunk requests accepted into temp storage",
		}),
		bytesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "collector_bytes_received_total",
			Help: "Payload bytes appended to temp storage",
		}),
		janitorRemovals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "collector_janitor_removals_total",
			Help: "Stale uploads removed by the periodic cleaner",
		}),
		activeSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "collector_active_sessions",
			Help: "Upload sessions currently tracked in memory",
		}),
	}
}

func (r *Recorder) SessionOpened() {
	if r != nil {
		r.sessionsOpened.Inc()
	}
}

func (r *Recorder) SessionResumed() {
	if r != nil {
		r.sessionsResumed.Inc()
	}
}

func (r *Recorder) UploadCompleted(fileType string) {
	if r != nil {
		r.uploadsCompleted.WithLabelValues(fileType).Inc()
	}
}

// UploadRejected counts a refusal. Reasons are a small fixed set
// ("invalid_metadata", "duplicate", "too_large", "conflict").
func (r *Recorder) UploadRejected(reason string) {
	if r != nil {
		r.uploadsRejected.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) ChunkReceived(bytes int64) {
	if r != nil {
		r.chunksReceived.Inc()
		r.bytesReceived.Add(float64(bytes))
	}
}

func (r *Recorder) JanitorRemoval() {
	if r != nil {
		r.janitorRemovals.Inc()
	}
}

func (r *Recorder) SetActiveSessions(n int) {
	if r != nil {
		r.activeSessions.Set(float64(n))
	}
}

// Server wraps the /metrics HTTP listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the exposition server on the given port.
func (r *Recorder) NewServer(port uint16) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() {
	go func() {
		logger.Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the exposition server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
