package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"playlog/internal/core"
)

// PollTrigger runs one poll tick on demand, serialized with the scheduled
// loop.
type PollTrigger interface {
	PollNow(ctx context.Context) error
}

// ReconcileTrigger runs one reconciliation pass on demand.
type ReconcileTrigger interface {
	ReconcileNow(ctx context.Context) error
}

// MetadataTrigger runs a full metadata sweep on demand.
type MetadataTrigger interface {
	SyncAllMissing(ctx context.Context) (core.SyncReport, error)
}

// NowPlayingReader reads the cached now-playing view.
type NowPlayingReader interface {
	GetNowPlaying(ctx context.Context) (*core.NowPlaying, error)
}

// Server exposes the ops surface: health, metrics and the manual triggers.
type Server struct {
	config *core.ServerConfig
	logger *zap.Logger
	server *http.Server
}

type Metrics struct {
	PollsTotal          *prometheus.CounterVec
	ListensTotal        *prometheus.CounterVec
	StoreErrorsTotal    *prometheus.CounterVec
	ReconcileRunsTotal  prometheus.Counter
	ReconcileInserted   prometheus.Counter
	ReconcileSkipped    prometheus.Counter
	MetadataSyncedTotal *prometheus.CounterVec
	PollInterval        prometheus.Gauge
}

// NewMetrics builds and registers the Prometheus collectors. The returned
// Metrics implements core.Metrics and is shared by the workers and the
// server.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playlog_polls_total",
				Help: "Total number of poll ticks by outcome",
			},
			[]string{"status"},
		),
		ListensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playlog_listens_total",
				Help: "Total number of recorded listens by ingestion path",
			},
			[]string{"source"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playlog_store_errors_total",
				Help: "Total number of failed aggregate store writes",
			},
			[]string{"op"},
		),
		ReconcileRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "playlog_reconcile_runs_total",
				Help: "Total number of successful reconciliation passes",
			},
		),
		ReconcileInserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "playlog_reconcile_inserted_total",
				Help: "Total plays backfilled by the reconciler",
			},
		),
		ReconcileSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "playlog_reconcile_skipped_total",
				Help: "Total plays the reconciler found already recorded",
			},
		),
		MetadataSyncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playlog_metadata_synced_total",
				Help: "Total synced metadata documents by kind",
			},
			[]string{"kind"},
		),
		PollInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "playlog_poll_interval_seconds",
				Help: "Interval chosen for the next scheduled poll tick",
			},
		),
	}

	prometheus.MustRegister(
		metrics.PollsTotal,
		metrics.ListensTotal,
		metrics.StoreErrorsTotal,
		metrics.ReconcileRunsTotal,
		metrics.ReconcileInserted,
		metrics.ReconcileSkipped,
		metrics.MetadataSyncedTotal,
		metrics.PollInterval,
	)

	return metrics
}

func NewServer(
	config *core.ServerConfig,
	logger *zap.Logger,
	poller PollTrigger,
	reconciler ReconcileTrigger,
	metadata MetadataTrigger,
	nowPlaying NowPlayingReader,
) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "playlog"})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "playlog"})
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/poll", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := poller.PollNow(r.Context()); err != nil {
			logger.Warn("Manual poll failed", zap.Error(err))
			writeJSON(w, errorStatus(err), map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := reconciler.ReconcileNow(r.Context()); err != nil {
			logger.Warn("Manual reconciliation failed", zap.Error(err))
			writeJSON(w, errorStatus(err), map[string]string{"status": "error", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/sync-metadata", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := metadata.SyncAllMissing(r.Context())
		if err != nil {
			// Partial success still carries counts.
			logger.Warn("Metadata sweep finished with errors", zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"status": "partial", "report": report, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": report})
	})

	mux.HandleFunc("/api/now-playing", func(w http.ResponseWriter, r *http.Request) {
		np, err := nowPlaying.GetNowPlaying(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		if np == nil {
			writeJSON(w, http.StatusOK, map[string]any{"is_playing": false})
			return
		}
		writeJSON(w, http.StatusOK, np)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		config: config,
		logger: logger,
		server: server,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// core.Metrics implementation.

func (m *Metrics) PollCompleted(status string) {
	m.PollsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ListenRecorded(source string) {
	m.ListensTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) StoreError(op string) {
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) ReconcileCompleted(inserted, skipped int) {
	m.ReconcileRunsTotal.Inc()
	m.ReconcileInserted.Add(float64(inserted))
	m.ReconcileSkipped.Add(float64(skipped))
}

func (m *Metrics) MetadataSynced(kind string, count int) {
	m.MetadataSyncedTotal.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) ObservePollInterval(d time.Duration) {
	m.PollInterval.Set(d.Seconds())
}

// errorStatus maps an upstream fetch failure to 502 and everything else,
// store writes included, to 500.
func errorStatus(err error) int {
	if core.IsTransientFetch(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
