package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	ReadsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagscan_reads_enqueued_total",
		Help: "Tag reads accepted into the write queue",
	})
	ReadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagscan_reads_dropped_total",
		Help: "Tag reads lost before reaching the write queue",
	}, []string{"reason"})
	ReaderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagscan_reader_errors_total",
		Help: "Read exceptions reported by a source",
	}, []string{"source"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagscan_queue_depth",
		Help: "Reads waiting to be written",
	})

	// Writer metrics
	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagscan_records_written_total",
		Help: "CSV records appended to the active file",
	})
	ActiveFileRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tagscan_active_file_records",
		Help: "Records in the active file since it was opened",
	})
	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagscan_rotations_total",
		Help: "Files moved to the transfer directory, by trigger",
	}, []string{"reason"})
	RotationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tagscan_rotation_duration_seconds",
		Help:    "Time to sync, close and relocate the active file",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	})
	WriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagscan_write_errors_total",
		Help: "Fatal writer I/O errors by operation",
	}, []string{"op"})

	// Ledger metrics
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tagscan_ledger_writes_total",
		Help: "Transfer ledger writes",
	}, []string{"status"})
	LedgerPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tagscan_ledger_pruned_total",
		Help: "Transfer ledger entries removed by retention",
	})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	ReadsDropped.WithLabelValues("queue_closed")
	ReadsDropped.WithLabelValues("invalid")
	ReaderErrors.WithLabelValues("tcp")
	Rotations.WithLabelValues("count")
	Rotations.WithLabelValues("time")
	Rotations.WithLabelValues("idle")
	WriteErrors.WithLabelValues("write")
	LedgerEntries.WithLabelValues("success")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// DirHealthCheck returns a check that fails when dir is missing or is not
// a directory.
func DirHealthCheck(dir string) func() error {
	return func() error {
		fi, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until ctx is cancelled, then shuts down gracefully.
func MetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
