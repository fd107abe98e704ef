// Package control serves the tagscan REST API: writer status, the transfer
// ledger and HTTP read ingestion.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dronescan/tagscan/pkg/ingest"
	"github.com/dronescan/tagscan/pkg/ledger"
	"github.com/dronescan/tagscan/pkg/writer"
)

// ServerConfig configures the control server.
type ServerConfig struct {
	RESTAddr string
	RunID    string
}

// StatusProvider reports the writer's state.
type StatusProvider interface {
	Status() writer.Status
}

// TransferIndex lists rotated files.
type TransferIndex interface {
	List(limit int) ([]ledger.Entry, error)
	Get(name string) (ledger.Entry, error)
}

// Server is the control API server.
type Server struct {
	cfg       ServerConfig
	status    StatusProvider
	listener  ingest.Listener
	transfers TransferIndex
	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer creates a control server. transfers may be nil when the ledger
// is disabled; the transfer routes then answer 503.
func NewServer(cfg ServerConfig, status StatusProvider, listener ingest.Listener, transfers TransferIndex) *Server {
	if cfg.RESTAddr == "" {
		cfg.RESTAddr = ":8080"
	}
	return &Server{
		cfg:       cfg,
		status:    status,
		listener:  listener,
		transfers: transfers,
		startedAt: timeNow(),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)
	return mux
}

// Run serves the API. It blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.RESTAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control API listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("control API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// timeNow is a variable for testing.
var timeNow = time.Now
