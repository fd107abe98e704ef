// Command tagscan ingests RFID tag reads and writes them to rotating CSV
// files, moving each finished file into <data_dir>/transfer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dronescan/tagscan/pkg/config"
	"github.com/dronescan/tagscan/pkg/control"
	"github.com/dronescan/tagscan/pkg/ingest"
	"github.com/dronescan/tagscan/pkg/ledger"
	"github.com/dronescan/tagscan/pkg/metrics"
	"github.com/dronescan/tagscan/pkg/queue"
	"github.com/dronescan/tagscan/pkg/source"
	"github.com/dronescan/tagscan/pkg/tag"
	"github.com/dronescan/tagscan/pkg/writer"
)

func main() {
	configPath := flag.String("config", "/etc/tagscan/config.yaml", "Path to config file (.yaml or legacy .properties)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	duration := flag.Duration("duration", -1, "Stop after this long (overrides reader.duration; 0 runs until signalled)")
	simulate := flag.Bool("simulate", false, "Enable the simulated read source")
	flag.Parse()

	cfg, found, err := config.LoadOptional(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.Ledger.Path = ""
	}
	if *duration >= 0 {
		cfg.Reader.Duration = *duration
	}
	if *simulate {
		cfg.Sources.Simulate.Enabled = true
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg, os.Stderr)
	if !found {
		slog.Info("config file not found, using defaults", "path", *configPath)
	}

	if err := run(cfg); err != nil {
		slog.Error("tagscan stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("tagscan stopped cleanly")
}

func setupLogging(cfg *config.Config, w io.Writer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// run wires the pipeline and blocks until shutdown. It returns the writer's
// fatal error, if any.
func run(cfg *config.Config) error {
	runID := uuid.NewString()
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	q := queue.New[tag.Read]()
	handler := ingest.NewHandler(q)

	// ── Transfer ledger ───────────────────────────────────────────
	var led *ledger.Ledger
	var opts []writer.Option
	if cfg.Ledger.Enabled {
		led, err = ledger.Open(cfg.Ledger.Path, runID)
		if err != nil {
			return err
		}
		defer func() {
			if err := led.Close(); err != nil {
				slog.Error("failed to close ledger", "error", err)
			}
		}()
		opts = append(opts, writer.WithObserver(led))
	}

	// ── Writer ────────────────────────────────────────────────────
	w, err := writer.New(writer.Config{
		DataDir:        cfg.DataDir,
		MaxTagsPerFile: cfg.Rotation.MaxTagsPerFile,
		MaxTimePerFile: cfg.Rotation.MaxTimePerFile,
		Location:       loc,
	}, q, opts...)
	if err != nil {
		return err
	}

	metrics.RegisterHealthCheck("writer", w.Healthy)
	metrics.RegisterHealthCheck("data_dir", metrics.DirHealthCheck(cfg.DataDir))
	metrics.RegisterHealthCheck("transfer_dir", metrics.DirHealthCheck(w.TransferDir()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if cfg.Reader.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Reader.Duration)
		defer cancel()
		slog.Info("reading for a fixed duration", "duration", cfg.Reader.Duration)
	}

	slog.Info("starting tagscan",
		"run_id", runID,
		"data_dir", cfg.DataDir,
		"reader_host", cfg.Reader.Host,
		"antennas", cfg.Reader.Antennas,
		"session", cfg.Reader.Session)

	// Services stop when the writer does.
	svcCtx, svcCancel := context.WithCancel(ctx)
	defer svcCancel()
	g, gctx := errgroup.WithContext(svcCtx)

	if cfg.Metrics.MetricsEnabled() {
		g.Go(func() error {
			slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
			if err := metrics.MetricsServer(gctx, cfg.Metrics.Addr); err != nil {
				slog.Error("metrics server error", "error", err)
			}
			return nil
		})
	}

	if cfg.Control.Enabled {
		var idx control.TransferIndex
		if led != nil {
			idx = led
		}
		srv := control.NewServer(control.ServerConfig{RESTAddr: cfg.Control.RESTAddr, RunID: runID}, w, handler, idx)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				slog.Error("control API error", "error", err)
			}
			return nil
		})
	}

	if led != nil {
		g.Go(func() error {
			return led.RunMaintenance(gctx, cfg.Ledger.GCSchedule, cfg.Ledger.Retention)
		})
	}

	for _, src := range sources(cfg, handler) {
		g.Go(func() error {
			if err := src.Run(gctx); err != nil {
				handler.OnReadError(src.Name(), err)
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			return nil
		})
	}

	writerErr := make(chan error, 1)
	go func() { writerErr <- w.Run(ctx) }()

	var werr error
	select {
	case werr = <-writerErr:
	case <-gctx.Done():
		// A source failed or shutdown began: stop the writer as well.
		stop()
		werr = <-writerErr
	}
	svcCancel()
	gerr := g.Wait()

	if discarded := q.Close(); discarded > 0 {
		slog.Info("discarded queued reads at shutdown", "count", discarded)
	}
	if werr != nil {
		return werr
	}
	if gerr != nil && !errors.Is(gerr, context.Canceled) {
		return gerr
	}
	return nil
}

func sources(cfg *config.Config, l ingest.Listener) []source.Source {
	var out []source.Source
	if cfg.Sources.TCP.Enabled {
		out = append(out, source.NewTCPSource(cfg.Sources.TCP.Addr, l))
	}
	if cfg.Sources.Simulate.Enabled {
		sim, err := source.NewSimulatedSource(source.SimulateConfig{
			Rate:     cfg.Sources.Simulate.Rate,
			Tags:     cfg.Sources.Simulate.Tags,
			Antennas: cfg.Reader.Antennas,
			Session:  cfg.Reader.Session,
		}, l)
		if err != nil {
			slog.Error("simulated source disabled", "error", err)
		} else {
			out = append(out, sim)
		}
	}
	if len(out) == 0 {
		slog.Warn("no read sources enabled; reads arrive only through the control API")
	}
	return out
}
