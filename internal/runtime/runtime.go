// Package runtime is the composition root: it loads every pipeline
// service, wires them over the bus and the record store, and runs the
// health and metrics HTTP surfaces until shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taleweave/taleweave-core/internal/assembly"
	"github.com/taleweave/taleweave-core/internal/bus"
	"github.com/taleweave/taleweave-core/internal/config"
	"github.com/taleweave/taleweave-core/internal/dispatch"
	"github.com/taleweave/taleweave-core/internal/ingest"
	"github.com/taleweave/taleweave-core/internal/natsserver"
	"github.com/taleweave/taleweave-core/internal/objectstore"
	"github.com/taleweave/taleweave-core/internal/store"
	"github.com/taleweave/taleweave-core/internal/synth"
	"github.com/taleweave/taleweave-core/internal/tts"
	"github.com/taleweave/taleweave-core/internal/worker"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	embedded      *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *store.Store
	worker        *worker.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return err
	}
	r.store = st

	storage := objectstore.New(r.cfg.Storage)
	dispatcher := dispatch.New(busClient, r.logger)

	var synthesizer tts.Synthesizer
	switch r.cfg.TTS.Mode {
	case "http":
		synthesizer = tts.NewHTTPClient(r.cfg.TTS)
	default:
		synthesizer = tts.NewMock()
	}

	intake := ingest.New(r.cfg.Segment, st, dispatcher, r.logger)
	coordinator := synth.NewCoordinator(r.cfg.Synthesis, st, storage, synthesizer, dispatcher, r.logger)
	engine := assembly.NewEngine(r.cfg.Assembly, st, storageAdapter{storage}, dispatcher, r.logger)

	r.worker = worker.NewService(ctx, busClient, intake, coordinator, engine, r.logger)
	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.worker.Close()
	r.bus.Close()
	r.embedded.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("store close error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.worker.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// storageAdapter narrows the concrete upload type to the interface the
// assembly engine consumes.
type storageAdapter struct {
	*objectstore.S3Storage
}

func (a storageAdapter) NewUpload(ctx context.Context, path, contentType string) assembly.Upload {
	return a.S3Storage.NewUpload(ctx, path, contentType)
}
