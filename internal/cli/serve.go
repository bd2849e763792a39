package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/plan2mesh/internal/controller"
	"github.com/ChuLiYu/plan2mesh/internal/crops"
	"github.com/ChuLiYu/plan2mesh/internal/dataset"
	"github.com/ChuLiYu/plan2mesh/internal/httpapi"
	"github.com/ChuLiYu/plan2mesh/internal/metrics"
	"github.com/ChuLiYu/plan2mesh/internal/pipeline"
	"github.com/ChuLiYu/plan2mesh/internal/server"
	"github.com/ChuLiYu/plan2mesh/internal/storage"
	"github.com/ChuLiYu/plan2mesh/internal/texture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

const shutdownTimeout = 15 * time.Second

// stack 是 serve 命令組裝出的完整元件
type stack struct {
	ctrl    *controller.Controller
	metrics *metrics.Collector
	layout  *storage.Layout
	api     *httpapi.API
}

// buildStack wires the processor, controller and HTTP API from cfg.
// The controller is created but not started.
func buildStack(cfg *Config) (*stack, error) {
	layout, err := storage.NewLayout(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(nil)

	source := dataset.NewFSSource(cfg.Dataset.Root)
	for name, ok := range source.Check() {
		if !ok {
			logger().Warn("reference data missing", "component", name, "root", cfg.Dataset.Root)
		}
	}

	var device texture.Device = texture.NoDevice{}
	if cfg.Texture.GPU {
		device = texture.ProbeDevice()
	}
	var loader texture.ModelLoader
	if cfg.Texture.ModelPath != "" {
		loader = texture.CheckpointLoader{Path: cfg.Texture.ModelPath, WorkSize: cfg.Texture.WorkSize}
	}
	synth := texture.New(texture.Config{
		Device:      device,
		Loader:      loader,
		TargetSize:  cfg.Texture.TargetSize,
		MaxGPUCrops: cfg.Texture.MaxGPUCrops,
		Observe: func(surface types.Surface, method texture.Method) {
			collector.RecordSynthesis(surface, string(method))
		},
	})
	logger().Info("texture synthesis configured", "device", synth.DeviceName(), "checkpoint", cfg.Texture.ModelPath)

	processor := &pipeline.Processor{
		Source:      source,
		Crops:       crops.NewCollector(crops.FSStore{Root: cfg.Dataset.Root}, cfg.Dataset.MaxCrops),
		Synthesizer: synth,
	}

	ctrl, err := controller.NewController(controller.Config{
		WorkerCount:      cfg.Worker.WorkerCount,
		TaskTimeout:      cfg.Worker.TaskTimeout,
		QueueSize:        cfg.Worker.QueueSize,
		SnapshotInterval: cfg.Journal.SnapshotInterval,
		SnapshotBackups:  cfg.Journal.SnapshotBackups,
		WALPath:          cfg.Journal.WALPath,
		SnapshotPath:     cfg.Journal.SnapshotPath,
		SyncJournal:      cfg.Journal.Sync,
		Retention:        time.Duration(cfg.Storage.CleanupHours) * time.Hour,
		Seed:             cfg.Worker.Seed,
	}, controller.Deps{
		Processor: processor,
		Layout:    layout,
		Metrics:   collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	api := &httpapi.API{
		Jobs:    ctrl,
		Layout:  layout,
		Limits:  httpapi.Limits{MaxPhotos: cfg.Limits.MaxPhotos, MaxFileBytes: cfg.Limits.MaxFileBytes},
		Version: Version,
	}
	if cfg.Metrics.Enabled {
		api.Metrics = collector.Handler()
	}
	return &stack{ctrl: ctrl, metrics: collector, layout: layout, api: api}, nil
}

// runServe starts the controller, HTTP and gRPC servers and blocks until ctx
// is cancelled or SIGINT/SIGTERM arrives, then shuts everything down.
func runServe(ctx context.Context, cfg *Config) error {
	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	if err := st.ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer st.ctrl.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpapi.NewRouter(st.api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger().Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			logger().Info("gRPC server listening", "addr", cfg.Server.GRPCAddr)
			return server.Serve(gctx, cfg.Server.GRPCAddr, server.NewServer(st.ctrl))
		})
	}

	logger().Info("plan2mesh started", "version", Version, "workers", cfg.Worker.WorkerCount)
	err = g.Wait()
	logger().Info("shutting down")
	return err
}
