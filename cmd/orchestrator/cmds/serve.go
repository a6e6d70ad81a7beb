package cmds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	sloggorm "github.com/orandin/slog-gorm"
	"github.com/spf13/cobra"
	otellib "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"github.com/forgeml/orchestrator/cmd/orchestrator/internal/routes"
	routesv1 "github.com/forgeml/orchestrator/cmd/orchestrator/internal/routes/v1"
	"github.com/forgeml/orchestrator/internal/archive"
	"github.com/forgeml/orchestrator/internal/compliance"
	"github.com/forgeml/orchestrator/internal/config"
	"github.com/forgeml/orchestrator/internal/distributed"
	"github.com/forgeml/orchestrator/internal/executor"
	"github.com/forgeml/orchestrator/internal/logger"
	"github.com/forgeml/orchestrator/internal/orchestrator"
	"github.com/forgeml/orchestrator/internal/otel"
	"github.com/forgeml/orchestrator/internal/perf"
	"github.com/forgeml/orchestrator/internal/repository"
	"github.com/forgeml/orchestrator/internal/resource"
	"github.com/forgeml/orchestrator/internal/types"
)

const name string = "github.com/forgeml/orchestrator/cmd/orchestrator"

var tracer = otellib.Tracer(name)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		server, err := initServer(cmd.Context())
		if err != nil {
			return err
		}
		return server.Run(cmd.Context())
	},
}

type server struct {
	router       *echo.Echo
	config       *config.Config
	orch         *orchestrator.Orchestrator
	resources    *resource.Manager
	otelShutdown func(context.Context) error
}

func initServer(ctx context.Context) (*server, error) {
	server := new(server)

	cfg, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server config: %w", err)
	}
	server.config = cfg

	shutdownOTel, err := otel.SetupOTelSDK(ctx, "orchestrator", cfg.Logging.UseOTLP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OTEL SDK: %w", err)
	}
	defer func() {
		// Something failed to initialize, make sure everything gets flushed to the server
		if server.otelShutdown == nil {
			otelShutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				time.Second*time.Duration(cfg.GracefulShutdownSecs),
			)
			defer cancel()

			if err = shutdownOTel(otelShutdownCtx); err != nil {
				logger.Logger.Error("failed to flush otel data", "error", err)
			}
		}
	}()

	ctx, span := tracer.Start(ctx, "initServer")
	defer span.End()

	logger.LogLevel.Set(slog.Level(cfg.Logging.App.Level))

	repo, err := buildRepository(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize repository")
		return nil, err
	}

	span.AddEvent("initialized job repository")

	devices := deviceSpecs(cfg.Resources.Devices)
	manager := resource.NewManager(
		*cfg.ClusterID,
		devices,
		cfg.Resources.MaxUsageRatio,
		cfg.Resources.WarningRatio,
		cfg.Resources.CleanupCooldown,
		resource.WithTelemetry(
			resource.NewFlatTelemetry(devices, cfg.Resources.TelemetryBaselineRatio),
		),
	)
	server.resources = manager

	runner := executor.NewRunner(
		executor.NewSimulated(0),
		distributed.NewCoordinator(),
		cfg.Executor.DefaultDeadline,
		cfg.Executor.MaxConcurrent,
	)

	kinds := make([]types.CheckKind, 0, len(cfg.Compliance.Checks))
	for _, k := range cfg.Compliance.Checks {
		kinds = append(kinds, types.CheckKind(k))
	}
	registry, err := compliance.RegistryForKinds(kinds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build compliance registry")
		return nil, err
	}

	aggregator, err := perf.NewAggregator(perf.Thresholds{
		MinThroughput:   cfg.Thresholds.MinThroughput,
		MaxGenerationMs: cfg.Thresholds.MaxGenerationMs,
		MinQualityScore: cfg.Thresholds.MinQualityScore,
	}, cfg.Thresholds.WindowSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to initialize performance aggregator")
		return nil, fmt.Errorf("failed to initialize performance aggregator: %w", err)
	}

	opts := []orchestrator.Option{}
	handlerOpts := []routesv1.HandlerOption{}
	if cfg.S3Archive != nil && cfg.S3Archive.Enabled {
		archiver, err := archive.NewMinioUploader(
			cfg.S3Archive.Endpoint,
			cfg.S3Archive.AccessKeyID,
			cfg.S3Archive.SecretAccessKey,
			cfg.S3Archive.SSLEnabled,
			cfg.S3Archive.BucketName,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to construct archiver")
			return nil, err
		}
		uploader := archive.NewRetryUploader(archiver)
		opts = append(opts, orchestrator.WithUploader(uploader))
		handlerOpts = append(handlerOpts, routesv1.WithUploader(uploader))

		span.AddEvent("initialized output archiver")
	}

	server.orch = orchestrator.New(
		*cfg.ClusterID,
		manager,
		runner,
		registry,
		aggregator,
		repo,
		opts...,
	)

	e, err := routes.BuildEcho(logger.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "error building router")
		return nil, fmt.Errorf("error building router: %w", err)
	}

	span.AddEvent("created echo router")

	routesv1.NewHandler(server.orch, aggregator, handlerOpts...).AddRoutes(e)

	server.otelShutdown = shutdownOTel
	server.router = e

	return server, nil
}

func buildRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	if cfg.Postgres == nil || cfg.Postgres.InMemory {
		return repository.NewMemoryRepository(), nil
	}

	gormLogger := slog.New(logger.Handler)
	sg := sloggorm.New(
		sloggorm.WithHandler(gormLogger.Handler()),
		sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
	)
	if cfg.Logging.Gorm.TraceQueries {
		sg = sloggorm.New(
			sloggorm.WithHandler(gormLogger.Handler()),
			sloggorm.WithTraceAll(),
			sloggorm.SetLogLevel(sloggorm.DefaultLogType, slog.Level(cfg.Logging.Gorm.Level)),
		)
	}

	db, err := gorm.Open(
		postgres.Open(cfg.PostgresDSN()),
		&gorm.Config{Logger: sg, TranslateError: true},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire underlying database connection: %w", err)
	}

	// Configure db connection pool
	sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConnections)
	sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConnections)
	sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnectionTTL)

	if err = db.Use(gormtracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to add otel plugin to gorm: %w", err)
	}

	if err = repository.Migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to perform database migrations: %w", err)
	}

	return repository.NewRetryRepository(repository.NewGormRepository(db)), nil
}

func deviceSpecs(devices []config.DeviceConfig) []resource.DeviceSpec {
	specs := make([]resource.DeviceSpec, 0, len(devices))
	for _, d := range devices {
		specs = append(specs, resource.DeviceSpec{ID: d.ID, CapacityBytes: d.CapacityBytes})
	}
	return specs
}

// Run serves until the context is cancelled, then shuts down gracefully
func (s *server) Run(ctx context.Context) error {
	logger.Logger.Info("Starting services...")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.router.Start(s.config.ListenAddress)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.pollTelemetry(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Logger.Info("Got shutdown signal!")
		return s.shutdown()
	})

	return g.Wait()
}

// pollTelemetry periodically surfaces observed device usage so drift between
// reservations and reality shows up in the logs even when no admission
// triggers a cleanup
func (s *server) pollTelemetry(ctx context.Context) {
	interval := time.Duration(s.config.TelemetryPollSeconds) * time.Second
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observed := s.resources.ObservedUsage(ctx)
			for _, state := range s.resources.Snapshot() {
				used, ok := observed[state.ID]
				if !ok {
					continue
				}
				logger.Logger.DebugContext(ctx, "device usage",
					"deviceID", state.ID,
					"reservedBytes", state.ReservedBytes,
					"observedBytes", used,
				)
			}
		}
	}
}

func (s *server) shutdown() error {
	var errs error

	ctx, cancelTimeout := context.WithTimeout(
		context.Background(),
		time.Second*time.Duration(s.config.GracefulShutdownSecs),
	)
	defer cancelTimeout()

	if err := s.router.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	if err := s.orch.Shutdown(ctx); err != nil {
		errs = errors.Join(errs, fmt.Errorf("failed to drain job pipelines: %w", err))
	}

	if s.otelShutdown != nil {
		errs = errors.Join(errs, s.otelShutdown(ctx))
	}

	return errs
}
