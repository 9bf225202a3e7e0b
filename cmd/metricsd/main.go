package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
	"github.com/selivandex/pipeline-metrics/internal/adapters/database"
	redisAdapter "github.com/selivandex/pipeline-metrics/internal/adapters/redis"
	"github.com/selivandex/pipeline-metrics/internal/adapters/telemetry"
	"github.com/selivandex/pipeline-metrics/internal/health"
	"github.com/selivandex/pipeline-metrics/internal/metricswriter"
	"github.com/selivandex/pipeline-metrics/pkg/bridge"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
	"github.com/selivandex/pipeline-metrics/pkg/worker"
)

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("pipeline metrics daemon starting",
		zap.String("driver", cfg.Database.Driver),
		zap.String("schema", cfg.Database.Schema),
		zap.Bool("buffered", cfg.Metrics.Buffered()),
	)

	providers, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	spans, err := telemetry.New(cfg.Telemetry, providers)
	if err != nil {
		return err
	}

	redisClient, lock, err := initLock(cfg)
	if err != nil {
		return err
	}

	healthServer := health.NewServer(cfg.Telemetry.ListenAddr)
	if handler := providers.Handler(); handler != nil {
		healthServer.Handle("/metrics", handler)
	}
	if redisClient != nil {
		healthServer.AddCheck("redis", redisClient.Health)
	}

	writer, err := initWriter(cfg, lock, spans, healthServer)
	if err != nil {
		return err
	}

	if err := runMigrations(ctx, cfg); err != nil {
		return err
	}

	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	producers := startProducers(ctx, cfg, writer)
	healthServer.SetReady(true)

	<-ctx.Done()

	return performGracefulShutdown(healthServer, producers, writer, redisClient, providers)
}

// initConfig loads configuration and initializes logger
func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return cfg, nil
}

// initLock picks the provisioning lock: redlock when redis is enabled,
// in-process otherwise
func initLock(cfg *config.Config) (*redisAdapter.Client, redisAdapter.ProvisionLock, error) {
	if !cfg.Redis.Enabled {
		return nil, redisAdapter.NewLocalLock(), nil
	}

	client, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, client.ProvisionLock(cfg.Metrics.LockTTL), nil
}

func initWriter(cfg *config.Config, lock redisAdapter.ProvisionLock, spans telemetry.SpanCreator, hs *health.Server) (metricswriter.Writer, error) {
	params, err := metricswriter.ParametersFromConfig(cfg, lock)
	if err != nil {
		return nil, err
	}

	var store *database.Store
	opener := func(context.Context) (metricswriter.Store, error) {
		s, err := database.OpenStore(&cfg.Database)
		if err != nil {
			return nil, err
		}
		store = s
		return s, nil
	}

	writer := metricswriter.NewFactory(params, opener).Create(spans)
	if params == nil {
		logger.Warn("metrics disabled, writes are discarded")
		return writer, nil
	}

	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := writer.Open(openCtx); err != nil {
		return nil, err
	}

	hs.AddCheck("database", store.Health)
	if bw, ok := writer.(*metricswriter.BufferedWriter); ok {
		hs.SetBufferStats(bw.BufferedCount)
	}

	logger.Info("metrics writer ready",
		zap.String("writer", fmt.Sprintf("%T", writer)),
		zap.String("dialect", string(store.Dialect())),
		zap.String("schema", store.Schema()),
		zap.Int("tables", len(params.TableMap)),
	)
	return writer, nil
}

func runMigrations(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Migrations == "" {
		return nil
	}

	_, err := bridge.Run(ctx, "database.RunMigrations", func(context.Context) (struct{}, error) {
		return struct{}{}, database.RunMigrations(&cfg.Database)
	})
	if errors.Is(err, database.ErrMigrationsUnsupported) {
		logger.Warn("skipping migrations", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	version, dirty, err := database.GetMigrationVersion(&cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("metrics schema version",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

func startProducers(ctx context.Context, cfg *config.Config, writer metricswriter.Writer) *worker.Group {
	group := worker.NewGroup(ctx)
	pool := bridge.NewPool(cfg.Producer.Workers)

	for i := 0; i < cfg.Producer.Workers; i++ {
		p := newProducer(i, cfg.Producer.Batch, writer, pool)
		group.Add(p, cfg.Producer.Interval)
	}

	group.Start()
	return group
}

func performGracefulShutdown(
	healthServer *health.Server,
	producers *worker.Group,
	writer metricswriter.Writer,
	redisClient *redisAdapter.Client,
	providers *telemetry.Providers,
) error {
	logger.Info("shutdown signal received, starting graceful shutdown...")

	healthServer.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	logger.Info("stopping producers...")
	producers.Stop(10 * time.Second)

	logger.Info("closing metrics writer...")
	if err := metricswriter.CloseBlocking(shutdownCtx, writer, time.Second); err != nil {
		logger.Error("metrics writer close error", zap.Error(err))
	}

	if redisClient != nil {
		logger.Info("closing redis connection...")
		if err := redisClient.Close(); err != nil {
			logger.Error("redis close error", zap.Error(err))
		}
	}

	logger.Info("stopping health server...")
	if err := healthServer.Stop(shutdownCtx); err != nil {
		logger.Error("health server stop error", zap.Error(err))
	}

	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", zap.Error(err))
	}

	select {
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded")
		return fmt.Errorf("graceful shutdown timeout")
	default:
		logger.Info("shutdown completed successfully")
	}

	return nil
}
