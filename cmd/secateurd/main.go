package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/secateur/internal/async"
	"github.com/joseph-ayodele/secateur/internal/cache"
	"github.com/joseph-ayodele/secateur/internal/common"
	"github.com/joseph-ayodele/secateur/internal/ingest"
	"github.com/joseph-ayodele/secateur/internal/normalize"
	"github.com/joseph-ayodele/secateur/internal/pipeline"
	"github.com/joseph-ayodele/secateur/internal/repository"
	"github.com/joseph-ayodele/secateur/internal/server"
	"github.com/joseph-ayodele/secateur/internal/storage"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	roleFlag := pflag.String("role", "all", "pipeline role: all, intake, fetch or reduce")
	addr := pflag.String("addr", "", "gRPC listen address (overrides GRPC_ADDR)")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
		os.Exit(2)
	}
	cfg := common.LoadConfig()
	if *addr != "" {
		cfg.Server.GRPCAddr = *addr
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	role, err := pipeline.ParseRole(*roleFlag)
	if err != nil {
		logger.Error("invalid role", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, role, logger); err != nil {
		logger.Error("secateurd exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg common.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *common.Config, role pipeline.Role, logger *slog.Logger) error {
	// Ledger (optional)
	var ledger repository.JobEventRepository
	if cfg.Ledger.Driver != "" {
		db, err := repository.Open(ctx, cfg.Ledger, logger)
		if err != nil {
			return common.WrapError(err, "open ledger")
		}
		defer db.Close()
		if err := db.HealthCheck(ctx, cfg.Ledger.DialTimeout); err != nil {
			return common.WrapError(err, "ledger health check")
		}
		if err := db.Migrate(ctx); err != nil {
			return common.WrapError(err, "migrate ledger")
		}
		ledger = repository.NewJobEventRepository(db, logger)
	}

	// Status store
	var kv cache.KeyValueStore
	switch cfg.Status.Backend {
	case "redis":
		rs, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Status.RedisAddr,
			Password: cfg.Status.RedisPassword,
			DB:       cfg.Status.RedisDB,
		}, logger)
		if err != nil {
			return common.WrapError(err, "open status store")
		}
		defer rs.Close()
		kv = rs
	default:
		kv = cache.NewMemoryStore()
	}
	var recorder cache.Recorder
	if ledger != nil {
		recorder = ledger
	}
	status := cache.NewStatusTracker(kv, cfg.Status.TTL, recorder, logger)

	// Blob stores
	sources, results, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return common.WrapError(err, "open blob stores")
	}

	// Event bus
	var bus async.Bus
	switch cfg.Bus.Backend {
	case "rabbitmq":
		rb, err := async.NewRabbitBus(async.RabbitConfig{
			URL:         cfg.Bus.RabbitURL,
			Workers:     cfg.Bus.Workers,
			Prefetch:    cfg.Bus.Prefetch,
			DialRetries: cfg.Bus.DialRetries,
			RetryDelay:  cfg.Bus.RetryDelay,
		}, logger)
		if err != nil {
			return common.WrapError(err, "connect event bus")
		}
		bus = rb
	default:
		if role != pipeline.RoleAll {
			logger.Warn("memory bus only connects stages inside this process", "role", role)
		}
		bus = async.NewMemoryBus(logger,
			async.WithWorkers(cfg.Bus.Workers),
			async.WithQueueSize(cfg.Bus.QueueSize),
		)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		bus.Shutdown(shutdownCtx)
	}()

	// Stages
	engine := normalize.NewEngine(logger)
	engine.EncodingProbe = cfg.Normalize.EncodingProbeBytes
	engine.DialectProbe = cfg.Normalize.DialectProbeBytes
	fetch := pipeline.NewFetchStage(logger, status, sources, pipeline.NewHTTPClient(cfg.Fetch), bus, cfg.Fetch.ChunkSize)
	reduce := pipeline.NewReduceStage(logger, status, sources, results, engine)
	if err := pipeline.NewRunner(logger, bus, fetch, reduce).Start(role); err != nil {
		return err
	}

	if !role.ServesIntake() {
		logger.Info("worker running", "role", role)
		<-ctx.Done()
		logger.Info("shutting down...")
		return nil
	}

	// gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.RequestIDInterceptor(logger)))
	// Health service
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	// Reflection for grpcurl
	reflection.Register(grpcServer)

	var history server.EventLister
	if ledger != nil {
		history = ledger
	}
	intake := ingest.NewCoordinator(status, bus, logger)
	server.RegisterJobsServer(grpcServer, server.NewJobsService(intake, status, results, history, logger))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return common.WrapError(err, "listen")
	}
	logger.Info("gRPC serving", "addr", cfg.Server.GRPCAddr, "role", role)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return common.WrapError(err, "grpc serve")
	}
	logger.Info("shutting down...")
	hs.Shutdown()
	grpcServer.GracefulStop()
	return nil
}

// openStores returns the source and result stores. Sources may be
// compressed at rest; results never are, so they can be served as is.
func openStores(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (storage.BlobStore, storage.BlobStore, error) {
	var sources, results storage.BlobStore
	switch cfg.Backend {
	case "minio":
		client, err := storage.NewMinIOClient(ctx, storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOBucket,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		sources = storage.NewMinIOStore(client, cfg.MinIOBucket, "sources", cfg.MinIOPartSize, logger)
		results = storage.NewMinIOStore(client, cfg.MinIOBucket, "results", cfg.MinIOPartSize, logger)
	default:
		s, err := storage.NewFSStore(filepath.Join(cfg.Dir, "sources"), logger)
		if err != nil {
			return nil, nil, err
		}
		r, err := storage.NewFSStore(filepath.Join(cfg.Dir, "results"), logger)
		if err != nil {
			return nil, nil, err
		}
		sources, results = s, r
	}
	if cfg.SourceCompression == "zstd" {
		sources = storage.Compressed(sources)
	}
	return sources, results, nil
}
