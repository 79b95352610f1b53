package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/iotmon/golang_services/internal/command_service/adapters/delayqueue"
	httpadapter "github.com/iotmon/golang_services/internal/command_service/adapters/http"
	"github.com/iotmon/golang_services/internal/command_service/adapters/http/middleware"
	"github.com/iotmon/golang_services/internal/command_service/app"
	"github.com/iotmon/golang_services/internal/command_service/payload"
	"github.com/iotmon/golang_services/internal/command_service/repository/postgres"
	"github.com/iotmon/golang_services/internal/platform/clock"
	"github.com/iotmon/golang_services/internal/platform/config"
	"github.com/iotmon/golang_services/internal/platform/database"
	"github.com/iotmon/golang_services/internal/platform/messagebroker"
	"github.com/iotmon/golang_services/migrations"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health server, dispatcher and ack consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("Starting service...", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	if cfg.MigrateOnStart {
		if err := database.MigrateUp(migrations.FS, cfg.PostgresDSN, log); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	dbPool, err := database.NewDBPool(startCtx, cfg.PostgresDSN, log)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbPool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(startCtx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	log.Info("Redis connection initialized", "addr", cfg.RedisAddr)

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, log, serviceName)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsClient.Close()

	// Application components
	clk := clock.System{}
	validate := validator.New()
	queue := delayqueue.NewRedisQueue(redisClient, cfg.RedisQueuePrefix, clk, log)
	commandRepo := postgres.NewPgQueuedCommandRepository(dbPool, log)
	deviceRepo := postgres.NewPgDeviceRepository(dbPool, log)
	coordinator := app.NewCoordinator(commandRepo, queue, deviceRepo, app.OwnerOrAdminPolicy{}, clk, log)

	dispatcher := app.NewDispatcher(queue, natsClient, log, app.DispatcherConfig{
		PollInterval:      cfg.DispatchPollInterval,
		BatchSize:         cfg.DispatchBatchSize,
		VisibilityTimeout: cfg.DispatchVisibilityTimeout,
	})
	ackConsumer := app.NewAckConsumer(natsClient, coordinator, log)

	commandHandler := httpadapter.NewCommandHandler(coordinator, payload.NewCodec(validate), log, validate)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           newRouter(cfg, log, commandHandler, dbPool, redisClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(groupCtx)
	})

	g.Go(func() error {
		return ackConsumer.StartConsuming(groupCtx, cfg.AckSubject, cfg.AckQueueGroup)
	})

	g.Go(func() error {
		log.Info("HTTP server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		grpcListenAddress := fmt.Sprintf(":%d", cfg.GRPCPort)
		lis, err := net.Listen("tcp", grpcListenAddress)
		if err != nil {
			log.Error("Failed to listen for gRPC", "error", err)
			return err
		}
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		log.Info("gRPC server listening", "address", grpcListenAddress)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("gRPC server failed", "error", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("Initiating graceful shutdown...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		}
		grpcServer.GracefulStop()
		return nil
	})

	log.Info("Service components initialized and workers started. Service is ready.")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service stopped with error", "error", err)
		return err
	}
	log.Info("Service shutdown complete.")
	return nil
}

func newRouter(cfg *config.Config, log *slog.Logger, commands *httpadapter.CommandHandler, dbPool *pgxpool.Pool, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(httpadapter.PrometheusMetricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := dbPool.Ping(r.Context()); err != nil {
			log.WarnContext(r.Context(), "Health check: postgres unavailable", "error", err)
			status, code = "postgres unavailable", http.StatusServiceUnavailable
		} else if err := redisClient.Ping(r.Context()).Err(); err != nil {
			log.WarnContext(r.Context(), "Health check: redis unavailable", "error", err)
			status, code = "redis unavailable", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(middleware.AuthMiddleware([]byte(cfg.JWTAccessSecret), log))
		commands.RegisterRoutes(v1)
	})
	return r
}
