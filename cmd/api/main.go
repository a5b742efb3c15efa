package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	httptransport "github.com/spec-kit/identity-service/internal/api/http"
	"github.com/spec-kit/identity-service/internal/api/http/handlers"
	"github.com/spec-kit/identity-service/internal/api/rpc"
	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/config"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/persistence"
	"github.com/spec-kit/identity-service/internal/repository"
	"github.com/spec-kit/identity-service/internal/service"
	"github.com/spec-kit/identity-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	keys, err := auth.LoadKeyMaterial(cfg.Auth.JWTSecret, cfg.Auth.PrivateKeyPEM, cfg.Auth.PublicKeyPEM)
	if err != nil {
		logger.Fatal("failed to load signing keys", zap.Error(err))
	}
	logger.Info("signing keys loaded",
		zap.String("algorithm", string(keys.DefaultAlgorithm())),
		zap.Bool("can_sign", keys.CanSign()),
	)

	hasher, err := auth.NewHasher(argon2Config(cfg.Auth))
	if err != nil {
		logger.Fatal("invalid argon2 settings", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.Pool, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis, err := persistence.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redis.Close()

	hashPool := worker.NewHashPool(hasher, cfg.Worker.HashWorkers, cfg.Worker.HashQueueSize, logger)
	defer hashPool.Close()

	dispatcher := events.NewInMemoryDispatcher(logger)
	events.SubscribeAll(dispatcher, events.LogHandler(logger))

	metrics := observability.NewMetrics()

	authService, err := service.NewAuthService(service.PolicyFromConfig(cfg.Auth), service.AuthDependencies{
		Users:         repository.NewUserRepository(pg.Pool),
		RefreshTokens: repository.NewRefreshTokenRepository(redis.Client),
		Hasher:        hashPool,
		Keys:          keys,
		Events:        dispatcher,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to build auth service", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, httptransport.MiddlewareConfig{
		Timeout:        cfg.App.RequestTimeout(),
		AllowedOrigins: cfg.App.AllowedOrigins,
	})

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}, metrics),
		Auth:           handlers.NewAuthHandler(authService),
		AuthMiddleware: auth.NewAuthMiddleware(authService),
	})

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.App.Addr()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	var rpcServer *grpc.Server
	if cfg.RPC.Addr != "" {
		rpcServer = startRPC(cfg.RPC.Addr, authService, logger)
	}

	waitForShutdown(logger)

	if rpcServer != nil {
		rpcServer.GracefulStop()
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

// startRPC serves the internal gRPC listener. Only the health service is
// registered here; other services mount behind the same interceptors.
func startRPC(addr string, verifier auth.TokenVerifier, logger *zap.Logger) *grpc.Server {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("rpc listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(rpc.UnaryAuthInterceptor(verifier, logger, rpc.HealthMethods...)),
		grpc.StreamInterceptor(rpc.StreamAuthInterceptor(verifier, logger, rpc.HealthMethods...)),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())

	go func() {
		logger.Info("rpc listening", zap.String("addr", addr))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("rpc serve", zap.Error(err))
		}
	}()
	return srv
}

func argon2Config(cfg config.AuthConfig) auth.Argon2Config {
	out := auth.DefaultArgon2Config()
	if cfg.Argon2Time > 0 {
		out.Time = uint32(cfg.Argon2Time)
	}
	if cfg.Argon2MemoryKiB > 0 {
		out.Memory = uint32(cfg.Argon2MemoryKiB)
	}
	if cfg.Argon2Parallelism > 0 && cfg.Argon2Parallelism <= 255 {
		out.Parallelism = uint8(cfg.Argon2Parallelism)
	}
	return out
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
