package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oggyb/muzz-connect/internal/app"
	"github.com/oggyb/muzz-connect/internal/async"
	"github.com/oggyb/muzz-connect/internal/cache"
	"github.com/oggyb/muzz-connect/internal/config"
	"github.com/oggyb/muzz-connect/internal/db"
	"github.com/oggyb/muzz-connect/internal/external"
	"github.com/oggyb/muzz-connect/internal/logger"
	"github.com/oggyb/muzz-connect/internal/metrics"
	"github.com/oggyb/muzz-connect/internal/server"
	"github.com/oggyb/muzz-connect/internal/service/discovery"
	"github.com/oggyb/muzz-connect/internal/service/match"
	"github.com/oggyb/muzz-connect/internal/service/messaging"
	"github.com/oggyb/muzz-connect/internal/service/swipe"
	"github.com/oggyb/muzz-connect/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		return err
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(ctx); err != nil {
		log.Error("failed to connect to redis", "err", err)
		return err
	}
	defer redisCache.Close()

	pool, err := async.New(cfg.Async, log)
	if err != nil {
		return err
	}

	appCtx, err := app.New(cfg, database, redisCache, log, pool)
	if err != nil {
		return err
	}
	closeCollaborators, err := wireCollaborators(ctx, cfg, appCtx)
	if err != nil {
		return err
	}
	// writers close only after the pool drained the tasks that use them
	defer func() {
		if err := pool.Release(); err != nil {
			log.Warn("async pool release", "err", err)
		}
		closeCollaborators()
	}()

	if cfg.App.ENV == "development" {
		if err := db.SeedTestData(database); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	metrics.MustRegister()

	matchSvc := match.NewService(appCtx)
	swipeSvc := swipe.NewService(appCtx, matchSvc)
	messageSvc := messaging.NewService(appCtx)
	discoverySvc := discovery.NewService(appCtx)

	identity := external.NewJWTIdentity(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	grpcSrv := server.NewGRPCServer(cfg, log, identity,
		discovery.NewRegistrar(discoverySvc),
		swipe.NewRegistrar(swipeSvc),
		match.NewRegistrar(matchSvc),
		messaging.NewRegistrar(messageSvc),
	)

	gateway := ws.NewHandler(appCtx.Registry, identity, messageSvc, ws.Options{
		FramesPerSecond: cfg.Matching.FramesPerSecond,
		FrameBurst:      cfg.Matching.FrameBurst,
		Logger:          log,
	})
	router := server.NewRouter(log, gateway, map[string]server.HealthCheck{
		"db": func(ctx context.Context) error {
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": redisCache.Ping,
	})
	httpSrv := server.NewHTTPServer(cfg.HTTP, router)

	errc := make(chan error, 2)
	go func() {
		log.Info("starting gRPC server", "addr", cfg.GRPC.Host+":"+cfg.GRPC.Port)
		if err := grpcSrv.Serve(); err != nil {
			errc <- err
		}
	}()
	go func() {
		log.Info("starting HTTP server", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go matchSvc.Sweep(ctx, cfg.Matching.ExpirySweep)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		log.Error("server failed", "err", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	grpcSrv.Stop(shutdownCtx)
	// hijacked websocket connections are not closed by http.Server
	appCtx.Registry.Shutdown(shutdownCtx)
	return nil
}

// wireCollaborators swaps the no-op defaults for real backends when they are
// configured. The returned func closes what was opened.
func wireCollaborators(ctx context.Context, cfg *config.Config, appCtx *app.AppContext) (func(), error) {
	log := appCtx.Logger
	var closers []io.Closer

	if len(cfg.Kafka.Brokers) > 0 {
		notifier := external.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic, log)
		analytics := external.NewKafkaAnalytics(cfg.Kafka.Brokers, cfg.Kafka.AnalyticsTopic, log)
		appCtx.External.Notifier = notifier
		appCtx.External.Analytics = analytics
		closers = append(closers, notifier, analytics)
		log.Info("kafka collaborators enabled", "brokers", cfg.Kafka.Brokers)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Warn("collaborator close", "err", err)
			}
		}
	}

	if cfg.MinIO.Endpoint != "" {
		media, err := external.NewMinioMediaStore(ctx, cfg.MinIO, log)
		if err != nil {
			closeAll()
			return nil, err
		}
		appCtx.External.Media = media
		log.Info("minio media store enabled", "bucket", cfg.MinIO.BucketName)
	}
	return closeAll, nil
}
