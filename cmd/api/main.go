package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"rentflow.io/internal/auth"
	"rentflow.io/internal/billing"
	"rentflow.io/internal/config"
	"rentflow.io/internal/httpapi"
	"rentflow.io/internal/media"
	"rentflow.io/internal/obs"
	"rentflow.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		// The shared logger is not configured yet.
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		obs.Logger().Fatal("build logger", zap.Error(err))
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.PGDSN == "" {
		logger.Fatal("missing DSN: provide via -dsn or BILLING_PG_DSN")
	}
	var tokens *auth.Verifier
	if cfg.AuthSecret != "" {
		if tokens, err = auth.NewVerifier(cfg.AuthSecret); err != nil {
			logger.Fatal("auth verifier", zap.Error(err))
		}
	}
	if tokens == nil && cfg.InternalAPIKey == "" {
		logger.Warn("no auth secret or internal api key configured; every billing route will answer 401")
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	collab := pg.NewCollaborators(store.DB())
	svc := billing.NewService(store, collab, collab, collab,
		billing.WithCurrency(cfg.Currency),
		billing.WithProrationDueDays(cfg.ProrationDueDays),
		billing.WithLogger(logger.Named("billing")),
	)
	ready := httpapi.ReadyProbe{DB: store.DB()}

	api := httpapi.New(httpapi.Options{
		Service:        svc,
		Ready:          ready,
		Media:          media.NewClient(cfg.MediaURL, cfg.InternalAPIKey, cfg.OutboxTimeout),
		Tokens:         tokens,
		Version:        version,
		InternalAPIKey: cfg.InternalAPIKey,
		RateBurst:      cfg.RateBurst,
		RatePerSecond:  cfg.RatePerSecond,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewHealthServer(ready)
		health.Register(grpcSrv)
		go health.Monitor(ctx, 10*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc serve", zap.Error(err))
			}
		}()
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()
	logger.Info("starting billing api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("currency", svc.Currency()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := store.Close(); err != nil {
		logger.Warn("close db", zap.Error(err))
	}
	logger.Info("stopped")
}
