package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/infra/ports/http/handlers"
	"github.com/qrave1/MedCall/internal/infra/ports/http/server"
	"github.com/qrave1/MedCall/internal/infra/ports/turn"
	"github.com/qrave1/MedCall/internal/usecase"
)

func runApp(parent context.Context) {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	setupLogger(false)

	cfg, err := config.New()
	if err != nil {
		slog.Error("parse config", slog.Any(constant.Error, err))
		os.Exit(1)
	}

	setupLogger(cfg.Debug)

	slog.Info("Running app", slog.Bool("debug", cfg.Debug))

	b, err := openBackends(ctx, cfg)
	if err != nil {
		slog.Error("open backends", slog.Any(constant.Error, err))
		os.Exit(1)
	}
	defer b.Close()

	wsConnRepo := memory.NewWSConnectionRepository()

	userUsecase := usecase.NewUserUsecase([]byte(cfg.JWTSecret), b.userRepo, wsConnRepo)
	callUsecase := usecase.NewCallUsecase(b.callRepo, b.userRepo, b.hub)
	incomingFeed := usecase.NewIncomingFeed(b.hub, callUsecase, userUsecase, wsConnRepo)

	authHandler := handlers.NewAuthHandler(cfg, userUsecase)
	callHandler := handlers.NewCallHandler(callUsecase)
	iceHandler := handlers.NewIceHandler(cfg)
	signalHandler := handlers.NewSignalHandler(cfg, callUsecase, b.hub)
	incomingHandler := handlers.NewIncomingHandler(cfg, incomingFeed, wsConnRepo)

	echoSrv := server.New(cfg, authHandler, callHandler, iceHandler, signalHandler, incomingHandler)

	metricsSrv := metric.NewServer(b.checks)

	if cfg.TurnServer.Enabled {
		turnSrv, err := turn.NewServer(cfg.TurnServer, cfg.CoturnServer.Secret)
		if err != nil {
			slog.Error("start TURN server", slog.Any(constant.Error, err))
			os.Exit(1)
		}
		defer turnSrv.Close()
	}

	go usecase.RunExpirySweep(ctx, callUsecase, cfg.Call.SweepInterval, cfg.Call.PendingTTL)

	if cfg.Call.IncomingMode == config.IncomingSubscribe {
		go runIncomingFeed(ctx, incomingFeed)
	}

	echoSrvCh := make(chan error, 1)
	metricsSrvCh := make(chan error, 1)

	// Запускаем HTTP сервер
	go func() {
		echoSrvCh <- echoSrv.Start(":" + cfg.Port)
	}()

	// Запускаем сервер метрик
	go func() {
		metricsSrvCh <- metricsSrv.Start(":" + cfg.MetricPort)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down servers due to context cancel")
	case err := <-echoSrvCh:
		slog.Error(
			"HTTP server failed",
			slog.Any(constant.Error, err),
		)
		os.Exit(1)
	case err := <-metricsSrvCh:
		slog.Error(
			"Metrics server failed",
			slog.Any(constant.Error, err),
		)
		os.Exit(1)
	}

	// Graceful shutdown
	timeoutCtx, timeoutCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer timeoutCancel()

	if err := echoSrv.Shutdown(timeoutCtx); err != nil {
		slog.Error("Failed to gracefully shutdown HTTP server", slog.Any(constant.Error, err))
	}

	if err := metricsSrv.Shutdown(timeoutCtx); err != nil {
		slog.Error("Failed to gracefully shutdown metric server", slog.Any(constant.Error, err))
	}
}

// runIncomingFeed переподписывается после потери брокера
func runIncomingFeed(ctx context.Context, feed *usecase.IncomingFeed) {
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := feed.Run(ctx); err != nil {
			slog.Warn("incoming feed stopped", slog.Any(constant.Error, err))
			return retry.RetryableError(err)
		}

		return nil
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("incoming feed", slog.Any(constant.Error, err))
	}
}
