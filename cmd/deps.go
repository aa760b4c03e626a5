package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/application/constant"
	"github.com/qrave1/MedCall/internal/application/metric"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/infra/adapters/pionrtc"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres/repository"
	redisadapter "github.com/qrave1/MedCall/internal/infra/adapters/redis"
	"github.com/qrave1/MedCall/internal/signaling"
)

// backends - хранилище реестра и сигнальный канал по конфигу
type backends struct {
	callRepo repository.CallRepository
	userRepo repository.UserRepository
	hub      signaling.Hub

	checks  map[string]metric.ReadinessCheck
	closers []func() error
}

// requireSharedBackends - отдельный процесс (agent, call) видит звонки и сигналы
// сервера только через общий postgres и redis
func requireSharedBackends(cfg *config.Config) error {
	var errs []error

	if cfg.CallStore != config.StorePostgres {
		errs = append(errs, fmt.Errorf("CALL_STORE=%s is private to this process, use %s", cfg.CallStore, config.StorePostgres))
	}

	if cfg.SignalingBackend != config.SignalingRedis {
		errs = append(errs, fmt.Errorf("SIGNALING_BACKEND=%s is private to this process, use %s", cfg.SignalingBackend, config.SignalingRedis))
	}

	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{checks: make(map[string]metric.ReadinessCheck)}

	switch cfg.CallStore {
	case config.StorePostgres:
		db, err := postgres.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}

		b.closers = append(b.closers, db.Close)
		b.checks["postgres"] = db.PingContext

		if cfg.Postgres.AutoMigrate {
			if err = postgres.Migrate(ctx, db); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}

		b.callRepo = repository.NewCallRepo(db)
		b.userRepo = repository.NewUserRepo(db)

	default:
		slog.Warn("using in-memory call store, records are lost on restart")

		b.callRepo = memory.NewCallRepository()
		b.userRepo = memory.NewUserRepository()
	}

	switch cfg.SignalingBackend {
	case config.SignalingRedis:
		rdb, err := redisadapter.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		b.closers = append(b.closers, rdb.Close)
		b.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		b.hub = redisadapter.NewSignalingHub(rdb, cfg.Call.SignalBuffer)

	default:
		b.hub = memory.NewSignalingHub(cfg.Call.SignalBuffer)
	}

	slog.Info(
		"backends ready",
		slog.String("call_store", cfg.CallStore),
		slog.String("signaling", cfg.SignalingBackend),
	)

	return b, nil
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Error("close backend", slog.Any(constant.Error, err))
		}
	}
}

// newPeerFactory - peer connection серверного участника с ICE настройками из конфига
func newPeerFactory(cfg *config.Config) (*pionrtc.PeerFactory, error) {
	var opts []pionrtc.Option

	if cfg.ICEPortMin != 0 {
		opts = append(opts, pionrtc.WithUDPPortRange(cfg.ICEPortMin, cfg.ICEPortMax))
	}

	return pionrtc.NewPeerFactory(cfg.ICEServers(), opts...)
}
