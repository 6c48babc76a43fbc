package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kairos-labs/slotkeeper/libs/config"
	"github.com/kairos-labs/slotkeeper/libs/db"
	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/libs/runtime"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/inbox"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/settings"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/storage/memstore"
	"github.com/redis/go-redis/v9"
)

type backend struct {
	store  storage.Store
	inbox  inbox.Recorder
	checks []runtime.ReadyCheck
	close  func()
}

func (b backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// openBackend picks the store from STORAGE_DRIVER. "memory" keeps everything in process and
// is meant for local runs and demos; "postgres" migrates and uses DATABASE_URL.
func openBackend(ctx context.Context, logger *slog.Logger) (backend, error) {
	switch driver := config.String("STORAGE_DRIVER", "postgres"); driver {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		return backend{store: memstore.New(), inbox: inbox.NewMemory()}, nil
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return backend{}, err
		}
		maxConns, err := config.Int("DB_MAX_CONNS", 10)
		if err != nil {
			return backend{}, err
		}
		pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
		if err != nil {
			return backend{}, fmt.Errorf("db connection failed: %w", err)
		}
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return backend{}, fmt.Errorf("migrate: %w", err)
		}
		return backend{
			store:  storage.NewPostgres(pool),
			inbox:  inbox.NewPostgres(pool),
			checks: []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
			close:  pool.Close,
		}, nil
	default:
		return backend{}, fmt.Errorf("STORAGE_DRIVER must be memory or postgres (got %q)", driver)
	}
}

// newBookingLimiter shares the booking budget across replicas through Redis when REDIS_ADDR
// is set and falls back to a per-process window otherwise.
func newBookingLimiter(cfg settings.Settings, logger *slog.Logger) (httpx.Limiter, *runtime.ReadyCheck) {
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return httpx.NewMemoryLimiter(cfg.BookingRateMax, cfg.BookingRateWin), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
	})
	logger.Info("booking rate limit backed by redis", "addr", addr)
	check := runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
	return httpx.NewRedisLimiter(rdb, cfg.BookingRateMax, cfg.BookingRateWin, "slotkeeper:booking:"), &check
}
