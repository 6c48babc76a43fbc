package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/kairos-labs/slotkeeper/libs/httpx"
	"github.com/kairos-labs/slotkeeper/services/scheduling-service/internal/settings"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpenBackendMemory(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	b, err := openBackend(context.Background(), discard())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if b.store == nil || b.inbox == nil || len(b.checks) != 0 {
		t.Fatalf("unexpected memory backend %+v", b)
	}
}

func TestOpenBackendRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	if _, err := openBackend(context.Background(), discard()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestOpenBackendPostgresNeedsURL(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := openBackend(context.Background(), discard()); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestBookingLimiterSelection(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	l, check := newBookingLimiter(settings.Defaults(), discard())
	if _, ok := l.(*httpx.MemoryLimiter); !ok || check != nil {
		t.Fatalf("expected memory limiter without redis, got %T", l)
	}

	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	l, check = newBookingLimiter(settings.Defaults(), discard())
	if _, ok := l.(*httpx.RedisLimiter); !ok || check == nil || check.Name != "redis" {
		t.Fatalf("expected redis limiter with readiness check, got %T", l)
	}
}
