// The outbox relay publishes undelivered order events to the Redis event
// bus and sweeps expired idempotency records. It runs alongside the
// checkout service, sharing its databases.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/checkout-sagas/internal/config"
	idemsqlite "github.com/jcmexdev/checkout-sagas/internal/idempotency/sqlite"
	ordersqlite "github.com/jcmexdev/checkout-sagas/internal/order/sqlite"
	"github.com/jcmexdev/checkout-sagas/internal/outbox"
	outboxredis "github.com/jcmexdev/checkout-sagas/internal/outbox/redis"
	"github.com/jcmexdev/checkout-sagas/internal/pkg/telemetry"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	orders, err := ordersqlite.Open(cfg.Storage.OrderDBPath)
	if err != nil {
		slog.Error("failed to open order store", "error", err)
		os.Exit(1)
	}
	defer orders.Close()

	idem, err := idemsqlite.Open(cfg.Storage.IdempotencyDBPath)
	if err != nil {
		slog.Error("failed to open idempotency store", "error", err)
		os.Exit(1)
	}
	defer idem.Close()

	publisher := outboxredis.NewPublisher(cfg.Redis.Addr, cfg.Redis.Channel)
	defer publisher.Close()

	relay := outbox.NewRelay(orders, publisher, cfg.Relay.Interval, cfg.Relay.BatchSize)

	// Hourly hygiene: drop idempotency records past their TTL.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := idem.DeleteExpired(ctx, time.Now().UTC())
				if err != nil {
					slog.ErrorContext(ctx, "idempotency sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.InfoContext(ctx, "expired idempotency records deleted", "count", n)
				}
			}
		}
	}()

	slog.Info("outbox relay running",
		"channel", cfg.Redis.Channel, "interval", cfg.Relay.Interval.String())
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}
