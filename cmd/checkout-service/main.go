package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/checkout-sagas/internal/config"
	"github.com/jcmexdev/checkout-sagas/internal/httpx"
	idemsqlite "github.com/jcmexdev/checkout-sagas/internal/idempotency/sqlite"
	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	ordersqlite "github.com/jcmexdev/checkout-sagas/internal/order/sqlite"
	"github.com/jcmexdev/checkout-sagas/internal/payment"
	"github.com/jcmexdev/checkout-sagas/internal/pkg/telemetry"
	"github.com/jcmexdev/checkout-sagas/internal/saga"
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

	shutdown, err := telemetry.SetupTracer(ctx, "checkout-service")
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	orders, err := ordersqlite.Open(cfg.Storage.OrderDBPath)
	if err != nil {
		slog.Error("failed to open order store", "error", err)
		os.Exit(1)
	}
	defer orders.Close()

	idem, err := idemsqlite.Open(cfg.Storage.IdempotencyDBPath,
		idemsqlite.WithTTL(cfg.Saga.IdempotencyTTL),
		idemsqlite.WithStaleAfter(cfg.Saga.StaleAfter),
	)
	if err != nil {
		slog.Error("failed to open idempotency store", "error", err)
		os.Exit(1)
	}
	defer idem.Close()

	// Local stub adapters stand in for the inventory and payment services.
	inv := inventory.NewStubClient(map[string]int{
		"prod_1": 15,
		"prod_2": 10,
		"prod_3": 0,
	})
	pay := payment.NewStubClient(decimal.NewFromInt(500))

	coordinator := saga.NewCoordinator(orders, idem, inv, pay, saga.Config{
		ChargeTimeout: cfg.Saga.ChargeTimeout,
		ChargeRetries: uint64(cfg.Saga.ChargeRetries),
	})

	reconciler := saga.NewReconciler(orders, idem, inv, pay, saga.ReconcilerConfig{
		StaleAfter: cfg.Saga.StaleAfter,
		Interval:   cfg.Saga.ReconcileInterval,
		MaxAge:     cfg.Saga.ReconcileMaxAge,
	})
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("reconciler stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpx.NewRouter(httpx.NewHandler(coordinator)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("checkout service running", "addr", cfg.Server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
