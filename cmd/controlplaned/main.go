// Command controlplaned runs the FMTP Control Plane's HTTP admin API:
// subscriber registration, port updates, client-IP leasing (which
// authorizes the lease over the feed's Authorization Channel), and a
// per-feed WebSocket event stream.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ldm7/fmtp/internal/config"
	"github.com/ldm7/fmtp/internal/controlplane"
	"github.com/ldm7/fmtp/pkg/observability"
)

func main() {
	cfg, err := config.Load("controlplaned")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)

	tracing, err := observability.NewTracingProvider(cfg.Observability)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Error(shutdownCtx, "tracing shutdown error", err)
		}
	}()

	var store controlplane.Store
	var pgStore *controlplane.PostgresStore
	if cfg.ControlPlane.UsePostgres {
		pgStore, err = controlplane.NewPostgresStore(cfg.Database.URL)
		if err != nil {
			log.Fatalf("failed to open postgres store: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		store = controlplane.NewMemStore()
	}

	cp := controlplane.New(store, cfg.AuthChannel.SocketDir, logger)
	defer cp.Close()

	srv := controlplane.NewServer(cp, controlplane.HTTPConfig{
		Host:            "0.0.0.0",
		Port:            8090,
		ReadTimeout:     cfg.ControlPlane.ReadTimeout,
		WriteTimeout:    cfg.ControlPlane.WriteTimeout,
		EnableCORS:      true,
		RateLimitPerSec: float64(cfg.ControlPlane.RequestsPerMinute) / 60,
		RateLimitBurst:  cfg.ControlPlane.Burst,
	}, logger)
	if pgStore != nil {
		srv.RegisterHealthCheck("postgres", observability.DatabaseHealthCheck(pgStore.Ping))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("failed to start control plane HTTP server: %v", err)
	}
	logger.Info(ctx, "controlplaned started", map[string]interface{}{
		"use_postgres": cfg.ControlPlane.UsePostgres,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down controlplaned", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "control plane shutdown error", err)
	}
	logger.Info(shutdownCtx, "controlplaned stopped", nil)
}
