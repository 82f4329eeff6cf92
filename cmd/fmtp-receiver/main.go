// Command fmtp-receiver runs a standalone FMTP receiver: it joins the
// configured multicast group, reassembles products, and logs each
// product's start, completion, or miss. Product bytes are kept in an
// in-memory product queue and are not written out.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ldm7/fmtp/internal/config"
	"github.com/ldm7/fmtp/internal/fmtp/product"
	"github.com/ldm7/fmtp/internal/fmtp/receiver"
	"github.com/ldm7/fmtp/pkg/observability"
)

func main() {
	cfg, err := config.Load("fmtp-receiver")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName: cfg.Observability.ServiceName,
		Namespace:   "fmtp_receiver",
		Port:        9091,
		Enabled:     true,
	})
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}

	pq := product.NewMemQueue(int64(cfg.Receiver.ReassemblyBufBytes))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callbacks := receiver.Callbacks{
		OnBOP: func(index uint32, prodSize uint32, meta []byte) []byte {
			logger.Info(ctx, "product started", map[string]interface{}{
				"index":     index,
				"prod_size": prodSize,
			})
			return []byte{1}
		},
		OnEOP: func(index uint32) {
			logger.Info(ctx, "product completed", map[string]interface{}{"index": index})
		},
		OnMissed: func(index uint32) {
			logger.Warn(ctx, "product missed", map[string]interface{}{"index": index})
		},
	}

	rcv, err := receiver.New(receiver.Config{
		Feed:           cfg.Feed.Type,
		MulticastGroup: cfg.Network.MulticastGroup,
		MulticastIface: cfg.Network.MulticastIface,
		SenderAddr:     cfg.Network.RetransmitAddr,
		RetxTimeout:    cfg.Receiver.RetxTimeout,
		StateDir:       cfg.Retention.StateDir,
	}, callbacks, pq, metrics, logger)
	if err != nil {
		log.Fatalf("failed to construct receiver: %v", err)
	}

	go func() {
		if err := metrics.StartMetricsServer(9091, rcv.Health()); err != nil {
			logger.Error(context.Background(), "metrics server stopped", err)
		}
	}()

	if err := rcv.Start(ctx); err != nil {
		log.Fatalf("failed to start receiver: %v", err)
	}
	logger.Info(ctx, "fmtp-receiver started", map[string]interface{}{
		"feed":            cfg.Feed.Name,
		"multicast_group": cfg.Network.MulticastGroup,
		"sender_addr":     cfg.Network.RetransmitAddr,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down fmtp-receiver", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := rcv.Stop(); err != nil {
		logger.Error(shutdownCtx, "receiver shutdown error", err)
	}
	logger.Info(shutdownCtx, "fmtp-receiver stopped", nil)
}
