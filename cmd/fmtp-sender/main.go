// Command fmtp-sender runs a standalone FMTP sender: it multicasts
// products handed to it on stdin (there is no product framing: each chunk
// returned by one read of stdin, up to 1 MiB, is sent as one product) and
// serves retransmission requests until interrupted.
package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ldm7/fmtp/internal/config"
	"github.com/ldm7/fmtp/internal/fmtp/addrpool"
	"github.com/ldm7/fmtp/internal/fmtp/authchan"
	"github.com/ldm7/fmtp/internal/fmtp/product"
	"github.com/ldm7/fmtp/internal/fmtp/sender"
	"github.com/ldm7/fmtp/pkg/observability"
)

func main() {
	cfg, err := config.Load("fmtp-sender")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)

	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName: cfg.Observability.ServiceName,
		Namespace:   "fmtp_sender",
		Port:        9090,
		Enabled:     true,
	})
	if err != nil {
		log.Fatalf("failed to initialize metrics: %v", err)
	}

	var pool addrpool.Pool
	var redisPool *addrpool.RedisPool
	if cfg.AddressPool.UseRedis {
		redisPool, err = addrpool.NewRedisPool(cfg.AddressPool.RedisAddr, cfg.Feed.Type, cfg.AddressPool.CIDR)
		pool = redisPool
	} else {
		pool, err = addrpool.NewMemPool(cfg.AddressPool.CIDR)
	}
	if err != nil {
		log.Fatalf("failed to initialize address pool: %v", err)
	}

	var authChannel authchan.Channel
	if cfg.AuthChannel.Transport == "redis" {
		authChannel = authchan.NewRedisReader(cfg.AuthChannel.RedisAddr, cfg.Feed.Type)
	} else {
		authChannel, err = authchan.NewUnixReader(cfg.AuthChannel.SocketDir, cfg.Feed.Type)
		if err != nil {
			log.Fatalf("failed to open authorization channel: %v", err)
		}
	}

	snd, err := sender.New(sender.Config{
		Feed:             cfg.Feed.Type,
		MulticastGroup:   cfg.Network.MulticastGroup,
		MulticastIface:   cfg.Network.MulticastIface,
		RetransmitAddr:   cfg.Network.RetransmitAddr,
		MTU:              cfg.Network.MTU,
		RateBitsPerSec:   cfg.Sender.RateBitsPerSec,
		RetxWindow:       cfg.Retention.RetxWindow,
		MetadataCapBytes: cfg.Sender.MetadataCapBytes,
		StateDir:         cfg.Retention.StateDir,
	}, pool, authChannel, metrics, logger)
	if err != nil {
		log.Fatalf("failed to construct sender: %v", err)
	}
	if redisPool != nil {
		snd.Health().RegisterCheck("addrpool_redis", observability.RedisHealthCheck(redisPool.Ping))
	}

	go func() {
		if err := metrics.StartMetricsServer(9090, snd.Health()); err != nil {
			logger.Error(context.Background(), "metrics server stopped", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := snd.Start(ctx); err != nil {
		log.Fatalf("failed to start sender: %v", err)
	}
	logger.Info(ctx, "fmtp-sender started", map[string]interface{}{
		"feed":            cfg.Feed.Name,
		"multicast_group": cfg.Network.MulticastGroup,
		"retransmit_addr": cfg.Network.RetransmitAddr,
	})

	go readStdinProducts(ctx, snd, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down fmtp-sender", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := snd.Stop(); err != nil {
		logger.Error(shutdownCtx, "sender shutdown error", err)
	}
	logger.Info(shutdownCtx, "fmtp-sender stopped", nil)
}

// readStdinProducts treats each chunk read from stdin as one product with
// no metadata, publishing it until stdin is closed. A real feed-specific
// ingest adapter (LDM pqinsert, NEXRAD Level II framing, etc.) would
// replace this in production and is out of scope here (spec §1).
func readStdinProducts(ctx context.Context, snd *sender.Sender, logger *observability.Logger) {
	buf := make([]byte, 1<<20)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			var sig product.Signature
			if _, sendErr := snd.Send(ctx, data, nil, sig); sendErr != nil {
				logger.Error(ctx, "failed to send product", sendErr)
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Error(ctx, "stdin read error", err)
			}
			return
		}
	}
}
