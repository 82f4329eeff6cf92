// Package config loads FMTP sender, receiver, and control-plane
// configuration from the environment, following the same flat
// getEnv/getIntEnv/getDurationEnv convention across all three binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for an FMTP process. Not every binary
// uses every section: cmd/fmtp-sender reads
// Feed+Network+Sender+Retention+AddressPool+AuthChannel, cmd/fmtp-receiver
// reads Feed+Network+Receiver+Retention, cmd/controlplaned reads
// ControlPlane+Database+AuthChannel, and all three read Observability. The
// Redis and RateLimit sections are loaded but no binary reads them.
type Config struct {
	Feed          FeedConfig
	Network       NetworkConfig
	Sender        SenderConfig
	Receiver      ReceiverConfig
	Retention     RetentionConfig
	AddressPool   AddressPoolConfig
	AuthChannel   AuthChannelConfig
	ControlPlane  ControlPlaneConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
}

// FeedConfig identifies the NOAAPort/LDM7 feed this process serves.
type FeedConfig struct {
	Type uint32 // feed-type integer, see GLOSSARY "Feed"
	Name string
}

// NetworkConfig carries the multicast/unicast endpoints of the FMTP wire.
type NetworkConfig struct {
	MulticastGroup    string // e.g. "224.0.1.1:38800"
	MulticastIface    string
	RetransmitAddr    string // sender's TCP listen address, or receiver's dial target
	MTU               int
	ReceiveBufferSize int
	SendBufferSize    int
}

// SenderConfig configures the publish/retransmission side.
type SenderConfig struct {
	StartIndex       uint32 // loaded from FMTP_START_INDEX but not passed to the sender, which always derives its first index from the sigmap
	RateBitsPerSec   uint64 // 0 disables pacing
	MetadataCapBytes int
	MaxProductBytes  int64
}

// ReceiverConfig configures reassembly and gap handling.
type ReceiverConfig struct {
	RetxTimeout        time.Duration
	TimeoutScanPeriod  time.Duration
	ReassemblyBufBytes int
}

// RetentionConfig configures the sender's retransmission retention window
// and the product-index map's persisted window.
type RetentionConfig struct {
	RetxWindow  int // number of most recent products retained for RETX
	MaxSigs     int // product-index map capacity
	StateDir    string
}

// AddressPoolConfig configures the Client-Address Pool's CIDR subnet.
type AddressPoolConfig struct {
	CIDR      string
	UseRedis  bool
	RedisAddr string
}

// AuthChannelConfig configures the Authorization Channel transport.
type AuthChannelConfig struct {
	Transport string // "unix" (default) or "redis"
	SocketDir string
	RedisAddr string
}

// ControlPlaneConfig configures the control-plane HTTP admin API.
type ControlPlaneConfig struct {
	ListenAddr         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	CORSAllowedOrigins []string
	RequestsPerMinute  int
	Burst              int
	UsePostgres        bool
}

type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ObservabilityConfig struct {
	JaegerEndpoint string
	ServiceName    string
	LogLevel       string
	LogFormat      string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Load loads configuration from environment variables, applying the
// defaults a standalone feed deployment would use. If FMTP_FEED_REGISTRY
// names a YAML file, the entry for FMTP_FEED_TYPE supplies per-feed
// defaults (name, multicast group, address-pool CIDR) that individual
// FMTP_* variables still override.
func Load(serviceName string) (*Config, error) {
	feedType := uint32(getIntEnv("FMTP_FEED_TYPE", 1))

	registry, err := loadFeedRegistry(getEnv("FMTP_FEED_REGISTRY", ""))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	feedName, mcastGroup, poolCIDR := "NEXRAD2", "224.0.1.1:38800", "10.1.0.0/24"
	if def, ok := registry[feedType]; ok {
		if def.Name != "" {
			feedName = def.Name
		}
		if def.MulticastGroup != "" {
			mcastGroup = def.MulticastGroup
		}
		if def.PoolCIDR != "" {
			poolCIDR = def.PoolCIDR
		}
	}

	cfg := &Config{
		Feed: FeedConfig{
			Type: feedType,
			Name: getEnv("FMTP_FEED_NAME", feedName),
		},
		Network: NetworkConfig{
			MulticastGroup:    getEnv("FMTP_MCAST_GROUP", mcastGroup),
			MulticastIface:    getEnv("FMTP_MCAST_IFACE", ""),
			RetransmitAddr:    getEnv("FMTP_RETX_ADDR", ":38801"),
			MTU:               getIntEnv("FMTP_MTU", 1500),
			ReceiveBufferSize: getIntEnv("FMTP_RECV_BUF_BYTES", 4*1024*1024),
			SendBufferSize:    getIntEnv("FMTP_SEND_BUF_BYTES", 4*1024*1024),
		},
		Sender: SenderConfig{
			StartIndex:       uint32(getIntEnv("FMTP_START_INDEX", 0)),
			RateBitsPerSec:   uint64(getIntEnv("FMTP_RATE_BPS", 0)),
			MetadataCapBytes: getIntEnv("FMTP_METADATA_CAP_BYTES", 65535),
			MaxProductBytes:  int64(getIntEnv("FMTP_MAX_PRODUCT_BYTES", 128*1024*1024)),
		},
		Receiver: ReceiverConfig{
			RetxTimeout:        getDurationEnv("FMTP_RETX_TIMEOUT", 60*time.Second),
			TimeoutScanPeriod:  getDurationEnv("FMTP_TIMEOUT_SCAN_PERIOD", 1*time.Second),
			ReassemblyBufBytes: getIntEnv("FMTP_REASSEMBLY_BUF_BYTES", 128*1024*1024),
		},
		Retention: RetentionConfig{
			RetxWindow: getIntEnv("FMTP_RETX_WINDOW", 64),
			MaxSigs:    getIntEnv("FMTP_MAX_SIGS", 10000),
			StateDir:   getEnv("FMTP_STATE_DIR", "/var/lib/fmtp"),
		},
		AddressPool: AddressPoolConfig{
			CIDR:      getEnv("FMTP_POOL_CIDR", poolCIDR),
			UseRedis:  getBoolEnv("FMTP_POOL_USE_REDIS", false),
			RedisAddr: getEnv("FMTP_POOL_REDIS_ADDR", "localhost:6379"),
		},
		AuthChannel: AuthChannelConfig{
			Transport: getEnv("FMTP_AUTHCHAN_TRANSPORT", "unix"),
			SocketDir: getEnv("FMTP_AUTHCHAN_SOCKET_DIR", "/tmp/fmtp"),
			RedisAddr: getEnv("FMTP_AUTHCHAN_REDIS_ADDR", "localhost:6379"),
		},
		ControlPlane: ControlPlaneConfig{
			ListenAddr:         getEnv("FMTP_CP_LISTEN_ADDR", ":8090"),
			ReadTimeout:        getDurationEnv("FMTP_CP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getDurationEnv("FMTP_CP_WRITE_TIMEOUT", 15*time.Second),
			CORSAllowedOrigins: getSliceEnv("FMTP_CP_CORS_ORIGINS", []string{"*"}),
			RequestsPerMinute:  getIntEnv("FMTP_CP_RATE_LIMIT_RPM", 600),
			Burst:              getIntEnv("FMTP_CP_RATE_LIMIT_BURST", 60),
			UsePostgres:        getBoolEnv("FMTP_CP_USE_POSTGRES", false),
		},
		Database: DatabaseConfig{
			URL:          getEnv("FMTP_DATABASE_URL", ""),
			MaxOpenConns: getIntEnv("FMTP_DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getIntEnv("FMTP_DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("FMTP_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("FMTP_REDIS_PASSWORD", ""),
			DB:       getIntEnv("FMTP_REDIS_DB", 0),
		},
		Observability: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", serviceName),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getIntEnv("RATE_LIMIT_REQUESTS_PER_MINUTE", 600),
			Burst:             getIntEnv("RATE_LIMIT_BURST", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Retention.MaxSigs <= 0 {
		return fmt.Errorf("FMTP_MAX_SIGS must be positive")
	}
	if c.Retention.RetxWindow <= 0 {
		return fmt.Errorf("FMTP_RETX_WINDOW must be positive")
	}
	if c.Network.MTU <= 12 {
		return fmt.Errorf("FMTP_MTU must exceed the 12-byte packet header")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
