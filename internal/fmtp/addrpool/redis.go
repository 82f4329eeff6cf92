package addrpool

import (
	"context"
	"net"

	"github.com/redis/go-redis/v9"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// RedisPool is a Pool backed by a shared Redis instance, for control planes
// running as more than one replica. It namespaces keys per feed so
// multiple feeds can share one Redis database.
type RedisPool struct {
	client *redis.Client
	feed   uint32
	cidr   *net.IPNet
	base   uint32
	size   uint32
}

// NewRedisPool constructs a RedisPool for feed over the given CIDR,
// talking to the Redis instance at addr.
func NewRedisPool(addr string, feed uint32, cidr string) (*RedisPool, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.INVAL, err, "addrpool: bad CIDR %q", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)

	return &RedisPool{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		feed:   feed,
		cidr:   ipnet,
		base:   ipToUint32(ip.Mask(ipnet.Mask)),
		size:   size,
	}, nil
}

func (p *RedisPool) leasedKey() string  { return keyFor(p.feed, "leased") }
func (p *RedisPool) allowedKey() string { return keyFor(p.feed, "allowed") }

func keyFor(feed uint32, suffix string) string {
	return "fmtp:addrpool:" + suffixHex(feed) + ":" + suffix
}

func suffixHex(feed uint32) string {
	const hex = "0123456789ABCDEF"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hex[feed&0xF]
		feed >>= 4
	}
	return string(buf)
}

// GetAvailable scans the subnet for the first host not in the leased set,
// reserving it with a single SADD (Redis operations are serialized per
// connection, so this is race-free under one Redis instance).
func (p *RedisPool) GetAvailable() (net.IP, error) {
	ctx := context.Background()

	start := uint32(0)
	end := p.size
	if p.size > 2 {
		start = 1
		end = p.size - 1
	}

	for offset := start; offset < end; offset++ {
		host := p.base + offset
		member := uint32ToIP(host).String()

		added, err := p.client.SAdd(ctx, p.leasedKey(), member).Result()
		if err != nil {
			return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "addrpool: redis SADD")
		}
		if added == 1 {
			if err := p.client.SAdd(ctx, p.allowedKey(), member).Err(); err != nil {
				return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "addrpool: redis SADD allowed")
			}
			return uint32ToIP(host), nil
		}
	}
	return nil, fmtperr.New(fmtperr.NOENT, "addrpool: subnet %s exhausted", p.cidr)
}

// Allow admits ip without reserving it.
func (p *RedisPool) Allow(ip net.IP) {
	p.client.SAdd(context.Background(), p.allowedKey(), ip.String())
}

// IsAllowed checks Redis set membership.
func (p *RedisPool) IsAllowed(ip net.IP) bool {
	ok, err := p.client.SIsMember(context.Background(), p.allowedKey(), ip.String()).Result()
	if err != nil {
		return false
	}
	return ok
}

// Ping checks connectivity to the backing Redis instance, for use as a
// health check.
func (p *RedisPool) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Release removes ip from the leased set, failing with NOENT if absent.
func (p *RedisPool) Release(ip net.IP) error {
	ctx := context.Background()
	removed, err := p.client.SRem(ctx, p.leasedKey(), ip.String()).Result()
	if err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "addrpool: redis SREM")
	}
	if removed == 0 {
		return fmtperr.New(fmtperr.NOENT, "addrpool: %s was never leased", ip)
	}
	return nil
}
