package authchan

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// redisChannel carries the same 4-byte messages over a Redis list, for a
// control plane not co-located with the sender. BLPOP/RPUSH emulate the
// single-slot conduit: Send pushes, Receive blocks on BLPOP.
type redisChannel struct {
	client *redis.Client
	key    string
	isReader bool
}

func keyFor(feed uint32) string {
	return fmt.Sprintf("fmtp:authchan:feed_0x%X", feed)
}

// NewRedisReader creates the reader side of a Redis-backed authorization
// channel for feed.
func NewRedisReader(addr string, feed uint32) Channel {
	return &redisChannel{
		client:   redis.NewClient(&redis.Options{Addr: addr}),
		key:      keyFor(feed),
		isReader: true,
	}
}

// NewRedisWriter creates the writer side of a Redis-backed authorization
// channel for feed.
func NewRedisWriter(addr string, feed uint32) Channel {
	return &redisChannel{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    keyFor(feed),
	}
}

func (c *redisChannel) Send(ip net.IP) error {
	if c.isReader {
		return fmtperr.New(fmtperr.INVAL, "authchan: reader does not send")
	}
	buf, err := encode(ip)
	if err != nil {
		return err
	}
	if err := c.client.RPush(context.Background(), c.key, buf[:]).Err(); err != nil {
		return fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: redis RPUSH")
	}
	return nil
}

func (c *redisChannel) Receive() (net.IP, error) {
	if !c.isReader {
		return nil, fmtperr.New(fmtperr.INVAL, "authchan: writer does not receive")
	}
	result, err := c.client.BLPop(context.Background(), 0*time.Second, c.key).Result()
	if err != nil {
		return nil, fmtperr.Wrap(fmtperr.SYSTEM, err, "authchan: redis BLPOP")
	}
	if len(result) != 2 {
		return nil, fmtperr.New(fmtperr.CORRUPT, "authchan: malformed BLPOP reply")
	}
	return decode([]byte(result[1]))
}

func (c *redisChannel) Close() error {
	if c.isReader {
		c.client.Del(context.Background(), c.key)
	}
	return c.client.Close()
}
