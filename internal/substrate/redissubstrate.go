package substrate

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// notifyChannel is the single Redis Pub/Sub channel all notifications ride
// on; messages are "<key>\x00<value>" and subscribers filter by key pattern
// client-side, mirroring Mem's matching behaviour so the two implementations
// are interchangeable in tests.
const notifyChannel = "noports:notify"

// kvPrefix namespaces the SET side channel: with a non-zero kvTTL, Notify
// also stores each value under kvPrefix+key. Subscribe never reads these
// keys, so a subscriber sees only live Pub/Sub traffic.
const kvPrefix = "noports:kv:"

// Redis is a Substrate backed by Redis Pub/Sub plus an optional SET side channel,
// standing in for the real encrypted identity substrate in integration
// tests and local development. It reuses the REDIS_ADDR environment
// variable convention and default of the teacher's Asynq wiring
// (internal/worker/worker.go's asynq.RedisClientOpt), since the real
// substrate is out of scope and this is only ever a development double.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to addr (falling back to REDIS_ADDR, then
// "localhost:6379", exactly as the teacher's worker.New does) and returns a
// Redis-backed Substrate. kvTTL is the expiry of values written to the side
// channel; 0 disables the side channel write.
func NewRedis(addr string, kvTTL time.Duration) *Redis {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	return &Redis{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: kvTTL,
	}
}

// Close releases the underlying Redis connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Notify(ctx context.Context, key, value string) error {
	msg := key + "\x00" + value
	if err := r.rdb.Publish(ctx, notifyChannel, msg).Err(); err != nil {
		return fmt.Errorf("substrate: redis publish: %w", err)
	}
	if r.ttl > 0 {
		if err := r.rdb.Set(ctx, kvPrefix+key, value, r.ttl).Err(); err != nil {
			return fmt.Errorf("substrate: redis set: %w", err)
		}
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, pattern string) (<-chan Notification, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("substrate: invalid pattern %q: %w", pattern, err)
	}

	pubsub := r.rdb.Subscribe(ctx, notifyChannel)
	out := make(chan Notification, 32)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key, value, found := strings.Cut(msg.Payload, "\x00")
				if !found || !re.MatchString(key) {
					continue
				}
				select {
				case out <- Notification{Key: key, Value: value}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
