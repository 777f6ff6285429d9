package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"leadflow/internal/domain"
)

// keyTTL keeps a day's counter around long enough to be read the next morning.
const keyTTL = 48 * time.Hour

var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if cur + n > tonumber(ARGV[2]) then
  return -1
end
local v = redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return v
`)

// RedisLedger keeps counters in Redis, for deployments that run several
// engine processes against one tenant pool.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "leadflow:quota"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) key(tenantID, day string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, tenantID, day)
}

func (l *RedisLedger) Usage(ctx context.Context, tenantID, day string) (int, error) {
	n, err := l.client.Get(ctx, l.key(tenantID, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (l *RedisLedger) Increment(ctx context.Context, tenantID, day string, delta int) (int, error) {
	if delta < 0 {
		return 0, errNegative
	}
	key := l.key(tenantID, day)
	pipe := l.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(delta))
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment quota %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

func (l *RedisLedger) Reserve(ctx context.Context, tenantID, day string, n, limit int) (int, error) {
	if n < 0 {
		return 0, errNegative
	}
	key := l.key(tenantID, day)
	v, err := reserveScript.Run(ctx, l.client, []string{key}, n, limit, int(keyTTL.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("reserve quota %s: %w", key, err)
	}
	if v < 0 {
		return 0, domain.ErrQuotaExceeded
	}
	return v, nil
}
