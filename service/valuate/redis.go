package valuate

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mikeydub/go-barter/env"
	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
)

// ValuationsDB is the redis database holding shared valuations.
const ValuationsDB = 0

const valuationKeyPrefix = "barter:valuation:"

// RedisSource shares valuations across processes through redis, reading
// through to an underlying ValueSource on a miss. Hosts that run a single
// process should prefer CachedSource.
type RedisSource struct {
	source ValueSource
	client *redis.Client
	ttl    time.Duration
}

func newRedisClient(ctx context.Context, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     env.GetString(ctx, "BARTER_REDIS_URL"),
		Password: env.GetString(ctx, "BARTER_REDIS_PASS"),
		DB:       db,
	})
}

// NewRedisSource returns a RedisSource in front of the given source. Cached
// entries expire after ttl; ttl <= 0 caches forever.
func NewRedisSource(source ValueSource, ttl time.Duration) *RedisSource {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	client := newRedisClient(ctx, ValuationsDB)
	if err := client.Ping(ctx).Err(); err != nil {
		panic(err)
	}
	return &RedisSource{source: source, client: client, ttl: ttl}
}

// ValueOf returns the shared valuation, reading through on a miss. Redis
// failures fall back to the underlying source.
func (r *RedisSource) ValueOf(ctx context.Context, id persist.NFTID) (float64, error) {
	key := valuationKeyPrefix + id.String()

	cached, err := r.client.Get(ctx, key).Result()
	if err == nil {
		if v, perr := strconv.ParseFloat(cached, 64); perr == nil {
			return v, nil
		}
	} else if err != redis.Nil {
		logger.For(ctx).Warnf("redis valuation read failed for %s: %s", id, err)
	}

	v, err := r.source.ValueOf(ctx, id)
	if err != nil {
		return 0, nil
	}
	if v < 0 {
		v = 0
	}

	if err := r.client.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64), r.ttl).Err(); err != nil {
		logger.For(ctx).Warnf("redis valuation write failed for %s: %s", id, err)
	}

	return v, nil
}

// Close releases the redis client.
func (r *RedisSource) Close() error {
	return r.client.Close()
}
