package identity

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	goredis "github.com/redis/go-redis/v9"

	"trustedge/internal/platform/redis"
)

var redisOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "trustedge_identity_redis_op_duration_seconds",
	Help:    "Latency of identity store operations against Redis.",
	Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25},
}, []string{"op"})

// RedisStore persists identities and counters in Redis. Incr relies on the
// server-side INCR so concurrent requests never lose counts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a connected Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	timer := prometheus.NewTimer(redisOpDuration.WithLabelValues("get"))
	defer timer.ObserveDuration()

	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	timer := prometheus.NewTimer(redisOpDuration.WithLabelValues("put"))
	defer timer.ObserveDuration()

	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	timer := prometheus.NewTimer(redisOpDuration.WithLabelValues("incr"))
	defer timer.ObserveDuration()

	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	timer := prometheus.NewTimer(redisOpDuration.WithLabelValues("del"))
	defer timer.ObserveDuration()

	return s.client.Del(ctx, key).Err()
}
