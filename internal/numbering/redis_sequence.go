package numbering

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "lubesoft:invoice-seq:"
	redisKeyTTL    = 48 * time.Hour
)

// RedisSequence keeps one counter per calendar day in Redis so every terminal
// pointed at the same instance draws from the same sequence.
type RedisSequence struct {
	client *redis.Client
}

func NewRedisSequence(addr string, password string, db int) *RedisSequence {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSequence{client: client}
}

func NewRedisSequenceFromClient(client *redis.Client) *RedisSequence {
	return &RedisSequence{client: client}
}

func (s *RedisSequence) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSequence) Close() error {
	return s.client.Close()
}

func (s *RedisSequence) Next(ctx context.Context, day time.Time) (int64, error) {
	key := redisKeyPrefix + day.Format(dayLayout)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, redisKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val() % sequenceMod, nil
}
