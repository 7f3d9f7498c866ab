package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis sorted sets. Each bucket is one
// sorted set keyed by the bucket name; bucket expiration rides the
// native key TTL mechanism (EXPIREAT).
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to a single Redis node and verifies the
// connection with a ping.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client's configuration: timeouts, pooling and TLS
// all come from there.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Batch returns a plain pipeline: one round trip, no atomicity.
func (r *RedisStore) Batch() Batch {
	return &redisBatch{pipe: r.client.Pipeline()}
}

// TxBatch returns a MULTI/EXEC pipeline, so the queued operations
// apply atomically on the server.
func (r *RedisStore) TxBatch() Batch {
	return &redisBatch{pipe: r.client.TxPipeline()}
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

type redisBatch struct {
	pipe   redis.Pipeliner
	ranges []pendingRange
}

// pendingRange ties a queued ZRANGEBYSCORE to the RangeCmd handed out
// to the caller, so results can be copied over after Exec.
type pendingRange struct {
	src *redis.StringSliceCmd
	dst *RangeCmd
}

func (b *redisBatch) AddScored(bucket string, values ...ScoredValue) {
	if len(values) == 0 {
		return
	}
	members := make([]redis.Z, len(values))
	for i, v := range values {
		members[i] = redis.Z{Score: float64(v.Score), Member: v.Value}
	}
	b.pipe.ZAdd(context.Background(), bucket, members...)
}

func (b *redisBatch) RemoveScoredBelow(bucket string, cutoff int64) {
	// "(" makes the bound exclusive: an entry at exactly the cutoff
	// is still within its window and must survive.
	b.pipe.ZRemRangeByScore(context.Background(), bucket, "-inf", "("+strconv.FormatInt(cutoff, 10))
}

func (b *redisBatch) RangeFrom(bucket string, min int64) *RangeCmd {
	cmd := b.pipe.ZRangeByScore(context.Background(), bucket, &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: "+inf",
	})
	out := &RangeCmd{}
	b.ranges = append(b.ranges, pendingRange{src: cmd, dst: out})
	return out
}

func (b *redisBatch) ExpireAt(bucket string, at time.Time) {
	b.pipe.ExpireAt(context.Background(), bucket, at)
}

func (b *redisBatch) Delete(buckets ...string) {
	if len(buckets) == 0 {
		return
	}
	b.pipe.Del(context.Background(), buckets...)
}

func (b *redisBatch) Exec(ctx context.Context) error {
	if _, err := b.pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	for _, r := range b.ranges {
		values, err := r.src.Result()
		if errors.Is(err, redis.Nil) {
			// Missing bucket reads as empty, never as an error.
			values, err = nil, nil
		}
		r.dst.values, r.dst.err = values, err
	}
	return nil
}
