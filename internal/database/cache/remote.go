package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// remoteTier stores enveloped payloads in Redis. It works against a single
// node, a sentinel failover client or a cluster.
type remoteTier struct {
	client    redis.UniversalClient
	keyPrefix string

	compress  bool
	threshold int

	compressionSavings atomic.Int64
}

func newRemoteTier(client redis.UniversalClient, keyPrefix string, compress bool, threshold int) *remoteTier {
	return &remoteTier{
		client:    client,
		keyPrefix: keyPrefix,
		compress:  compress,
		threshold: threshold,
	}
}

// Get returns the payload stored for key and its remaining lifetime (zero when
// the entry has none). Envelopes whose embedded expiry has passed are deleted
// and reported as misses.
func (r *remoteTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	redisKey := r.keyPrefix + key

	raw, err := r.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("failed to get from remote cache: %w", err)
	}

	env, payload, err := unwrap(raw)
	if err != nil {
		return nil, 0, false, err
	}
	now := time.Now()
	if env.expired(now) {
		if err := r.client.Unlink(ctx, redisKey).Err(); err != nil {
			return nil, 0, false, fmt.Errorf("failed to drop expired remote entry: %w", err)
		}
		return nil, 0, false, nil
	}

	var remaining time.Duration
	if env.ExpiresAt > 0 {
		remaining = time.UnixMilli(env.ExpiresAt).Sub(now)
	}
	return payload, remaining, true, nil
}

// Set stores payload under key. ttl must be positive.
func (r *remoteTier) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	data, err := wrap(payload, ttl, r.compress, r.threshold, time.Now())
	if err != nil {
		return err
	}
	if saved := int64(len(payload) - len(data)); saved > 0 {
		r.compressionSavings.Add(saved)
	}

	if err := r.client.Set(ctx, r.keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set remote cache: %w", err)
	}
	return nil
}

func (r *remoteTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Unlink(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from remote cache: %w", err)
	}
	return nil
}

// DeleteMatching scans for keys matching pattern and unlinks them in
// pipelined batches. On a cluster every master is scanned.
func (r *remoteTier) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	match := r.keyPrefix + pattern

	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		var total atomic.Int64
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			n, err := unlinkMatching(ctx, node, match)
			total.Add(int64(n))
			return err
		})
		return int(total.Load()), err
	}
	return unlinkMatching(ctx, r.client, match)
}

func unlinkMatching(ctx context.Context, c redis.Cmdable, match string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan remote cache: %w", err)
		}

		if len(keys) > 0 {
			// one UNLINK per key keeps cluster nodes free of cross-slot errors
			pipe := c.Pipeline()
			for _, key := range keys {
				pipe.Unlink(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("failed to unlink remote keys: %w", err)
			}
			removed += len(keys)
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *remoteTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *remoteTier) CompressionSavings() int64 {
	return r.compressionSavings.Load()
}
