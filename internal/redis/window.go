package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow counts events per key over a rolling period using a sorted set
// scored by event time.
type SlidingWindow struct {
	client    *Client
	keyPrefix string
}

func NewSlidingWindow(client *Client) *SlidingWindow {
	return &SlidingWindow{client: client, keyPrefix: "crmsync:failures:"}
}

// Add records one event at `at` and returns how many events fall inside the window ending at `at`.
func (w *SlidingWindow) Add(ctx context.Context, key string, at time.Time, period time.Duration) (int64, error) {
	fullKey := w.keyPrefix + key
	cutoff := at.Add(-period).UnixMilli()

	pipe := w.client.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.New().String()})
	count := pipe.ZCard(ctx, fullKey)
	pipe.PExpire(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return count.Val(), nil
}

// Reset clears the window for key, used when an integration is manually reactivated.
func (w *SlidingWindow) Reset(ctx context.Context, key string) error {
	return w.client.rdb.Del(ctx, w.keyPrefix+key).Err()
}
