package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// popDueScript atomically removes and returns the earliest member whose score is due.
var popDueScript = redis.NewScript(`
	local items = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
	if #items == 0 then
		return false
	end
	redis.call("zrem", KEYS[1], items[1])
	return items[1]
`)

// DelayedQueue is a durable queue of opaque payloads that become visible at a given time.
// Members must be unique; callers embed a job id and attempt number in the payload.
type DelayedQueue struct {
	client *Client
	key    string
}

func NewDelayedQueue(client *Client, key string) *DelayedQueue {
	if key == "" {
		key = "crmsync:jobs"
	}
	return &DelayedQueue{client: client, key: key}
}

// Push schedules payload to become visible at `at`.
func (q *DelayedQueue) Push(ctx context.Context, payload []byte, at time.Time) error {
	return q.client.rdb.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(payload),
	}).Err()
}

// PopDue returns the next payload due at `now`, or nil when nothing is ready.
func (q *DelayedQueue) PopDue(ctx context.Context, now time.Time) ([]byte, error) {
	res, err := popDueScript.Run(ctx, q.client.rdb, []string{q.key}, strconv.FormatInt(now.UnixMilli(), 10)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(res), nil
}

// Len reports how many payloads are queued, due or not.
func (q *DelayedQueue) Len(ctx context.Context) (int64, error) {
	return q.client.rdb.ZCard(ctx, q.key).Result()
}
