package job

import (
	"context"
	"encoding/json"
	"sort"
	gosync "sync"
	"time"

	crmredis "go-crmsync/internal/redis"
)

// Queue holds jobs until they are due
type Queue interface {
	Push(ctx context.Context, job Job, at time.Time) error
	// PopDue removes and returns the earliest due job, or nil when none is due
	PopDue(ctx context.Context, now time.Time) (*Job, error)
}

type RedisQueue struct {
	delayed *crmredis.DelayedQueue
}

func NewRedisQueue(client *crmredis.Client) Queue {
	return &RedisQueue{delayed: crmredis.NewDelayedQueue(client, "crmsync:jobs")}
}

func (q *RedisQueue) Push(ctx context.Context, job Job, at time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.delayed.Push(ctx, payload, at)
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) (*Job, error) {
	payload, err := q.delayed.PopDue(ctx, now)
	if err != nil || payload == nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

type scheduled struct {
	job Job
	at  time.Time
}

// MemoryQueue is a process-local Queue for tests and one-shot CLI runs
type MemoryQueue struct {
	mu    gosync.Mutex
	items []scheduled
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(ctx context.Context, job Job, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, scheduled{job: job, at: at})
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].at.Before(q.items[j].at) })
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].at.After(now) {
		return nil, nil
	}
	job := q.items[0].job
	q.items = q.items[1:]
	return &job, nil
}

// Pending returns the queued jobs with their due times, earliest first
func (q *MemoryQueue) Pending() ([]Job, []time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, len(q.items))
	times := make([]time.Time, len(q.items))
	for i, it := range q.items {
		jobs[i], times[i] = it.job, it.at
	}
	return jobs, times
}
