package breaker

import (
	"context"
	"sync"
	"time"
)

// Window counts failures per integration over a rolling period
type Window interface {
	Add(ctx context.Context, key string, at time.Time, period time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// MemoryWindow is a single-process Window
type MemoryWindow struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{events: map[string][]time.Time{}}
}

func (w *MemoryWindow) Add(ctx context.Context, key string, at time.Time, period time.Duration) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := at.Add(-period)
	kept := w.events[key][:0]
	for _, t := range w.events[key] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	w.events[key] = kept
	return int64(len(kept)), nil
}

func (w *MemoryWindow) Reset(ctx context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
	return nil
}
