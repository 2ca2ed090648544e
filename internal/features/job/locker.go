package job

import (
	"context"
	gosync "sync"
	"time"

	sync_feature "go-crmsync/internal/features/sync"
	crmredis "go-crmsync/internal/redis"
)

// ErrLocked is returned by Acquire when another job owns the key
var ErrLocked = sync_feature.ErrLocked

type Lock = sync_feature.Lock

type Locker = sync_feature.Locker

type RedisLocker struct {
	locker *crmredis.Locker
}

func NewRedisLocker(client *crmredis.Client) Locker {
	return &RedisLocker{locker: crmredis.NewLocker(client)}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu    gosync.Mutex
	held  map[string]time.Time
	token uint64
	owner map[string]uint64
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  map[string]time.Time{},
		owner: map[string]uint64{},
		now:   time.Now,
	}
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, ErrLocked
	}
	l.token++
	l.held[key] = now.Add(ttl)
	l.owner[key] = l.token
	return &memoryLock{locker: l, key: key, token: l.token}, nil
}

func (m *memoryLock) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if m.locker.owner[m.key] != m.token {
		return crmredis.ErrLockNotHeld
	}
	delete(m.locker.held, m.key)
	delete(m.locker.owner, m.key)
	return nil
}

// Held reports whether key is currently locked
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	expires, ok := l.held[key]
	return ok && l.now().Before(expires)
}
