package sync

import (
	"context"
	"time"

	"go-crmsync/internal/common/models"
	crmredis "go-crmsync/internal/redis"

	"go.uber.org/zap"
)

// ErrLocked is returned by Acquire when another worker owns the key
var ErrLocked = crmredis.ErrLockNotAcquired

type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants TTL bound exclusive ownership of a key without waiting
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// LockKey serializes work per conversation and action
func LockKey(conversationID string, action models.SyncAction) string {
	return conversationID + ":" + string(action)
}

// withLock runs fn while holding the (conversation, action) lock. A held lock
// returns ErrLocked without running fn.
func (s *SyncServiceImpl) withLock(ctx context.Context, conversationID string, action models.SyncAction, fn func() (*Results, error)) (*Results, error) {
	if s.Locker == nil {
		return fn()
	}

	lock, err := s.Locker.Acquire(ctx, LockKey(conversationID, action), s.lockTTL())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("Failed to release conversation lock", zap.String("key", LockKey(conversationID, action)), zap.Error(err))
		}
	}()

	return fn()
}

func (s *SyncServiceImpl) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 5 * time.Minute
	}
	return s.LockTTL
}
