package kvstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/ruteri/custody-switch/interfaces"
)

// WithLock runs fn while holding key. It returns interfaces.ErrLockHeld
// without running fn when the lock is taken. Release runs even if ctx was
// cancelled during fn.
func WithLock(ctx context.Context, locker interfaces.Locker, key string, ttl time.Duration, log *slog.Logger, fn func(ctx context.Context) error) error {
	token, err := locker.AcquireLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil && log != nil {
			log.Warn("failed to release lock", "key", key, "err", err)
		}
	}()
	return fn(ctx)
}
