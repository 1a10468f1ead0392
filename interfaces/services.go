package interfaces

import (
	"context"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// MessageSender delivers one message to an external recipient.
type MessageSender interface {
	// Send returns an identifier assigned by the delivery system.
	Send(ctx context.Context, recipient, subject, body string) (string, error)
}

// Locker provides expiring mutual-exclusion locks keyed by string.
type Locker interface {
	// AcquireLock returns a token that must be presented to ReleaseLock.
	// It returns ErrLockHeld when another holder owns the key.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ReleaseLock releases the lock only if token still owns it.
	ReleaseLock(ctx context.Context, key, token string) error
}

// Counter provides expiring counters keyed by string.
type Counter interface {
	// Incr increments the counter and returns the new value. The ttl applies when
	// the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// KVStore is the ephemeral key-value store used for locks and counters.
type KVStore interface {
	Locker
	Counter
	Close() error
}
