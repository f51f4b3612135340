// Package lock provides the per-wallet critical section.
//
// A Locker serializes work keyed by an arbitrary string (the user id for
// wallets). The in-process LocalLocker is enough for a single node; the
// RedisLocker extends the same guarantee across nodes sharing one database.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context was done.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires an exclusive lock on key. The returned func releases it and
// is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// WalletKey is the lock key guarding a user's wallet.
func WalletKey(userID string) string {
	return "wallet:" + userID
}
