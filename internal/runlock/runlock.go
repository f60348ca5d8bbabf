// Package runlock serializes invocations that share the same state. Only one
// run may hold the lock at a time; a second run fails fast with ErrLocked.
package runlock

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrLocked means another run holds the lock
var ErrLocked = errors.New("another run holds the lock")

// Locker is a non-blocking mutual exclusion lock
type Locker interface {
	// Lock acquires the lock or returns ErrLocked
	Lock(ctx context.Context) error
	// Unlock releases a lock acquired by this Locker
	Unlock(ctx context.Context) error
}

// nopLocker is used when locking is disabled
type nopLocker struct{}

func (nopLocker) Lock(context.Context) error   { return nil }
func (nopLocker) Unlock(context.Context) error { return nil }

// Nop returns a Locker that never blocks
func Nop() Locker {
	return nopLocker{}
}

func newToken() string {
	return uuid.NewString()
}
