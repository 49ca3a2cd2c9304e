// Package lockscope provides in-process exclusive locks keyed by string.
// Backends without native row locks use it to serialize trades per wallet
// and per (user, symbol) holding.
package lockscope

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyLocker hands out one exclusive lock per key. Entries are reference
// counted and removed once nobody holds or waits for them.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// New returns an empty KeyLocker.
func New() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held or ctx is done. The returned release func is
// safe to call more than once.
func (l *KeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.acquireRef(key)

	if err := kl.sem.Acquire(ctx, 1); err != nil {
		l.releaseRef(key, kl)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.sem.Release(1)
			l.releaseRef(key, kl)
		})
	}, nil
}

// LockAll acquires keys in the order given and returns one func releasing
// them in reverse. On failure every lock already taken is released.
// Callers must pass keys in a consistent global order to avoid deadlock.
func (l *KeyLocker) LockAll(ctx context.Context, keys ...string) (func(), error) {
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, key := range keys {
		release, err := l.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLocker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyLocker) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// WalletKey is the lock key for a user's wallet.
func WalletKey(userID string) string {
	return "wallet\x00" + userID
}

// HoldingKey is the lock key for one (user, symbol) holding.
func HoldingKey(userID, symbol string) string {
	return "holding\x00" + userID + "\x00" + symbol
}
