package store

import (
	"context"
	"sync"
)

// KeyedLocker provides one mutual-exclusion slot per key. Entries are
// dropped once no holder or waiter references them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{
		locks: make(map[string]*keyLock),
	}
}

// Acquire blocks until key is free or ctx is done.
func (l *KeyedLocker) Acquire(ctx context.Context, key string) (func(), error) {
	entry := l.ref(key)

	select {
	case entry.sem <- struct{}{}:
		return l.releaser(key, entry), nil
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}
}

// TryAcquire takes key only if it is free.
func (l *KeyedLocker) TryAcquire(key string) (func(), bool) {
	entry := l.ref(key)

	select {
	case entry.sem <- struct{}{}:
		return l.releaser(key, entry), true
	default:
		l.unref(key, entry)
		return nil, false
	}
}

// Held reports whether key is currently taken.
func (l *KeyedLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	return ok && len(entry.sem) > 0
}

// Len returns the number of tracked keys.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}

func (l *KeyedLocker) releaser(key string, entry *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			l.unref(key, entry)
		})
	}
}

func (l *KeyedLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *KeyedLocker) unref(key string, entry *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}
