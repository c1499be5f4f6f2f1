package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_TryAcquire(t *testing.T) {
	l := NewKeyedLocker()

	release, ok := l.TryAcquire("a")
	require.True(t, ok)
	assert.True(t, l.Held("a"))

	_, ok = l.TryAcquire("a")
	assert.False(t, ok)

	other, ok := l.TryAcquire("b")
	require.True(t, ok)
	other()

	release()
	release() // idempotent
	assert.False(t, l.Held("a"))
	assert.Equal(t, 0, l.Len())
}

func TestKeyedLocker_AcquireWaitsAndHonorsContext(t *testing.T) {
	l := NewKeyedLocker()
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "k")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, l.Len())
}

func TestKeyedLocker_MutualExclusion(t *testing.T) {
	l := NewKeyedLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "shared")
			if err != nil {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}
