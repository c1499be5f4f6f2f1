package commandqueue

import (
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

// dedupCall is one submission shared by every request with the same key.
// result is valid once finished is closed.
type dedupCall struct {
	finished chan struct{}
	result   taskResult
	expires  time.Time
}

// dedupCache joins submissions by request id. A call in flight is shared
// with later duplicates; a successful call is replayed until it expires.
// Failed calls are forgotten so the next duplicate runs again.
type dedupCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	calls map[string]*dedupCall
}

func newDedupCache(ttl time.Duration, now func() time.Time) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &dedupCache{ttl: ttl, now: now, calls: make(map[string]*dedupCall)}
}

// join returns the call for key. owner is true when the caller created it
// and must report the outcome through finish.
func (dc *dedupCache) join(key string) (call *dedupCall, owner bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if call, ok := dc.calls[key]; ok {
		if call.expires.IsZero() || dc.now().Before(call.expires) {
			return call, false
		}
		delete(dc.calls, key)
	}

	call = &dedupCall{finished: make(chan struct{})}
	dc.calls[key] = call
	return call, true
}

// finish publishes result to everyone waiting on call.
func (dc *dedupCache) finish(key string, call *dedupCall, result taskResult) {
	dc.mu.Lock()
	now := dc.now()
	call.result = result
	if result.err == nil {
		call.expires = now.Add(dc.ttl)
	} else if dc.calls[key] == call {
		delete(dc.calls, key)
	}
	dc.pruneLocked(now)
	dc.mu.Unlock()

	close(call.finished)
}

func (dc *dedupCache) pruneLocked(now time.Time) {
	for key, call := range dc.calls {
		if !call.expires.IsZero() && !now.Before(call.expires) {
			delete(dc.calls, key)
		}
	}
}

// Size returns the number of calls held, in flight or replayable.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.calls)
}
