package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/procd/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func returning(v interface{}, err error) Task {
	return func(context.Context) (interface{}, error) { return v, err }
}

func TestCommandQueue_Enqueue(t *testing.T) {
	errBoom := errors.New("state write failed")

	tests := []struct {
		name    string
		task    Task
		want    interface{}
		wantErr string
	}{
		{name: "value", task: returning("ok", nil), want: "ok"},
		{name: "error", task: returning(nil, errBoom), wantErr: errBoom.Error()},
		{name: "panic", task: func(context.Context) (interface{}, error) { panic("boom") }, wantErr: "task panicked: boom"},
	}

	cq := New()
	defer cq.Close()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cq.Enqueue("HelloWorld/p1", tt.task, nil)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cq.Enqueue("serial", func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetRunningCount("serial") == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue("serial", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		require.Eventually(t, func() bool { return cq.GetQueueSize("serial") == i+1 }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan string, 2)

	for _, lane := range []string{"lane1", "lane2"} {
		lane := lane
		go func() {
			_, _ = cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) {
				started <- lane
				<-release
				return nil, nil
			}, nil)
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case lane := <-started:
			seen[lane] = true
		case <-time.After(time.Second):
			t.Fatal("lanes did not run concurrently")
		}
	}
	close(release)
	assert.True(t, seen["lane1"] && seen["lane2"])
}

func TestCommandQueue_Stats(t *testing.T) {
	cq := New()
	defer cq.Close()

	stats := cq.Stats()

	require.Contains(t, stats, LaneMain)
	require.Contains(t, stats, LaneCron)
	assert.Equal(t, LaneStats{Concurrency: 1}, stats[LaneMain])
	assert.Equal(t, LaneStats{Concurrency: 5}, stats[LaneCron])
	assert.Equal(t, LaneStats{}, cq.LaneStats("missing"))
}

func TestCommandQueue_EphemeralLaneIsPruned(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue("HelloWorld/p1", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !cq.HasLane("HelloWorld/p1") }, time.Second, time.Millisecond)
	assert.True(t, cq.HasLane(LaneMain))
}

func TestCommandQueue_ContextCancelledWhileQueued(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue("busy", func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetRunningCount("busy") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran atomic.Bool
	_, err := cq.EnqueueWithContext(ctx, "busy", func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, cq.GetQueueSize("busy"))

	close(gate)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.False(t, ran.Load())
}

func TestCommandQueue_RequestIDReplaysResult(t *testing.T) {
	cq := New()
	defer cq.Close()

	var calls atomic.Int32
	task := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}

	ctx := tracing.WithRequestID(context.Background(), "req-1")
	first, err := cq.EnqueueWithContext(ctx, LaneMain, task, nil)
	require.NoError(t, err)
	second, err := cq.EnqueueWithContext(ctx, LaneMain, task, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	defer close(gate)

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
				<-gate
				return nil, nil
			}, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.GetQueueSize("test") == 4 }, time.Second, time.Millisecond)

	cleared := cq.ClearLane("test")
	assert.Equal(t, 4, cleared)
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, <-errs, ErrLaneCleared)
	}
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	cq.SetConcurrency("reset", 1)
	gate := make(chan struct{})
	defer close(gate)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := cq.Enqueue("reset", func(ctx context.Context) (interface{}, error) {
				<-gate
				return nil, nil
			}, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.GetQueueSize("reset") == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, cq.ResetLane("reset"))
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-errs, ErrLaneReset)
	}
	assert.Equal(t, 1, cq.GetRunningCount("reset"))
	assert.Zero(t, cq.ResetLane("missing"))
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := New()
	defer cq.Close()

	cq.SetConcurrency("test", 3)

	stats := cq.LaneStats("test")
	assert.Equal(t, 3, stats.Concurrency)
	assert.False(t, stats.Ephemeral)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := New()
	defer cq.Close()

	gate := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(LaneCron, func(context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetRunningCount(LaneCron) == 1 }, time.Second, time.Millisecond)

	assert.False(t, cq.WaitForActive(20*time.Millisecond))
	close(gate)
	assert.True(t, cq.WaitForActive(time.Second))
}

func TestCommandQueue_ClosedRejects(t *testing.T) {
	cq := New()
	require.NoError(t, cq.Close())

	_, err := cq.Enqueue(LaneMain, returning(nil, nil), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandQueue_Events(t *testing.T) {
	cq := New()
	defer cq.Close()

	events := make(chan Event, 8)
	cq.On(EventEnqueued, func(e Event) { events <- e })
	cq.On(EventCompleted, func(e Event) { events <- e })

	_, err := cq.Enqueue("Sleeper/p2", returning(nil, errors.New("nope")), nil)
	require.Error(t, err)

	enqueued := <-events
	assert.Equal(t, EventEnqueued, enqueued.Type)
	assert.Equal(t, "Sleeper/p2", enqueued.Lane)
	assert.NotEmpty(t, enqueued.TaskID)
	assert.Equal(t, 1, enqueued.QueueSize)

	var completed Event
	select {
	case completed = <-events:
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
	assert.Equal(t, EventCompleted, completed.Type)
	assert.Equal(t, enqueued.TaskID, completed.TaskID)
	assert.GreaterOrEqual(t, completed.Duration, time.Duration(0))
	assert.False(t, completed.Succeeded())
	assert.EqualError(t, completed.Err, "nope")

	cq.Off(EventEnqueued)
	cq.Off(EventCompleted)
	_, err = cq.Enqueue("Sleeper/p2", returning(nil, nil), nil)
	require.NoError(t, err)
	assert.Never(t, func() bool { return len(events) > 0 }, 20*time.Millisecond, time.Millisecond)
}

func TestCommandQueue_WithDedupTTL(t *testing.T) {
	cq := New(WithDedupTTL(20 * time.Millisecond))
	defer cq.Close()

	var calls atomic.Int32
	task := func(ctx context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}

	ctx := tracing.WithRequestID(context.Background(), "req-ttl")
	_, err := cq.EnqueueWithContext(ctx, LaneMain, task, nil)
	require.NoError(t, err)
	_, err = cq.EnqueueWithContext(ctx, LaneMain, task, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(40 * time.Millisecond)
	_, err = cq.EnqueueWithContext(ctx, LaneMain, task, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
