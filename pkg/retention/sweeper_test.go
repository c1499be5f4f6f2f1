package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/agents/examples"
	"github.com/harun/procd/pkg/commandqueue"
	"github.com/harun/procd/pkg/engine"
	"github.com/harun/procd/pkg/event"
	"github.com/harun/procd/pkg/hooks"
	"github.com/harun/procd/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine  *engine.Engine
	store   *store.Store
	clock   *manualClock
	created *examples.ProcessSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := agent.NewRegistry()
	created := examples.NewProcessSet()
	require.NoError(t, examples.Register(reg, created))

	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.New(store.Options{
		Hooks:  hooks.NewRunner(reg, nil, zerolog.Nop()),
		Logger: zerolog.Nop(),
		Clock:  clock.Now,
	})

	eng, err := engine.New(engine.Config{
		Registry: reg,
		Store:    st,
		Hub:      event.NewHub(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	return &fixture{engine: eng, store: st, clock: clock, created: created}
}

func (f *fixture) greet(t *testing.T) string {
	t.Helper()
	status, err := f.engine.Invoke(context.Background(), engine.Request{
		AgentType: examples.HelloWorldType,
		Operation: "idle",
		Input:     map[string]interface{}{"name": "retention"},
	})
	require.NoError(t, err)
	require.Equal(t, agent.StateTerminated, status.State)
	return status.ProcessID
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing store", Config{Deleter: f.engine, TTL: time.Hour, Schedule: "@hourly"}, "store is required"},
		{"missing deleter", Config{Store: f.store, TTL: time.Hour, Schedule: "@hourly"}, "deleter is required"},
		{"zero ttl", Config{Store: f.store, Deleter: f.engine, Schedule: "@hourly"}, "ttl must be positive"},
		{"bad schedule", Config{Store: f.store, Deleter: f.engine, TTL: time.Hour, Schedule: "whenever"}, "invalid retention schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSweep_DeletesExpiredFinalProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.greet(t)
	_, err := f.engine.CreateProcess(ctx, examples.StateMachineType, "sm-1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	fresh := f.greet(t)

	f.clock.Advance(30 * time.Minute)

	sweeper, err := New(Config{
		Schedule: "@hourly",
		TTL:      time.Hour,
		Store:    f.store,
		Deleter:  f.engine,
		Logger:   zerolog.Nop(),
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = f.engine.Status(ctx, examples.HelloWorldType, old)
	assert.Equal(t, 404, engine.StatusCode(err))
	assert.False(t, f.created.Has(old), "delete hook should run for swept processes")

	_, err = f.engine.Status(ctx, examples.HelloWorldType, fresh)
	assert.NoError(t, err)

	status, err := f.engine.Status(ctx, examples.StateMachineType, "sm-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StateUninitialized, status.State)
}

func TestSweep_SkipsBusyProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid := f.greet(t)
	f.clock.Advance(2 * time.Hour)

	release, ok := f.store.TryAcquire(examples.HelloWorldType, pid)
	require.True(t, ok)

	sweeper, err := New(Config{
		Schedule: "@hourly",
		TTL:      time.Hour,
		Store:    f.store,
		Deleter:  f.engine,
		Logger:   zerolog.Nop(),
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	release()
	deleted, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestSweeper_RunsOnCronLane(t *testing.T) {
	f := newFixture(t)
	f.greet(t)
	f.clock.Advance(2 * time.Hour)

	queue := commandqueue.New(commandqueue.WithLogger(zerolog.Nop()))
	defer queue.Close()

	var lanes sync.Map
	queue.On(commandqueue.EventCompleted, func(e commandqueue.Event) {
		lanes.Store(e.Lane, true)
	})

	sweeper, err := New(Config{
		Schedule: "@every 1s",
		TTL:      time.Hour,
		Store:    f.store,
		Deleter:  f.engine,
		Queue:    queue,
		Logger:   zerolog.Nop(),
		Clock:    f.clock.Now,
	})
	require.NoError(t, err)

	sweeper.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, sweeper.Stop(ctx))
	}()

	assert.Eventually(t, func() bool {
		page, err := f.engine.ListProcesses(context.Background(), examples.HelloWorldType, store.Page{})
		if err != nil || page.Total != 0 {
			return false
		}
		_, ok := lanes.Load(commandqueue.LaneCron)
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	f := newFixture(t)
	sweeper, err := New(Config{
		Schedule: "@hourly",
		TTL:      time.Hour,
		Store:    f.store,
		Deleter:  f.engine,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.NoError(t, sweeper.Stop(context.Background()))
}
