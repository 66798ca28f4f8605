package budget_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/elementindex/internal/budget"
	"github.com/xkilldash9x/elementindex/internal/observability"
)

type memory struct{ v atomic.Uint64 }

func (m *memory) probe() uint64 { return m.v.Load() }

func newManager(t *testing.T, cfg budget.Config, mem *memory) *budget.Manager {
	t.Helper()
	opts := []budget.Option{budget.WithMetrics(observability.NewMetrics())}
	if mem != nil {
		opts = append(opts, budget.WithMemoryProbe(mem.probe))
	}
	return budget.NewManager(cfg, zaptest.NewLogger(t), opts...)
}

func TestExecute_Success(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newManager(t, budget.Config{}, &memory{})
	defer m.Shutdown()

	out := m.Execute(context.Background(), "scan", 0, func(context.Context) (any, error) {
		return 42, nil
	})
	assert.True(t, out.Success)
	assert.False(t, out.Throttled)
	assert.Equal(t, 42, out.Value)
	assert.NoError(t, out.Err)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Executed)
	assert.Equal(t, 1, st.Samples)
}

func TestExecute_OverBudgetIsLoggedButSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)
	core, logs := observer.New(zapcore.WarnLevel)
	m := budget.NewManager(budget.Config{OperationBudget: time.Second}, zap.New(core),
		budget.WithMemoryProbe(func() uint64 { return 0 }))
	defer m.Shutdown()

	out := m.Execute(context.Background(), "slow", time.Millisecond, func(context.Context) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	assert.True(t, out.Success)
	assert.GreaterOrEqual(t, out.Elapsed, 5*time.Millisecond)

	entries := logs.FilterMessage("Operation exceeded its time budget.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "slow", entries[0].ContextMap()["label"])
	assert.Equal(t, uint64(1), m.Stats().OverBudget)
}

func TestExecute_ErrorsAndPanics(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newManager(t, budget.Config{}, &memory{})
	defer m.Shutdown()

	boom := errors.New("boom")
	out := m.Execute(context.Background(), "fail", 0, func(context.Context) (any, error) { return nil, boom })
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, boom)

	out = m.Execute(context.Background(), "panic", 0, func(context.Context) (any, error) { panic("bad") })
	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panicked")
}

func TestExecute_ThrottlesOnMemoryAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := &memory{}
	mem.v.Store(100 << 20)
	m := newManager(t, budget.Config{MemoryCeiling: 50 << 20, DrainDelay: 5 * time.Millisecond}, mem)
	defer m.Shutdown()

	var ran atomic.Int32
	out := m.Execute(context.Background(), "deferred", 0, func(context.Context) (any, error) {
		ran.Add(1)
		return nil, nil
	})
	assert.True(t, out.Throttled)
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, budget.ErrThrottled)

	st := m.Stats()
	assert.True(t, st.Throttling)
	assert.Equal(t, uint64(1), st.Deferred)

	mem.v.Store(0)
	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !m.Stats().Throttling }, time.Second, 5*time.Millisecond)

	out = m.Execute(context.Background(), "direct", 0, func(context.Context) (any, error) { return "ok", nil })
	assert.True(t, out.Success)
}

func TestExecute_ThrottlesOnSlowAverage(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newManager(t, budget.Config{OperationBudget: time.Millisecond, DrainDelay: time.Hour}, &memory{})
	defer m.Shutdown()

	m.Execute(context.Background(), "slow", time.Hour, func(context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})

	out := m.Execute(context.Background(), "next", 0, func(context.Context) (any, error) { return nil, nil })
	assert.True(t, out.Throttled, "average above twice the budget")
	assert.Equal(t, 1, m.Stats().Queued)
}

func TestExecute_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := &memory{}
	mem.v.Store(1 << 40)
	m := newManager(t, budget.Config{MaxQueue: 1, DrainDelay: time.Hour}, mem)
	defer m.Shutdown()

	noop := func(context.Context) (any, error) { return nil, nil }
	assert.ErrorIs(t, m.Execute(context.Background(), "a", 0, noop).Err, budget.ErrThrottled)
	out := m.Execute(context.Background(), "b", 0, noop)
	assert.True(t, out.Throttled)
	assert.ErrorIs(t, out.Err, budget.ErrQueueFull)
	assert.Equal(t, uint64(1), m.Stats().Dropped)
}

func TestTryExecute_RejectsWithoutQueueing(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := &memory{}
	mem.v.Store(1 << 40)
	m := newManager(t, budget.Config{DrainDelay: time.Hour}, mem)
	defer m.Shutdown()

	ran := false
	out := m.TryExecute(context.Background(), "handler", 0, func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	assert.True(t, out.Throttled)
	assert.ErrorIs(t, out.Err, budget.ErrThrottled)
	assert.False(t, ran)
	assert.Zero(t, m.Stats().Queued)

	mem.v.Store(0)
	out = m.TryExecute(context.Background(), "handler", 0, func(context.Context) (any, error) {
		ran = true
		return "ok", nil
	})
	require.True(t, out.Success)
	assert.True(t, ran)
	assert.Equal(t, "ok", out.Value)
}

func TestTryExecute_RecoversAfterSlowOperation(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newManager(t, budget.Config{OperationBudget: time.Millisecond, DrainDelay: 20 * time.Millisecond}, &memory{})
	defer m.Shutdown()

	out := m.TryExecute(context.Background(), "slow", 0, func(context.Context) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	require.True(t, out.Success)

	out = m.TryExecute(context.Background(), "handler", 0, func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, out.Err, budget.ErrThrottled, "slow average throttles")

	// With nothing queued, the stale window is discarded after DrainDelay.
	require.Eventually(t, func() bool {
		return m.TryExecute(context.Background(), "handler", 0, func(context.Context) (any, error) { return nil, nil }).Success
	}, time.Second, 5*time.Millisecond)
	assert.False(t, m.Stats().Throttling)
}

func TestShutdown_DropsQueuedWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := &memory{}
	mem.v.Store(1 << 40)
	m := newManager(t, budget.Config{DrainDelay: 20 * time.Millisecond}, mem)

	var ran atomic.Bool
	out := m.Execute(context.Background(), "late", 0, func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	require.True(t, out.Throttled)

	m.Shutdown()
	m.Shutdown()
	time.Sleep(60 * time.Millisecond)
	assert.False(t, ran.Load(), "queued work must not run after shutdown")
	assert.Equal(t, 0, m.Stats().Queued)

	out = m.Execute(context.Background(), "after", 0, func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, out.Err, budget.ErrShutdown)
}

func TestAdapt(t *testing.T) {
	defer goleak.VerifyNone(t)
	mem := &memory{}
	m := newManager(t, budget.Config{
		MemoryCeiling: 100, MinCacheSize: 100, MaxCacheSize: 500, MinBatchSize: 10, MaxBatchSize: 50,
	}, mem)
	defer m.Shutdown()

	var published []budget.Limits
	m.OnLimits(func(l budget.Limits) { published = append(published, l) })

	assert.Equal(t, budget.Limits{CacheSize: 500, BatchSize: 50}, m.Limits())

	mem.v.Store(90)
	l, changed := m.Adapt()
	assert.True(t, changed)
	assert.Equal(t, budget.Limits{CacheSize: 375, BatchSize: 25}, l)

	for i := 0; i < 10; i++ {
		l, _ = m.Adapt()
	}
	assert.Equal(t, budget.Limits{CacheSize: 100, BatchSize: 10}, l, "clamped at the minima")

	_, changed = m.Adapt()
	assert.False(t, changed)

	// Loosening needs at least one sample in the window.
	mem.v.Store(10)
	_, changed = m.Adapt()
	assert.False(t, changed)

	m.Execute(context.Background(), "fast", 0, func(context.Context) (any, error) { return nil, nil })
	l, changed = m.Adapt()
	assert.True(t, changed)
	assert.Equal(t, budget.Limits{CacheSize: 110, BatchSize: 12}, l)

	require.NotEmpty(t, published)
	assert.Equal(t, l, published[len(published)-1])
}

func TestSetLimitsAndBounds(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newManager(t, budget.Config{}, &memory{})
	defer m.Shutdown()

	require.NoError(t, m.SetLimits(budget.Limits{CacheSize: 10000, BatchSize: 1}))
	assert.Equal(t, budget.Limits{CacheSize: 500, BatchSize: 10}, m.Limits())
	assert.Error(t, m.SetLimits(budget.Limits{}))

	require.NoError(t, m.SetMaxCacheSize(800))
	assert.Equal(t, 800, m.Limits().CacheSize)
	require.NoError(t, m.SetMaxBatchSize(5))
	assert.Equal(t, 5, m.Limits().BatchSize)
	assert.Error(t, m.SetMaxCacheSize(0))
	assert.Error(t, m.SetMaxBatchSize(-1))

	require.NoError(t, m.SetOperationBudget(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, m.Stats().OperationLimit)
	assert.Error(t, m.SetOperationBudget(0))
}

func TestRunAdaptive_StopsOnCancelAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := newManager(t, budget.Config{AdaptInterval: time.Millisecond}, &memory{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunAdaptive(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	go func() { done <- m.RunAdaptive(context.Background()) }()
	m.Shutdown()
	assert.ErrorIs(t, <-done, budget.ErrShutdown)
}
