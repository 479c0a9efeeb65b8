package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPool_ExecutesSubmittedTasks(t *testing.T) {
	p := New(Config{MinWorkers: 2, MaxWorkers: 4, IdleTimeout: time.Hour, HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, QueueCapacity: 16})
	defer p.Shutdown()

	var completed int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(Task{ID: "t", Run: func(ctx context.Context) error {
			atomic.AddInt32(&completed, 1)
			return nil
		}}))
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&completed) == 5 })
}

func TestPool_ScalesUpUnderLoad(t *testing.T) {
	p := New(Config{MinWorkers: 1, MaxWorkers: 4, IdleTimeout: time.Hour, HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, QueueCapacity: 16})
	defer p.Shutdown()

	block := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(Task{ID: "t", Run: func(ctx context.Context) error {
			<-block
			return nil
		}}))
	}

	waitFor(t, 2*time.Second, func() bool { return p.Stats().TotalWorkers == 4 })
	close(block)
}

func TestPool_NeverExceedsMaxWorkers(t *testing.T) {
	p := New(Config{MinWorkers: 1, MaxWorkers: 2, IdleTimeout: time.Hour, HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, QueueCapacity: 16})
	defer p.Shutdown()

	block := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Submit(Task{ID: "t", Run: func(ctx context.Context) error {
			<-block
			return nil
		}}))
	}

	time.Sleep(100 * time.Millisecond)
	require.LessOrEqual(t, p.Stats().TotalWorkers, 2)
	close(block)
}

func TestPool_TracksCompletionStats(t *testing.T) {
	p := New(Config{MinWorkers: 2, MaxWorkers: 2, IdleTimeout: time.Hour, HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, QueueCapacity: 16})
	defer p.Shutdown()

	require.NoError(t, p.Submit(Task{ID: "t", Run: func(ctx context.Context) error { return nil }}))
	require.NoError(t, p.Submit(Task{ID: "t", Run: func(ctx context.Context) error { return errors.New("boom") }}))

	waitFor(t, time.Second, func() bool { return p.Stats().TotalTasksCompleted == 2 })
}

func TestPool_ShutdownRejectsNewSubmissions(t *testing.T) {
	p := New(Config{MinWorkers: 1, MaxWorkers: 2, IdleTimeout: time.Hour, HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, QueueCapacity: 4})
	p.Shutdown()

	err := p.Submit(Task{ID: "t", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
}

func TestPool_ReapsIdleWorkersDownToMin(t *testing.T) {
	p := New(Config{MinWorkers: 1, MaxWorkers: 4, IdleTimeout: 30 * time.Millisecond, HealthCheckInterval: time.Hour, HealthCheckTimeout: time.Second, QueueCapacity: 16})
	defer p.Shutdown()

	block := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Task{ID: "t", Run: func(ctx context.Context) error {
			<-block
			return nil
		}}))
	}
	waitFor(t, time.Second, func() bool { return p.Stats().TotalWorkers == 3 })
	close(block)

	waitFor(t, 2*time.Second, func() bool { return p.Stats().TotalWorkers == 1 })
}
