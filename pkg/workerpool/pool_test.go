package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRejectsDuplicateInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int32

	p, err := New(Config{Workers: 2, QueueSize: 4}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Submit(&Task{ID: "Patient/1"}))
	err = p.Submit(&Task{ID: "Patient/1"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
	require.NoError(t, p.Submit(&Task{ID: "Patient/2"}))
	assert.Equal(t, 2, p.InFlight())
	assert.True(t, p.IsInFlight("Patient/1"))

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, 0, p.InFlight())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// The ID is free again once the first unit finished.
	require.NoError(t, p.Submit(&Task{ID: "Patient/1"}))
	require.NoError(t, p.Wait(ctx))
}

func TestPoolRetriesAndReportsResults(t *testing.T) {
	var calls int32
	p, err := New(Config{Workers: 1, QueueSize: 2, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true, Data: "ok"}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.Submit(&Task{ID: "t"}))

	select {
	case res := <-p.Results():
		assert.True(t, res.Success)
		assert.Equal(t, "t", res.TaskID)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, "ok", res.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, int64(2), stats.TasksRetried)
}

func TestPoolQueueFullAndStop(t *testing.T) {
	block := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1, GracefulShutdownTimeout: time.Second}, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	// Not started: the single slot fills and the next submit is rejected.
	require.NoError(t, p.Submit(&Task{ID: "a"}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "b"}), ErrQueueFull)

	p.Start()
	close(block)
	require.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Submit(&Task{ID: "c"}), ErrStopped)
}

func TestWaitHonoursContext(t *testing.T) {
	block := make(chan struct{})
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	require.NoError(t, p.Submit(&Task{ID: "slow"}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
