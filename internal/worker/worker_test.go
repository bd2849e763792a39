package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout, panic recovery, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okTask(id string) Task {
	return Task{
		ID:      types.JobID(id),
		Timeout: time.Second,
		Run:     func(context.Context) error { return nil },
	}
}

func sleepTask(id string, d time.Duration) Task {
	return Task{
		ID:      types.JobID(id),
		Timeout: time.Second,
		Run: func(ctx context.Context) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(2))

	pool.Stop()

	assert.Error(t, NewPool(1).Start(0))
}

// TestWorkerExecution tests every task produces one result
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	var ran atomic.Int32
	taskCount := 10
	for i := 0; i < taskCount; i++ {
		task := Task{
			ID: types.JobID(fmt.Sprintf("task-%d", i)),
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}
		require.NoError(t, pool.Submit(task))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success)
		results[result.JobID] = result
	}
	assert.Len(t, results, taskCount)
	assert.Equal(t, int32(taskCount), ran.Load())
}

// TestTaskError tests a failing task reports its error
func TestTaskError(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("pipeline failed")
	require.NoError(t, pool.Submit(Task{ID: "bad", Run: func(context.Context) error { return boom }}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
}

// TestTimeout tests job timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := sleepTask("timeout-task", time.Second)
	task.Timeout = time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// TestPanicIsRecovered tests a panicking task does not kill its worker
func TestPanicIsRecovered(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "panic", Run: func(context.Context) error { panic("nil map") }}))
	require.NoError(t, pool.Submit(okTask("after")))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, first.Error, ErrTaskPanic)

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("after"), second.JobID)
	assert.True(t, second.Success)
}

// TestNilRunFails tests a task without a Run function
func TestNilRunFails(t *testing.T) {
	w := newWorker(context.Background(), 0, nil, nil)
	assert.Error(t, w.execute(context.Background(), Task{ID: "x"}))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests tasks run in parallel
func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	workerCount := 8
	taskCount := 40
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), 50*time.Millisecond)))
	}
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success)
	}
	duration := time.Since(start)

	// 串行需要 2s，8 個 worker 約 250ms
	t.Logf("Processed %d tasks in %v with %d workers", taskCount, duration, workerCount)
	assert.Less(t, duration, 1500*time.Millisecond)
}

// TestConcurrentSubmit tests concurrent job submission
func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(okTask(fmt.Sprintf("task-%d", index))))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

// TestGracefulShutdown tests Stop waits for in-flight tasks
func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(20)
	require.NoError(t, pool.Start(4))

	var finished atomic.Int32
	taskCount := 12
	for i := 0; i < taskCount; i++ {
		task := Task{
			ID: types.JobID(fmt.Sprintf("task-%d", i)),
			Run: func(context.Context) error {
				time.Sleep(20 * time.Millisecond)
				finished.Add(1)
				return nil
			},
		}
		require.NoError(t, pool.Submit(task))
	}

	pool.Stop()
	assert.Equal(t, int32(taskCount), finished.Load())

	// 結果通道在 Stop 後仍可讀完，之後回傳 ErrPoolClosed
	drained := 0
	for {
		if _, err := pool.ReceiveResult(); err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
			break
		}
		drained++
	}
	assert.Equal(t, taskCount, drained)
}

// TestStopBeforeStart tests stopping before starting
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() {
		pool.Stop()
	})
}

// TestStopTwice tests Stop is idempotent
func TestStopTwice(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	assert.NotPanics(t, pool.Stop)
}

// TestSubmitAfterStop tests submitting jobs after shutdown
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.Equal(t, ErrPoolClosed, pool.Submit(okTask("task-after-stop")))
}

// TestSubmitBeforeStart tests submitting jobs before starting
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.Equal(t, ErrPoolNotStarted, pool.Submit(okTask("task-before-start")))
}

// TestBlockedSubmitUnblocksOnStop tests Stop releases a Submit waiting on a full buffer
func TestBlockedSubmitUnblocksOnStop(t *testing.T) {
	pool := NewPool(0)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	require.NoError(t, pool.Submit(Task{ID: "hold", Run: func(context.Context) error {
		<-release
		return nil
	}}))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(okTask("blocked")) }()

	// 讓 Submit 進入阻塞
	time.Sleep(20 * time.Millisecond)
	go pool.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Stop")
	}
	close(release)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

// BenchmarkPoolThroughput tests throughput
func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	_ = pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(okTask(fmt.Sprintf("task-%d", i)))
	}
}
