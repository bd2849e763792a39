// ============================================================================
// plan2mesh Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs one pipeline task at a time in its own goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run task.Run under a per-task Context (timeout when configured)
//   3. Recover panics into an error so the process keeps running
//   4. Report the Result on resultCh (non-blocking)
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTaskPanic wraps a panic raised by a task.
var ErrTaskPanic = errors.New("worker: task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	baseCtx  context.Context
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		baseCtx:  ctx,
	}
}

// Run is the main loop of Worker; it returns when taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task)
		err := w.execute(ctx, task)
		cancel()

		result := Result{
			JobID:    task.ID,
			WorkerID: w.id,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		// Results are informational; a full channel drops them.
		select {
		case w.resultCh <- result:
		default:
			logger().Warn("result channel full, dropping result", "worker", w.id, "jobID", task.ID)
		}
	}
}

func (w *Worker) taskContext(task Task) (context.Context, context.CancelFunc) {
	if task.Timeout > 0 {
		return context.WithTimeout(w.baseCtx, task.Timeout)
	}
	return context.WithCancel(w.baseCtx)
}

// execute runs the task, converting a panic into ErrTaskPanic.
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger().Error("task panicked", "worker", w.id, "jobID", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	if task.Run == nil {
		return errors.New("worker: task has no Run function")
	}
	return task.Run(ctx)
}
