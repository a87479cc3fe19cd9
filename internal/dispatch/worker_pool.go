package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task represents a work item for the worker pool.
// Tasks are functions with no parameters or return values.
type Task func()

// WorkerPool manages a fixed pool of worker goroutines for handler
// execution, so a slow HTTP call on the gateway never blocks the radio
// receive loop.
//
// Design:
//   - Fixed number of workers
//   - Buffered task queue
//   - If the queue is full, the task is dropped and counted
//
// Thread safety: all methods are safe for concurrent use.
type WorkerPool struct {
	workerCount  int
	taskQueue    chan Task
	ctx          context.Context
	wg           sync.WaitGroup
	droppedTasks int64
	logger       zerolog.Logger
}

// NewWorkerPool creates a worker pool with the specified number of workers.
func NewWorkerPool(workerCount int, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 16
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. Must be called before Submit.
// When ctx is cancelled, workers finish their current task and exit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			if task != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							wp.logger.Error().
								Interface("panic_value", r).
								Str("stack_trace", string(debug.Stack())).
								Msg("Worker panic recovered - task failed but worker continues")
						}
					}()
					task()
				}()
			}
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

// Submit enqueues a task for asynchronous execution. If the queue is full
// the task is dropped and the dropped counter incremented — backpressure
// instead of unbounded goroutine growth.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		atomic.AddInt64(&wp.droppedTasks, 1)
	}
}

// DroppedTasks returns the total number of tasks dropped due to a full
// queue.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.droppedTasks)
}

// Stop blocks until all workers have exited. Cancel the Start context
// first; Stop itself only waits.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}
