// Package queue implements the strictly sequential execution pipe that all
// outbound object transfers pass through. Holding concurrency at one bounds
// the pressure on the remote network.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/hermitbox/hermitbox/internal/logging"
)

// Task is one unit of outbound work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue runs tasks one at a time in FIFO order. A failed or panicking task
// is logged and must never halt the queue.
type Queue struct {
	mu      sync.Mutex
	tasks   []Task
	running bool

	wg     sync.WaitGroup
	ctx    context.Context
	logger logging.Logger
}

// New creates a Queue. ctx is passed to every task; cancelling it makes
// in-flight network calls return early.
func New(ctx context.Context, logger logging.Logger) *Queue {
	return &Queue{
		ctx:    ctx,
		logger: logger.With("module", "upload_queue"),
	}
}

// Add appends a task and starts the runner if it is idle.
func (q *Queue) Add(name string, run func(ctx context.Context) error) {
	q.mu.Lock()
	q.tasks = append(q.tasks, Task{Name: name, Run: run})
	q.wg.Add(1)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go q.process()
	}
}

// Len returns the number of queued (not yet started) tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Wait blocks until every task added so far has settled. Test helper.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) process() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runOne(task)
		q.wg.Done()
	}
}

// runOne executes a single task, converting panics into logged errors so
// the runner keeps advancing.
func (q *Queue) runOne(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(q.ctx, "task panicked", "task", task.Name, "panic", fmt.Sprint(r))
		}
	}()

	if err := task.Run(q.ctx); err != nil {
		q.logger.Warn(q.ctx, "task failed", "task", task.Name, "error", err.Error())
	}
}
