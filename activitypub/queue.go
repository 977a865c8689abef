package activitypub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when a capacity is configured and reached.
var ErrQueueFull = errors.New("inbox queue is full")

// TaskProcessor applies one task. Queue only logs the returned error.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task Task) error
}

// Queue is a FIFO of inbound tasks drained by a single worker, so tasks are
// applied one at a time in the order they were accepted.
type Queue struct {
	mu       sync.Mutex
	tasks    []Task
	busy     bool
	capacity int
	wake     chan struct{}

	processor TaskProcessor
	metrics   *Metrics
	log       *zap.Logger
}

// NewQueue creates a queue; capacity <= 0 means unbounded.
func NewQueue(processor TaskProcessor, capacity int, metrics *Metrics, logger *zap.Logger) *Queue {
	return &Queue{
		capacity:  capacity,
		wake:      make(chan struct{}, 1),
		processor: processor,
		metrics:   metrics,
		log:       logger.Named("queue"),
	}
}

// Enqueue appends a task without blocking.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		q.mu.Unlock()
		q.metrics.queueTasks.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
	q.tasks = append(q.tasks, task)
	n := len(q.tasks)
	q.mu.Unlock()

	q.metrics.queueLength.Set(float64(n))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Run drains the queue until ctx is done. Tasks still queued at that point
// are dropped; peers redeliver them.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Info("Inbox queue worker started")
	for {
		if ctx.Err() != nil {
			q.log.Info("Inbox queue worker stopped", zap.Int("pending", q.Len()))
			return nil
		}
		task, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				q.log.Info("Inbox queue worker stopped", zap.Int("pending", q.Len()))
				return nil
			case <-q.wake:
			}
			continue
		}
		q.process(ctx, task)
		q.done()
	}
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	task := q.tasks[0]
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
	q.busy = true
	q.metrics.queueLength.Set(float64(len(q.tasks)))
	return task, true
}

func (q *Queue) done() {
	q.mu.Lock()
	q.busy = false
	q.mu.Unlock()
}

func (q *Queue) process(ctx context.Context, task Task) {
	fields := []zap.Field{zap.Int("activities", len(task.Activities))}
	if task.SignatureActor != nil {
		fields = append(fields, zap.String("signature_actor", task.SignatureActor.URL))
	}
	if task.InboxOwner != nil {
		fields = append(fields, zap.String("inbox_owner", task.InboxOwner.URL))
	}

	defer func() {
		if r := recover(); r != nil {
			q.metrics.queueTasks.WithLabelValues("panic").Inc()
			q.log.Error("Task panicked, dropping it", append(fields, zap.Any("panic", r), zap.Stack("stack"))...)
		}
	}()

	if err := q.processor.ProcessTask(ctx, task); err != nil {
		q.metrics.queueTasks.WithLabelValues("failed").Inc()
		q.log.Error("Task failed, dropping it", append(fields, zap.Error(err))...)
		return
	}
	q.metrics.queueTasks.WithLabelValues("ok").Inc()
}

// Wait blocks until every queued task has been processed or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := len(q.tasks) == 0 && !q.busy
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for inbox queue: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
