// Package queue holds pending ASIN fetches for the ingest workers.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/solar-panel-scraper/internal/metrics"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Task is one ASIN to fetch. Higher Priority pops first; equal priorities
// pop in push order.
type Task struct {
	ID        string
	ASIN      string
	Priority  int
	Retries   int
	LastError string
	CreatedAt time.Time
}

func NewTask(asin string, priority int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		ASIN:      asin,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

type InMemoryQueue struct {
	mu       sync.Mutex
	tasks    []*Task
	capacity int
	seq      uint64
	order    map[*Task]uint64
	ready    chan struct{}
	done     chan struct{}
	closed   bool
}

// NewInMemoryQueue creates a queue. capacity <= 0 means unbounded.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	return &InMemoryQueue{
		capacity: capacity,
		order:    make(map[*Task]uint64),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.capacity > 0 && len(q.tasks) >= q.capacity {
		return ErrQueueFull
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	q.seq++
	q.order[task] = q.seq
	q.tasks = append(q.tasks, task)
	q.sortByPriority()
	metrics.QueueDepth.Set(float64(len(q.tasks)))
	q.signal()

	return nil
}

// Pop blocks until a task is available, the queue is closed and drained, or
// ctx is done.
func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			delete(q.order, task)
			metrics.QueueDepth.Set(float64(len(q.tasks)))
			if len(q.tasks) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops new pushes. Tasks already queued can still be popped.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (q *InMemoryQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) sortByPriority() {
	sort.SliceStable(q.tasks, func(i, j int) bool {
		if q.tasks[i].Priority != q.tasks[j].Priority {
			return q.tasks[i].Priority > q.tasks[j].Priority
		}
		return q.order[q.tasks[i]] < q.order[q.tasks[j]]
	})
}

// Requeue pushes a failed task back at lower priority, counting the
// attempt. It reports false once maxRetries is reached.
func Requeue(q Queue, task *Task, cause error, maxRetries int) (bool, error) {
	task.Retries++
	if cause != nil {
		task.LastError = cause.Error()
	}
	if task.Retries > maxRetries {
		return false, nil
	}
	task.Priority--
	if err := q.Push(task); err != nil {
		return false, err
	}
	return true, nil
}
