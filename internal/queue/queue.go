// Package queue is a delay-scheduled task queue. Payloads are JSON-encoded into a Store so a
// persistent store makes pending tasks survive a restart; MemoryStore does not.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueStopped is returned when enqueueing after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// Record is the stored form of a task.
type Record struct {
	ID      string
	Payload []byte
	ReadyAt time.Time
}

// Store persists pending tasks.
type Store interface {
	PutTask(ctx context.Context, rec Record) error
	DeleteTask(ctx context.Context, id string) error
	PendingTasks(ctx context.Context) ([]Record, error)
}

// Handler runs a ready task.
type Handler[T any] func(ctx context.Context, payload T) error

// Options tunes a Queue.
type Options struct {
	Workers int           // concurrent handlers, defaults to 1
	Backoff time.Duration // delay before a failed task runs again, defaults to 30s
	Log     *slog.Logger
	Now     func() time.Time
}

// Queue runs each enqueued payload no earlier than its delay after enqueue. A payload whose
// handler fails is kept and runs again after the backoff.
type Queue[T any] struct {
	store   Store
	handle  Handler[T]
	workers int
	backoff time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending taskHeap
	known   map[string]struct{}
	stopped bool
	wake    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a queue over store that dispatches ready tasks to handle.
func New[T any](store Store, handle Handler[T], opts Options) *Queue[T] {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue[T]{
		store:   store,
		handle:  handle,
		workers: opts.Workers,
		backoff: opts.Backoff,
		log:     opts.Log,
		now:     opts.Now,
		known:   map[string]struct{}{},
		wake:    make(chan struct{}, 1),
	}
}

// EnqueueWithDelay persists payload and schedules it to run after delay. Returns the task id.
func (q *Queue[T]) EnqueueWithDelay(ctx context.Context, payload T, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	rec := Record{
		ID:      uuid.NewString(),
		Payload: body,
		ReadyAt: q.now().Add(delay),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrQueueStopped
	}
	q.mu.Unlock()

	if err := q.store.PutTask(ctx, rec); err != nil {
		return "", err
	}
	q.push(rec)
	return rec.ID, nil
}

// Len reports tasks waiting for their ready time.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Start reloads stored tasks and begins dispatching.
func (q *Queue[T]) Start(ctx context.Context) error {
	recs, err := q.store.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	for _, rec := range recs {
		q.push(rec)
	}
	if len(recs) > 0 {
		q.log.Info("retry tasks restored", "count", len(recs))
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.dispatch(runCtx)
	return nil
}

// Stop halts dispatching and waits for running handlers. Tasks not yet run stay in the store.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue[T]) push(rec Record) {
	q.mu.Lock()
	if _, dup := q.known[rec.ID]; !dup {
		q.known[rec.ID] = struct{}{}
		heap.Push(&q.pending, rec)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popReady removes every task whose ready time has passed and returns the wait until the next one.
func (q *Queue[T]) popReady() ([]Record, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []Record
	for q.pending.Len() > 0 && !q.pending[0].ReadyAt.After(now) {
		ready = append(ready, heap.Pop(&q.pending).(Record))
	}
	if q.pending.Len() == 0 {
		return ready, -1
	}
	return ready, q.pending[0].ReadyAt.Sub(now)
}

func (q *Queue[T]) dispatch(ctx context.Context) {
	defer q.wg.Done()
	sem := make(chan struct{}, q.workers)

	for {
		ready, wait := q.popReady()
		for _, rec := range ready {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			q.wg.Add(1)
			go func(rec Record) {
				defer q.wg.Done()
				defer func() { <-sem }()
				q.run(ctx, rec)
			}(rec)
		}

		if wait >= 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-q.wake:
				t.Stop()
			case <-ctx.Done():
				t.Stop()
				return
			}
			continue
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue[T]) run(ctx context.Context, rec Record) {
	var payload T
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		q.log.Error("drop undecodable retry task", "id", rec.ID, "error", err)
		q.forget(ctx, rec.ID)
		return
	}
	err := q.handle(ctx, payload)
	if ctx.Err() != nil {
		// interrupted by shutdown: keep the record for the next start.
		return
	}
	if err != nil {
		q.log.Error("retry task failed, rescheduling", "id", rec.ID, "backoff", q.backoff, "error", err)
		q.reschedule(ctx, rec)
		return
	}
	q.forget(ctx, rec.ID)
}

// reschedule puts a popped record back with a new ready time. The record stays known, so a
// failed store write still leaves the previous row for the next start.
func (q *Queue[T]) reschedule(ctx context.Context, rec Record) {
	rec.ReadyAt = q.now().Add(q.backoff)
	if err := q.store.PutTask(ctx, rec); err != nil {
		q.log.Error("persist rescheduled retry task", "id", rec.ID, "error", err)
	}
	q.mu.Lock()
	if !q.stopped {
		heap.Push(&q.pending, rec)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) forget(ctx context.Context, id string) {
	if err := q.store.DeleteTask(ctx, id); err != nil {
		q.log.Error("delete retry task", "id", id, "error", err)
	}
	q.mu.Lock()
	delete(q.known, id)
	q.mu.Unlock()
}

type taskHeap []Record

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].ReadyAt.Before(h[j].ReadyAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(Record)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
