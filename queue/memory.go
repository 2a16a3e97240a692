package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flow-runner/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("queue is closed")

type delivery struct {
	handle   JobHandle
	job      shared.Job
	attempts int
	readyAt  time.Time
}

// MemoryQueue is an in-process worker pool. Failed deliveries are retried
// with exponential backoff and dead-lettered after Policy.MaxAttempts. Jobs
// interrupted by shutdown go back on the pending list without using up an
// attempt, so the next Consume picks them up again.
type MemoryQueue struct {
	policy     Policy
	logger     *zap.Logger
	deadLetter DeadLetterHook

	mu      sync.Mutex
	pending []*delivery
	dead    []shared.DeadLetter
	closed  bool
	// changed is closed and replaced whenever pending changes
	changed chan struct{}
	now     func() time.Time
}

type MemoryOption func(*MemoryQueue)

func WithDeadLetterHook(hook DeadLetterHook) MemoryOption {
	return func(q *MemoryQueue) { q.deadLetter = hook }
}

func NewMemoryQueue(policy Policy, logger *zap.Logger, opts ...MemoryOption) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &MemoryQueue{
		policy:  policy.withDefaults(),
		logger:  logger,
		changed: make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.deadLetter = LogDeadLetter(logger, q.deadLetter)
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job shared.Job) (JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return JobHandle{}, ErrQueueClosed
	}
	handle := JobHandle{ID: uuid.NewString(), RunID: job.RunID, EnqueuedAt: q.now()}
	q.pending = append(q.pending, &delivery{handle: handle, job: job, readyAt: handle.EnqueuedAt})
	q.notifyLocked()

	q.logger.Info("Job enqueued", zap.String("jobID", handle.ID), zap.String("runID", job.RunID))
	return handle, nil
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.policy.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			q.work(ctx, slot, handler)
		}(i)
	}
	q.logger.Info("Worker pool started", zap.Int("concurrency", q.policy.Concurrency))
	wg.Wait()
	q.logger.Info("Worker pool stopped", zap.Int("pending", q.Pending()))
	return nil
}

func (q *MemoryQueue) work(ctx context.Context, slot int, handler Handler) {
	for {
		d, wait, changed := q.next()
		if d == nil {
			if !q.wait(ctx, wait, changed) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			q.requeue(d)
			return
		}
		q.deliver(ctx, slot, d, handler)
	}
}

// wait blocks until the pending list changes, the backoff delay passes or
// ctx is done. It reports false once ctx is done.
func (q *MemoryQueue) wait(ctx context.Context, d time.Duration, changed <-chan struct{}) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-changed:
	case <-timer:
	}
	return true
}

// next takes the first ready delivery. When none is ready it returns how
// long until the earliest backoff expires (0 if nothing is pending) and a
// channel that is closed on the next change.
func (q *MemoryQueue) next() (*delivery, time.Duration, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var wait time.Duration
	for i, d := range q.pending {
		if !d.readyAt.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return d, 0, nil
		}
		if until := d.readyAt.Sub(now); wait == 0 || until < wait {
			wait = until
		}
	}
	return nil, wait, q.changed
}

func (q *MemoryQueue) deliver(ctx context.Context, slot int, d *delivery, handler Handler) {
	d.attempts++
	runCtx, cancel := context.WithTimeout(ctx, q.policy.RunTimeout)
	defer cancel()

	q.logger.Info("Delivering job",
		zap.Int("slot", slot),
		zap.String("runID", d.job.RunID),
		zap.Int("attempt", d.attempts))

	err := safeHandle(runCtx, handler, d.job)
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		// shutdown, not a delivery failure
		d.attempts--
		q.logger.Warn("Job interrupted by shutdown, requeueing", zap.String("runID", d.job.RunID), zap.Error(err))
		q.requeue(d)
		return
	}

	if d.attempts >= q.policy.MaxAttempts {
		deliveryErr := &shared.QueueDeliveryError{RunID: d.job.RunID, Attempts: d.attempts, Err: err}
		dl := shared.DeadLetter{Job: d.job, Attempts: d.attempts, Error: deliveryErr.Error(), At: q.now()}
		q.mu.Lock()
		q.dead = append(q.dead, dl)
		q.mu.Unlock()
		q.deadLetter(context.WithoutCancel(ctx), dl)
		return
	}

	backoff := q.policy.Backoff(d.attempts)
	q.logger.Warn("Job delivery failed, retrying",
		zap.String("runID", d.job.RunID),
		zap.Int("attempt", d.attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))
	d.readyAt = q.now().Add(backoff)
	q.requeue(d)
}

func safeHandle(ctx context.Context, handler Handler, job shared.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &shared.QueueDeliveryError{RunID: job.RunID, Attempts: 1, Err: panicError{r}}
		}
	}()
	return handler(ctx, job)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("handler panicked: %v", p.v) }

func (q *MemoryQueue) requeue(d *delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, d)
	q.notifyLocked()
}

func (q *MemoryQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Pending returns the number of jobs waiting for delivery
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns the jobs that exhausted their attempts
func (q *MemoryQueue) DeadLetters() []shared.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]shared.DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close rejects further Enqueue calls. Pending jobs are kept.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
