package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flow-runner/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func fastPolicy() Policy {
	return Policy{
		Concurrency:        2,
		MaxAttempts:        3,
		InitialBackoff:     10 * time.Millisecond,
		BackoffCoefficient: 2.0,
		RunTimeout:         5 * time.Second,
	}
}

func consume(t *testing.T, q *MemoryQueue, handler Handler) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Consume(ctx, handler))
	}()
	return func() {
		stop()
		<-done
	}
}

func TestMemoryQueue_BoundedConcurrency(t *testing.T) {
	q := NewMemoryQueue(fastPolicy(), zaptest.NewLogger(t))
	var active, peak, handled int32

	stop := consume(t, q, func(ctx context.Context, job shared.Job) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&handled, 1)
		return nil
	})
	defer stop()

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(context.Background(), shared.Job{RunID: fmt.Sprintf("run-%d", i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&handled) == 6 }, 5*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Zero(t, q.Pending())
}

func TestMemoryQueue_RetriesWithBackoff(t *testing.T) {
	q := NewMemoryQueue(fastPolicy(), zaptest.NewLogger(t))
	var mu sync.Mutex
	var attempts []time.Time

	stop := consume(t, q, func(ctx context.Context, job shared.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, time.Now())
		if len(attempts) < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	defer stop()

	_, err := q.Enqueue(context.Background(), shared.Job{RunID: "run-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 20*time.Millisecond)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	var hooked []shared.DeadLetter
	var mu sync.Mutex
	q := NewMemoryQueue(fastPolicy(), zaptest.NewLogger(t), WithDeadLetterHook(func(ctx context.Context, dl shared.DeadLetter) {
		mu.Lock()
		defer mu.Unlock()
		hooked = append(hooked, dl)
	}))
	var calls int32

	stop := consume(t, q, func(ctx context.Context, job shared.Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("database is locked")
	})
	defer stop()

	_, err := q.Enqueue(context.Background(), shared.Job{RunID: "run-1", WorkflowID: "wf-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hooked) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	require.Len(t, q.DeadLetters(), 1)
	dl := q.DeadLetters()[0]
	assert.Equal(t, "run-1", dl.Job.RunID)
	assert.Equal(t, 3, dl.Attempts)
	assert.Contains(t, dl.Error, "database is locked")

	assert.Zero(t, q.Pending())
}

func TestLogDeadLetter_RaisesAlert(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	called := false
	hook := LogDeadLetter(zap.New(core), func(ctx context.Context, dl shared.DeadLetter) { called = true })

	hook(context.Background(), shared.DeadLetter{Job: shared.Job{RunID: "run-1"}, Attempts: 3, Error: "boom"})

	require.True(t, called)
	entries := logs.FilterMessage("Job dead-lettered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, true, fields["alert"])
	assert.Equal(t, "run-1", fields["runID"])
	assert.Equal(t, int64(3), fields["attempts"])
}

func TestMemoryQueue_PanicIsADeliveryFailure(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1
	q := NewMemoryQueue(policy, zaptest.NewLogger(t))

	stop := consume(t, q, func(ctx context.Context, job shared.Job) error {
		panic("nil graph")
	})
	defer stop()

	_, err := q.Enqueue(context.Background(), shared.Job{RunID: "run-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Contains(t, q.DeadLetters()[0].Error, "handler panicked: nil graph")
}

func TestMemoryQueue_ShutdownRequeuesInFlightJobs(t *testing.T) {
	q := NewMemoryQueue(fastPolicy(), zaptest.NewLogger(t))
	started := make(chan struct{})

	stop := consume(t, q, func(ctx context.Context, job shared.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := q.Enqueue(context.Background(), shared.Job{RunID: "run-1"})
	require.NoError(t, err)

	<-started
	stop()
	assert.Equal(t, 1, q.Pending())
	assert.Empty(t, q.DeadLetters())

	var delivered int32
	stop = consume(t, q, func(ctx context.Context, job shared.Job) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	})
	defer stop()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&delivered) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestMemoryQueue_ClosedRejectsEnqueue(t *testing.T) {
	q := NewMemoryQueue(Policy{}, nil)
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), shared.Job{RunID: "run-1"})
	assert.True(t, errors.Is(err, ErrQueueClosed))
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5, p.Concurrency)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, time.Minute, p.Backoff(10))

	filled := Policy{Concurrency: 1}.withDefaults()
	assert.Equal(t, 1, filled.Concurrency)
	assert.Equal(t, 3, filled.MaxAttempts)
	assert.Equal(t, 2*time.Second, filled.InitialBackoff)
}

func TestTemporalLogger(t *testing.T) {
	l := NewTemporalLogger(zaptest.NewLogger(t))
	l.Info("message", "runID", "run-1")
	l.With("workflowID", "wf-1").Warn("warned", "attempt", 2)
	assert.Equal(t, "run-run-1", WorkflowID("run-1"))
}
