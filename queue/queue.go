// Package queue delivers "execute this run" jobs to a bounded pool of
// workers with at-least-once semantics.
package queue

import (
	"context"
	"math"
	"time"

	"flow-runner/shared"
	"go.uber.org/zap"
)

// Handler processes one job. A returned error is a delivery failure and
// causes redelivery; a run that ends failed is not an error.
type Handler func(ctx context.Context, job shared.Job) error

// DeadLetterHook is called once for every job that exhausted its attempts
type DeadLetterHook func(ctx context.Context, dl shared.DeadLetter)

// JobHandle identifies an enqueued job
type JobHandle struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	BrokerRun  string    `json:"brokerRun,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue is the broker abstraction the worker process consumes from
type Queue interface {
	Enqueue(ctx context.Context, job shared.Job) (JobHandle, error)
	// Consume delivers jobs to handler until ctx is done, then waits for
	// in-flight jobs to return.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Policy controls concurrency and redelivery
type Policy struct {
	Concurrency        int
	MaxAttempts        int
	InitialBackoff     time.Duration
	BackoffCoefficient float64
	MaxBackoff         time.Duration
	// HeartbeatTimeout is how long a silent worker keeps its job before the
	// broker redelivers it.
	HeartbeatTimeout time.Duration
	// RunTimeout bounds a single delivery.
	RunTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Concurrency:        5,
		MaxAttempts:        3,
		InitialBackoff:     2 * time.Second,
		BackoffCoefficient: 2.0,
		MaxBackoff:         time.Minute,
		HeartbeatTimeout:   30 * time.Second,
		RunTimeout:         30 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultPolicy
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = d.BackoffCoefficient
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if p.RunTimeout <= 0 {
		p.RunTimeout = d.RunTimeout
	}
	return p
}

// Backoff is the delay before delivery attempt+1, where attempt counts the
// failed deliveries so far (1 → InitialBackoff).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// LogDeadLetter raises the alert for a dead-lettered job and then calls
// next, if any.
func LogDeadLetter(logger *zap.Logger, next DeadLetterHook) DeadLetterHook {
	return func(ctx context.Context, dl shared.DeadLetter) {
		logger.Error("Job dead-lettered",
			zap.Bool("alert", true),
			zap.String("runID", dl.Job.RunID),
			zap.String("workflowID", dl.Job.WorkflowID),
			zap.Int("attempts", dl.Attempts),
			zap.String("error", dl.Error))
		if next != nil {
			next(ctx, dl)
		}
	}
}
