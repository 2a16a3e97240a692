package activities

import (
	"context"
	"errors"
	"testing"

	"flow-runner/shared"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type DeliveryTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestActivityEnvironment
}

func TestDeliveryTestSuite(t *testing.T) {
	suite.Run(t, new(DeliveryTestSuite))
}

func (s *DeliveryTestSuite) SetupTest() {
	s.env = s.NewTestActivityEnvironment()
}

func (s *DeliveryTestSuite) Test_DeliverRunsHandler() {
	var got shared.Job
	d := NewDelivery(func(ctx context.Context, job shared.Job) error {
		got = job
		return nil
	}, nil, nil)
	s.env.RegisterActivity(d)

	_, err := s.env.ExecuteActivity(d.Deliver, shared.Job{RunID: "run-1", WorkflowID: "wf-1"})
	s.NoError(err)
	s.Equal("run-1", got.RunID)
}

func (s *DeliveryTestSuite) Test_DeliverReturnsHandlerError() {
	d := NewDelivery(func(ctx context.Context, job shared.Job) error {
		return errors.New("database is locked")
	}, nil, nil)
	s.env.RegisterActivity(d)

	_, err := s.env.ExecuteActivity(d.Deliver, shared.Job{RunID: "run-1"})
	s.Error(err)
	s.Contains(err.Error(), "database is locked")
}

func (s *DeliveryTestSuite) Test_WorkerStopInterruptsDelivery() {
	stop := make(chan struct{})
	close(stop)
	s.env.SetWorkerStopChannel(stop)

	d := NewDelivery(func(ctx context.Context, job shared.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil, nil)
	s.env.RegisterActivity(d)

	_, err := s.env.ExecuteActivity(d.Deliver, shared.Job{RunID: "run-1"})
	s.Require().Error(err)
	var appErr *temporal.ApplicationError
	s.Require().True(errors.As(err, &appErr))
	s.Equal(InterruptedErrorType, appErr.Type())
	s.True(appErr.NonRetryable())
}

func (s *DeliveryTestSuite) Test_DeadLetterAlertsAndCallsHook() {
	core, logs := observer.New(zapcore.InfoLevel)
	var hooked []shared.DeadLetter
	d := NewDelivery(nil, func(ctx context.Context, dl shared.DeadLetter) {
		hooked = append(hooked, dl)
	}, zap.New(core))
	s.env.RegisterActivity(d)

	_, err := s.env.ExecuteActivity(d.DeadLetter, DeadLetterInput{
		Job:      shared.Job{RunID: "run-1", WorkflowID: "wf-1"},
		Attempts: 3,
		Error:    "database is locked",
	})
	s.NoError(err)

	s.Require().Len(hooked, 1)
	s.Equal(3, hooked[0].Attempts)
	s.False(hooked[0].At.IsZero())

	entries := logs.FilterMessage("Job dead-lettered").All()
	s.Require().Len(entries, 1)
	s.Equal(zapcore.ErrorLevel, entries[0].Level)
	s.Equal(true, entries[0].ContextMap()["alert"])
}
