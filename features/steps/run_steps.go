package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flow-runner/connectors"
	"flow-runner/engine"
	"flow-runner/queue"
	"flow-runner/shared"
	"flow-runner/store"
	"flow-runner/templating"
	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const waitTimeout = 5 * time.Second

// flakyStore injects database failures in front of a MemoryStore
type flakyStore struct {
	*store.MemoryStore

	mu           sync.Mutex
	failStarts   bool
	failFinishes int
}

func (s *flakyStore) StartRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	fail := s.failStarts
	s.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return s.MemoryStore.StartRun(ctx, runID)
}

func (s *flakyStore) FinishRun(ctx context.Context, runID string, status shared.RunStatus, summary json.RawMessage) error {
	s.mu.Lock()
	if s.failFinishes > 0 {
		s.failFinishes--
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.FinishRun(ctx, runID, status, summary)
}

// RunTestContext holds state across steps in a scenario
type RunTestContext struct {
	logger *zap.Logger
	store  *flakyStore
	queue  *queue.MemoryQueue
	slots  int
	graph  shared.Graph
	runID  string

	stop func()
}

func NewRunTestContext() *RunTestContext {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := config.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &RunTestContext{
		logger: logger,
		store:  &flakyStore{MemoryStore: store.NewMemoryStore()},
		slots:  1,
	}
}

func (rtc *RunTestContext) RegisterSteps(ctx *godog.ScenarioContext) {
	ctx.Step(`^a worker with (\d+) slots?$`, rtc.aWorkerWithSlots)
	ctx.Step(`^the graph:$`, rtc.theGraph)
	ctx.Step(`^a chain of (\d+) nodes where node (\d+) fails with "([^"]*)"$`, rtc.aChainWhereNodeFails)
	ctx.Step(`^the store fails to record the first run result$`, rtc.theStoreFailsToRecordTheFirstResult)
	ctx.Step(`^the store cannot start runs$`, rtc.theStoreCannotStartRuns)

	ctx.Step(`^I enqueue the run$`, rtc.iEnqueueTheRun)

	ctx.Step(`^the run finishes with status "([^"]*)"$`, rtc.theRunFinishesWithStatus)
	ctx.Step(`^the run has status "([^"]*)"$`, rtc.theRunHasStatus)
	ctx.Step(`^the run has (\d+) tasks?$`, rtc.theRunHasTasks)
	ctx.Step(`^every task has status "([^"]*)"$`, rtc.everyTaskHasStatus)
	ctx.Step(`^the task for node "([^"]*)" has status "([^"]*)"$`, rtc.theTaskForNodeHasStatus)
	ctx.Step(`^no node after "n(\d+)" was attempted$`, rtc.noNodeAfterWasAttempted)
	ctx.Step(`^the run error is "([^"]*)"$`, rtc.theRunErrorIs)
	ctx.Step(`^the output of node "([^"]*)" is "([^"]*)"$`, rtc.theOutputOfNodeIs)
	ctx.Step(`^the job is dead-lettered after (\d+) attempts$`, rtc.theJobIsDeadLetteredAfter)

	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		rtc.shutdown()
		return ctx, nil
	})
}

func (rtc *RunTestContext) registry() *connectors.Registry {
	echo := connectors.Func(func(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
		text, _ := config["text"].(string)
		return templating.Resolve(text, ec)
	})
	fail := connectors.Func(func(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
		return nil, errors.New(fmt.Sprint(config["message"]))
	})
	return connectors.NewRegistry(rtc.logger,
		connectors.WithConnector("echo", echo),
		connectors.WithConnector("fail", fail),
		connectors.WithConnector(connectors.TypeTransform, connectors.NewTransform(0, rtc.logger)),
	)
}

func (rtc *RunTestContext) aWorkerWithSlots(slots int) error {
	rtc.slots = slots
	return nil
}

func (rtc *RunTestContext) theGraph(doc *godog.DocString) error {
	graph, err := engine.LoadGraphFromYAML([]byte(doc.Content))
	if err != nil {
		return err
	}
	rtc.graph = graph
	return nil
}

func (rtc *RunTestContext) aChainWhereNodeFails(n, k int, message string) error {
	graph := shared.Graph{Trigger: shared.Trigger{Type: shared.TriggerManual}}
	for i := 1; i <= n; i++ {
		node := shared.Node{ID: fmt.Sprintf("n%d", i), Type: "echo", Config: map[string]interface{}{"text": fmt.Sprintf("step %d", i)}}
		if i == k {
			node.Type = "fail"
			node.Config = map[string]interface{}{"message": message}
		}
		graph.Nodes = append(graph.Nodes, node)
		if i > 1 {
			graph.Edges = append(graph.Edges, shared.Edge{fmt.Sprintf("n%d", i-1), node.ID})
		}
	}
	rtc.graph = graph
	return nil
}

func (rtc *RunTestContext) theStoreFailsToRecordTheFirstResult() error {
	rtc.store.mu.Lock()
	defer rtc.store.mu.Unlock()
	rtc.store.failFinishes = 1
	return nil
}

func (rtc *RunTestContext) theStoreCannotStartRuns() error {
	rtc.store.mu.Lock()
	defer rtc.store.mu.Unlock()
	rtc.store.failStarts = true
	return nil
}

func (rtc *RunTestContext) iEnqueueTheRun() error {
	rtc.queue = queue.NewMemoryQueue(queue.Policy{
		Concurrency:        rtc.slots,
		MaxAttempts:        3,
		InitialBackoff:     10 * time.Millisecond,
		BackoffCoefficient: 2.0,
		RunTimeout:         waitTimeout,
	}, rtc.logger)
	runner := engine.NewRunner(rtc.store, rtc.registry(), rtc.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rtc.queue.Consume(ctx, runner.Handle)
	}()
	rtc.stop = func() {
		cancel()
		<-done
	}

	rtc.runID = uuid.NewString()
	if err := rtc.store.CreateRun(context.Background(), shared.Run{ID: rtc.runID, WorkflowID: "wf-features", Status: shared.RunStatusPending}); err != nil {
		return err
	}
	_, err := rtc.queue.Enqueue(context.Background(), shared.Job{RunID: rtc.runID, WorkflowID: "wf-features", Graph: rtc.graph})
	return err
}

func (rtc *RunTestContext) shutdown() {
	if rtc.stop != nil {
		rtc.stop()
		rtc.stop = nil
	}
}

// eventually polls check until it returns nil or waitTimeout passes
func eventually(check func() error) error {
	deadline := time.Now().Add(waitTimeout)
	for {
		err := check()
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (rtc *RunTestContext) theRunFinishesWithStatus(status string) error {
	return eventually(func() error {
		run, err := rtc.store.GetRun(context.Background(), rtc.runID)
		if err != nil {
			return err
		}
		if string(run.Status) != status {
			return fmt.Errorf("run status is %q, expected %q", run.Status, status)
		}
		return nil
	})
}

func (rtc *RunTestContext) theRunHasStatus(status string) error {
	run, err := rtc.store.GetRun(context.Background(), rtc.runID)
	if err != nil {
		return err
	}
	if string(run.Status) != status {
		return fmt.Errorf("run status is %q, expected %q", run.Status, status)
	}
	return nil
}

func (rtc *RunTestContext) tasks() ([]shared.Task, error) {
	return rtc.store.ListTasks(context.Background(), rtc.runID)
}

func (rtc *RunTestContext) theRunHasTasks(n int) error {
	tasks, err := rtc.tasks()
	if err != nil {
		return err
	}
	if len(tasks) != n {
		return fmt.Errorf("run has %d tasks, expected %d", len(tasks), n)
	}
	return nil
}

func (rtc *RunTestContext) everyTaskHasStatus(status string) error {
	tasks, err := rtc.tasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if string(task.Status) != status {
			return fmt.Errorf("task for node %s is %q, expected %q", task.NodeID, task.Status, status)
		}
	}
	return nil
}

func (rtc *RunTestContext) theTaskForNodeHasStatus(nodeID, status string) error {
	tasks, err := rtc.tasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.NodeID == nodeID {
			if string(task.Status) != status {
				return fmt.Errorf("task for node %s is %q, expected %q", nodeID, task.Status, status)
			}
			return nil
		}
	}
	return fmt.Errorf("no task for node %s", nodeID)
}

func (rtc *RunTestContext) noNodeAfterWasAttempted(k int) error {
	tasks, err := rtc.tasks()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		var index int
		if _, err := fmt.Sscanf(task.NodeID, "n%d", &index); err == nil && index > k {
			return fmt.Errorf("node %s was attempted after n%d failed", task.NodeID, k)
		}
	}
	return nil
}

func (rtc *RunTestContext) summary() (map[string]interface{}, error) {
	run, err := rtc.store.GetRun(context.Background(), rtc.runID)
	if err != nil {
		return nil, err
	}
	var summary map[string]interface{}
	if err := json.Unmarshal(run.ResultSummary, &summary); err != nil {
		return nil, fmt.Errorf("decode result summary: %w", err)
	}
	return summary, nil
}

func (rtc *RunTestContext) theRunErrorIs(message string) error {
	summary, err := rtc.summary()
	if err != nil {
		return err
	}
	if got := fmt.Sprint(summary["error"]); got != message {
		return fmt.Errorf("run error is %q, expected %q", got, message)
	}
	return nil
}

func (rtc *RunTestContext) theOutputOfNodeIs(nodeID, expected string) error {
	summary, err := rtc.summary()
	if err != nil {
		return err
	}
	outputs, _ := summary["context"].(map[string]interface{})
	entry, ok := outputs[nodeID].(map[string]interface{})
	if !ok {
		return fmt.Errorf("no output recorded for node %s", nodeID)
	}
	if got := fmt.Sprint(entry["output"]); got != expected {
		return fmt.Errorf("output of %s is %q, expected %q", nodeID, got, expected)
	}
	return nil
}

func (rtc *RunTestContext) theJobIsDeadLetteredAfter(attempts int) error {
	return eventually(func() error {
		dead := rtc.queue.DeadLetters()
		if len(dead) != 1 {
			return fmt.Errorf("%d dead letters, expected 1", len(dead))
		}
		if dead[0].Attempts != attempts {
			return fmt.Errorf("dead-lettered after %d attempts, expected %d", dead[0].Attempts, attempts)
		}
		if !strings.Contains(dead[0].Error, "database is locked") {
			return fmt.Errorf("unexpected dead letter error %q", dead[0].Error)
		}
		return nil
	})
}
