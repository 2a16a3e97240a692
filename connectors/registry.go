// Package connectors holds the pluggable implementations behind node types
// and the registry that dispatches to them.
package connectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"flow-runner/shared"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single connector invocation
const DefaultTimeout = 30 * time.Second

// Connector performs the side effect behind one node type
type Connector interface {
	Execute(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error)
}

// Func adapts a plain function to the Connector interface
type Func func(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error)

func (f Func) Execute(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
	return f(ctx, config, ec)
}

// Option configures a Registry at construction time
type Option func(*Registry)

// WithConnector registers c under nodeType. A later registration for the same
// type replaces the earlier one.
func WithConnector(nodeType string, c Connector) Option {
	return func(r *Registry) {
		r.connectors[nodeType] = c
	}
}

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Registry maps node types to connectors. It is closed once constructed.
type Registry struct {
	connectors map[string]Connector
	timeout    time.Duration
	logger     *zap.Logger
}

// NewRegistry builds an immutable registry
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		connectors: make(map[string]Connector),
		timeout:    DefaultTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Types lists the registered node types in sorted order
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Timeout returns the per-invocation bound
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

type dispatchResult struct {
	output interface{}
	err    error
}

// Dispatch runs the connector registered for nodeType. It returns
// *shared.UnknownNodeTypeError for unregistered types, *shared.TimeoutError
// when the connector exceeds the registry timeout, and *shared.ConnectorError
// for any other failure.
func (r *Registry) Dispatch(ctx context.Context, nodeType string, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
	connector, ok := r.connectors[nodeType]
	if !ok {
		return nil, &shared.UnknownNodeTypeError{Type: nodeType}
	}
	if config == nil {
		config = map[string]interface{}{}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Buffered so an abandoned connector goroutine can still finish.
	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- dispatchResult{err: fmt.Errorf("%s connector panicked: %v", nodeType, p)}
			}
		}()
		out, err := connector.Execute(callCtx, config, ec)
		done <- dispatchResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, r.timeoutError(nodeType)
			}
			r.logger.Warn("Connector failed", zap.String("type", nodeType), zap.Error(res.err))
			return nil, &shared.ConnectorError{Connector: nodeType, Err: res.err}
		}
		return res.output, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, r.timeoutError(nodeType)
	}
}

func (r *Registry) timeoutError(nodeType string) error {
	r.logger.Warn("Connector timed out", zap.String("type", nodeType), zap.Duration("timeout", r.timeout))
	return &shared.TimeoutError{Connector: nodeType, After: r.timeout}
}
