package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/convoke-ai/convoke/internal/caps"
	"github.com/convoke-ai/convoke/internal/observability"
	"github.com/convoke-ai/convoke/internal/tools"
	"github.com/convoke-ai/convoke/pkg/models"
)

// Strategy names how a batch of tool calls is dispatched.
type Strategy string

const (
	StrategyNoop       Strategy = "noop"
	StrategySingle     Strategy = "single"
	StrategyConcurrent Strategy = "concurrent"
	StrategySequential Strategy = "sequential"
	StrategyViolation  Strategy = "violation"
)

// chooseStrategy applies the dispatch table: one call always dispatches;
// several calls need a multi-tool model, concurrently when it also supports
// parallel tools; several calls against a single-tool model is a capability
// violation.
func chooseStrategy(numCalls int, rec caps.Record) Strategy {
	switch {
	case numCalls == 0:
		return StrategyNoop
	case numCalls == 1:
		return StrategySingle
	case !rec.MultiTool:
		return StrategyViolation
	case rec.ParallelTools:
		return StrategyConcurrent
	default:
		return StrategySequential
	}
}

// dispatcher executes tool-call batches against the registry with bounded
// concurrency.
type dispatcher struct {
	registry    *tools.Registry
	maxParallel int
	callTimeout time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// callResult pairs one tool call with its textual outcome.
type callResult struct {
	Call    models.ToolCall
	Content string
	IsError bool
	Kind    ErrorKind
}

// dispatch runs the calls under the chosen strategy and returns results in
// call-declaration order regardless of completion order.
func (d *dispatcher) dispatch(ctx context.Context, strategy Strategy, calls []models.ToolCall) []callResult {
	results := make([]callResult, len(calls))

	switch strategy {
	case StrategyNoop:
		return nil
	case StrategyConcurrent:
		sem := make(chan struct{}, d.maxParallel)
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, tc models.ToolCall) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[idx] = d.executeOne(ctx, tc)
			}(i, call)
		}
		wg.Wait()
	default:
		for i, call := range calls {
			results[i] = d.executeOne(ctx, call)
		}
	}
	return results
}

// executeOne validates and runs a single call. Failures never propagate as
// errors; they become error-flagged results so the turn can commit.
func (d *dispatcher) executeOne(ctx context.Context, call models.ToolCall) (res callResult) {
	res = callResult{Call: call}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			d.logger.Error(ctx, "tool panicked", "tool", call.Name, "panic", r, "stack", string(stack))
			res.Content = fmt.Sprintf("tool %s panicked: %v", call.Name, r)
			res.IsError = true
			res.Kind = KindToolExec
		}
		status := "ok"
		if res.IsError {
			status = "error"
		}
		d.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
		d.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())
	}()

	spec, ok := d.registry.Spec(call.Name)
	if !ok {
		res.Content = fmt.Sprintf("unknown tool %q", call.Name)
		res.IsError = true
		res.Kind = KindToolUnknown
		return res
	}
	if err := tools.ValidateArguments(spec.Schema, call.Arguments); err != nil {
		res.Content = err.Error()
		res.IsError = true
		res.Kind = KindToolArgsInvalid
		return res
	}

	tool, err := d.registry.Get(ctx, call.Name)
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
		res.Kind = KindToolExec
		return res
	}

	callCtx := ctx
	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}
	result, err := tool.Execute(callCtx, call.Arguments)
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
		res.Kind = KindToolExec
		return res
	}
	res.Content = result.Content
	res.IsError = result.IsError
	if result.IsError {
		res.Kind = KindToolExec
	}
	return res
}

// violationResult fabricates a single capability-violation error so the
// turn commits with the failure visible in the assistant content. No tool
// messages are produced for a violated batch.
func violationResult(calls []models.ToolCall, model string, max int) callResult {
	if max <= 0 {
		max = 1
	}
	return callResult{
		Content: fmt.Sprintf("%d tool calls requested for model %s but max is %d", len(calls), model, max),
		IsError: true,
		Kind:    KindCapabilityViolation,
	}
}
