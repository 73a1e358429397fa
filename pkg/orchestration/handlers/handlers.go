// Package handlers ships a handful of reference step handlers exercising
// the executor.Handler contract end to end, used by tests and the demo CLI
// in place of user-written business logic (out of scope for the core
// itself).
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskflow-io/engine/pkg/orchestration/executor"
)

// Echo returns its own Inputs as Results, unchanged. Useful as a no-op
// placeholder step in a demo DAG.
func Echo() executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		data := sc.Step.Inputs
		if data == nil {
			data = json.RawMessage(`{}`)
		}
		return executor.HandlerResult{Success: true, Data: data}, nil
	})
}

// FlakyUntilAttempt fails every invocation before attempt okAt (1-indexed),
// then succeeds, classified as a retryable failure. It models a
// transient failure that eventually clears, for demos and tests, without
// depending on external state.
func FlakyUntilAttempt(okAt int) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		if sc.Step.Attempts+1 >= okAt {
			return executor.HandlerResult{Success: true, Data: json.RawMessage(`{"recovered":true}`)}, nil
		}
		return executor.HandlerResult{
			FailureKind: executor.FailureRetryable,
			Err:         fmt.Errorf("attempt %d: transient failure", sc.Step.Attempts+1),
		}, nil
	})
}

// AlwaysFails reports a permanent failure on every invocation, modeling an
// unrecoverable step.
func AlwaysFails(reason string) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		return executor.HandlerResult{
			FailureKind: executor.FailurePermanent,
			Err:         fmt.Errorf("permanent failure: %s", reason),
		}, nil
	})
}

// SuggestBackoff always fails retryably and requests a specific
// server-suggested backoff window, so a handler's reported backoff
// overrides the policy's computed delay.
func SuggestBackoff(seconds float64) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		s := seconds
		return executor.HandlerResult{
			FailureKind:           executor.FailureRetryable,
			BackoffRequestSeconds: &s,
			Err:                   fmt.Errorf("server requested backoff"),
		}, nil
	})
}

// Sleep blocks for d before succeeding, useful for exercising handler
// timeouts and concurrency limits in demos.
func Sleep(d time.Duration) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return executor.HandlerResult{}, ctx.Err()
		case <-timer.C:
			return executor.HandlerResult{Success: true, Data: json.RawMessage(`{"slept_ms":` +
				fmt.Sprintf("%d", d.Milliseconds()) + `}`)}, nil
		}
	})
}

// UsePriorResult reads the named sibling step's Results from the handler's
// Sequence and echoes a derived value, demonstrating cross-step data flow
// through StepContext.Sequence.
func UsePriorResult(stepName string) executor.Handler {
	return executor.HandlerFunc(func(ctx context.Context, sc executor.StepContext) (executor.HandlerResult, error) {
		prior, ok := sc.Sequence.ByName(stepName)
		if !ok || prior.Results == nil {
			return executor.HandlerResult{
				FailureKind: executor.FailurePermanent,
				Err:         fmt.Errorf("no prior results from step %q", stepName),
			}, nil
		}
		out, _ := json.Marshal(map[string]json.RawMessage{"derived_from": prior.Results})
		return executor.HandlerResult{Success: true, Data: out}, nil
	})
}
