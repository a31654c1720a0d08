package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/supervisor/common/config"
	"github.com/lyzr/supervisor/workflow/registry"
	"github.com/lyzr/supervisor/workflow/sdk"
)

// executeNode runs one node through its full retry budget. A nil return
// means the scheduler can keep routing: success, or a recorded failure with
// continueOnError. A non-nil return is a hard failure that aborts the run.
func (e *Engine) executeNode(ctx context.Context, rs *runState, node *sdk.Node) error {
	ec := rs.ec

	ec.SetNodeStatus(node.ID, sdk.NodeRunning)
	e.emit(Event{
		Type:       EventNodeStart,
		RunID:      ec.RunID(),
		WorkflowID: ec.WorkflowID(),
		NodeID:     node.ID,
		Payload:    map[string]any{"type": node.Type},
	})

	resolved := *node
	resolved.Config = ec.ResolveConfig(node.Config)

	fail := func(err error) error {
		ec.RecordError(node.ID, err)
		ec.SetNodeStatus(node.ID, sdk.NodeFailed)
		e.emit(Event{
			Type:       EventNodeError,
			RunID:      ec.RunID(),
			WorkflowID: ec.WorkflowID(),
			NodeID:     node.ID,
			Payload:    map[string]any{"error": err.Error()},
		})
		if configBool(resolved.Config, "continueOnError") {
			ec.SetNodeOutput(node.ID, map[string]any{
				"error":   err.Error(),
				"_failed": true,
			})
			return nil
		}
		return err
	}

	reg, ok := e.registry.Get(node.Type)
	if !ok {
		return fail(fmt.Errorf("unknown node type: %s", node.Type))
	}

	maxRetries := e.maxRetriesFor(resolved.Config)
	retryDelay := retryDelayFor(resolved.Config)
	timeout := e.timeoutFor(&resolved)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if rs.isCancelled(ctx) {
			lastErr = context.Canceled
			break
		}

		out, err := e.invoke(ctx, reg.Execute, &resolved, rs, timeout)
		if err == nil {
			ec.SetNodeOutput(node.ID, out)
			ec.SetNodeStatus(node.ID, sdk.NodeCompleted)
			e.emit(Event{
				Type:       EventNodeComplete,
				RunID:      ec.RunID(),
				WorkflowID: ec.WorkflowID(),
				NodeID:     node.ID,
			})
			return nil
		}

		lastErr = err
		if attempt >= maxRetries {
			break
		}

		retries := ec.IncRetry(node.ID)
		backoff := backoffFor(retryDelay, attempt)
		e.emit(Event{
			Type:       EventNodeRetry,
			RunID:      ec.RunID(),
			WorkflowID: ec.WorkflowID(),
			NodeID:     node.ID,
			Payload: map[string]any{
				"attempt":    retries,
				"maxRetries": maxRetries,
				"backoffMs":  backoff.Milliseconds(),
			},
		})
		ec.Log(node.ID, fmt.Sprintf("retry %d/%d after error: %s", retries, maxRetries, err), "warn")

		if !sleepInterruptible(ctx, rs, backoff) {
			lastErr = context.Canceled
			break
		}
	}

	return fail(lastErr)
}

// invoke races the handler against the node deadline. On timeout the handler
// goroutine is abandoned with its context cancelled; its late result goes to
// a buffered channel so it never leaks.
func (e *Engine) invoke(ctx context.Context, exec registry.ExecuteFunc, node *sdk.Node, rs *runState, timeout time.Duration) (map[string]any, error) {
	nodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-rs.cancel:
			cancel()
		case <-nodeCtx.Done():
		}
	}()

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("node handler panicked: %v", r)}
			}
		}()
		out, err := exec(nodeCtx, node, rs.ec, e)
		done <- outcome{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.out, res.err
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("node timed out after %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// maxRetriesFor resolves the retry budget: retryable:false wins, then an
// explicit maxRetries, then the global default.
func (e *Engine) maxRetriesFor(cfg map[string]any) int {
	if b, ok := lookupBool(cfg, "retryable"); ok && !b {
		return 0
	}
	if n, ok := lookupInt(cfg, "maxRetries"); ok {
		if n < 0 {
			return 0
		}
		return n
	}
	return e.cfg.NodeMaxRetries
}

// timeoutFor resolves the node deadline: config timeout, config timeoutMs,
// node-level overrides, then the global default. All values are in
// milliseconds.
func (e *Engine) timeoutFor(node *sdk.Node) time.Duration {
	if n, ok := lookupInt(node.Config, "timeout"); ok && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	if n, ok := lookupInt(node.Config, "timeoutMs"); ok && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	if node.Timeout > 0 {
		return time.Duration(node.Timeout) * time.Millisecond
	}
	if node.TimeoutMs > 0 {
		return time.Duration(node.TimeoutMs) * time.Millisecond
	}
	return e.cfg.NodeTimeout
}

// retryDelayFor honors an explicit zero so tests and tight polling loops
// can retry immediately.
func retryDelayFor(cfg map[string]any) time.Duration {
	if n, ok := lookupInt(cfg, "retryDelayMs"); ok && n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return config.DefaultRetryDelay
}

// backoffFor doubles the base per attempt, capped at the global maximum.
// attempt is zero-based: the first retry waits the base delay.
func backoffFor(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= config.MaxRetryBackoff {
			return config.MaxRetryBackoff
		}
	}
	if d > config.MaxRetryBackoff {
		return config.MaxRetryBackoff
	}
	return d
}

// sleepInterruptible waits out a backoff, returning false if the run is
// cancelled first.
func sleepInterruptible(ctx context.Context, rs *runState, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-rs.cancel:
		return false
	}
}

func configBool(cfg map[string]any, key string) bool {
	b, _ := lookupBool(cfg, key)
	return b
}

func lookupBool(cfg map[string]any, key string) (bool, bool) {
	v, ok := cfg[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return b == "true", true
	default:
		return false, false
	}
}

// lookupInt accepts the numeric shapes JSON decoding produces.
func lookupInt(cfg map[string]any, key string) (int, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
