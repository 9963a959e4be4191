package graph

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// getNodeTimeout determines the timeout for a node:
// NodeSpec.Timeout, then the executor default, then 0 (unlimited).
func getNodeTimeout(spec NodeSpec, defaultTimeout time.Duration) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// executeNodeWithTimeout runs node under its timeout and maps an exceeded
// deadline to a NODE_TIMEOUT engine error. The handler's own error, if any,
// is returned unchanged.
func executeNodeWithTimeout(
	ctx context.Context,
	node Node,
	nodeID string,
	state TypedState,
	timeout time.Duration,
) (NodeOutput, error) {
	if timeout == 0 {
		return node.Execute(ctx, nodeID, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := node.Execute(timeoutCtx, nodeID, state)

	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
			Code:    CodeNodeTimeout,
			Cause:   context.DeadlineExceeded,
		}
	}
	return out, err
}

// detach returns a context that ignores cancellation of parent, so work
// already dispatched can commit. Once parent is cancelled the detached
// context is cancelled after drain (never, when drain is zero; the node
// timeout still applies).
func detach(parent context.Context, drain time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	var timer atomic.Pointer[time.Timer]
	stop := context.AfterFunc(parent, func() {
		if drain > 0 {
			timer.Store(time.AfterFunc(drain, cancel))
		}
	})

	return ctx, func() {
		stop()
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		cancel()
	}
}
