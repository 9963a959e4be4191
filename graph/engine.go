package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// nativeExecutor walks the contract in-process.
//
// Sequential nodes run on the calling goroutine. A fan-out stage gets its own
// ants pool sized to the configured concurrency; units are submitted in unit
// key order and the stage joins once every submitted unit has committed.
type nativeExecutor struct {
	core *executorCore
}

func (e *nativeExecutor) Backend() Backend { return BackendNative }

// Run executes or resumes a run. See Executor.
func (e *nativeExecutor) Run(ctx context.Context, c *Contract, initial TypedState, mode Mode, opts ...RunOption) (FinalState, error) {
	r, early := e.core.prepare(ctx, c, initial, mode, opts)
	if early != nil {
		return *early, early.Err
	}
	fs := e.drive(ctx, r)
	return *fs, fs.Err
}

// Approve records a gate approval. See Executor.
func (e *nativeExecutor) Approve(ctx context.Context, sessionID, runID, nodeID, note string) error {
	return e.core.approve(ctx, sessionID, runID, nodeID, note)
}

func (e *nativeExecutor) drive(ctx context.Context, r *runner) *FinalState {
	pool := antsDispatcher{size: e.core.cfg.maxConcurrent}
	for {
		if ctx.Err() != nil {
			return r.abort(ctx)
		}

		targets, paused, err := r.next()
		switch {
		case err != nil:
			return r.fail(err)
		case paused:
			return r.pause()
		case targets == nil:
			return r.complete()
		}

		st := r.newStage(targets)
		if st.units == nil {
			err = r.runNode(ctx, st)
		} else {
			err = r.runFanOut(ctx, st, pool)
		}
		if errors.Is(err, errAborted) || (err != nil && ctx.Err() != nil) {
			return r.abort(ctx)
		}
		if err != nil {
			return r.fail(err)
		}
	}
}

// antsDispatcher runs unit tasks on a per-stage ants pool.
type antsDispatcher struct {
	size int
}

func (d antsDispatcher) dispatch(ctx context.Context, tasks []func()) error {
	pool, err := ants.NewPool(min(d.size, len(tasks)))
	if err != nil {
		return fmt.Errorf("failed to create unit pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			task()
		}); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("failed to submit unit: %w", err)
		}
	}
	wg.Wait()
	return nil
}
