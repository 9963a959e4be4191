package graph

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// externalExecutor drives runs the way a hosted workflow engine would: the
// contract is compiled once into a stage plan, the planner streams stage
// requests to a worker over a channel and waits for each acknowledgement.
// Fan-out stages run on an errgroup bounded by a weighted semaphore.
type externalExecutor struct {
	core *executorCore
}

func (e *externalExecutor) Backend() Backend { return BackendExternal }

// Run executes or resumes a run. See Executor.
func (e *externalExecutor) Run(ctx context.Context, c *Contract, initial TypedState, mode Mode, opts ...RunOption) (FinalState, error) {
	r, early := e.core.prepare(ctx, c, initial, mode, opts)
	if early != nil {
		return *early, early.Err
	}
	fs := e.drive(ctx, r)
	return *fs, fs.Err
}

// Approve records a gate approval. See Executor.
func (e *externalExecutor) Approve(ctx context.Context, sessionID, runID, nodeID, note string) error {
	return e.core.approve(ctx, sessionID, runID, nodeID, note)
}

// stagePlan is a contract compiled for the external worker: every node with
// its handler, effective timeout and retry policy resolved up front.
type stagePlan map[string]stage

func compile(r *runner) stagePlan {
	plan := make(stagePlan, len(r.c.Nodes))
	for _, n := range r.c.Nodes {
		st := stage{
			spec:    n,
			node:    r.nodes[n.ID],
			timeout: getNodeTimeout(n, r.x.cfg.nodeTimeout),
			retry:   effectiveRetry(n.Retry, r.x.cfg.retry),
		}
		plan[n.ID] = st
	}
	return plan
}

// instantiate returns the compiled stage for targets.
func (p stagePlan) instantiate(targets []Target) *stage {
	st := p[targets[0].Node]
	st.units = unitsOf(targets)
	return &st
}

func (e *externalExecutor) drive(ctx context.Context, r *runner) *FinalState {
	plan := compile(r)
	requests := make(chan *stage)
	acks := make(chan error)
	defer close(requests)
	go e.work(ctx, r, requests, acks)

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

		requests <- plan.instantiate(targets)
		err = <-acks
		if errors.Is(err, errAborted) || (err != nil && ctx.Err() != nil) {
			return r.abort(ctx)
		}
		if err != nil {
			return r.fail(err)
		}
	}
}

// work executes stage requests until the planner closes the stream.
func (e *externalExecutor) work(ctx context.Context, r *runner, requests <-chan *stage, acks chan<- error) {
	group := groupDispatcher{size: int64(e.core.cfg.maxConcurrent)}
	for st := range requests {
		if st.units == nil {
			acks <- r.runNode(ctx, st)
		} else {
			acks <- r.runFanOut(ctx, st, group)
		}
	}
}

// groupDispatcher runs unit tasks on an errgroup, admitting at most size at
// a time.
type groupDispatcher struct {
	size int64
}

func (d groupDispatcher) dispatch(ctx context.Context, tasks []func()) error {
	sem := semaphore.NewWeighted(d.size)
	var g errgroup.Group
	for _, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			task()
			return nil
		})
	}
	return g.Wait()
}
