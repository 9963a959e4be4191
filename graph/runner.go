package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/draftgraph/graph/emit"
	"github.com/dshills/draftgraph/graph/store"
)

// Main-lineage checkpoint statuses besides the section statuses.
const (
	checkpointInitial = "initial"
	checkpointAborted = "aborted"
)

// errAborted is returned by stage execution when cancellation stopped
// dispatch before every unit ran.
var errAborted = errors.New("run aborted")

// executorCore holds what both backends share: configuration and the stores
// behind the commit protocol.
type executorCore struct {
	cfg         engineConfig
	backend     Backend
	checkpoints *store.CheckpointStore[TypedState]
	events      *store.EventLog
	runs        *store.RunStore
}

func newCore(backend Backend, cfg engineConfig) *executorCore {
	if cfg.kv == nil {
		cfg.kv = store.NewMemKV()
	}
	return &executorCore{
		cfg:     cfg,
		backend: backend,
		checkpoints: store.NewCheckpointStore[TypedState](cfg.kv,
			store.WithConflictHook(cfg.metrics.IncrementCheckpointConflicts)),
		events: store.NewEventLog(cfg.kv),
		runs:   store.NewRunStore(cfg.kv),
	}
}

// stage is one unit of scheduling: a sequential node, or a fan-out node with
// the units it dispatches.
type stage struct {
	spec    NodeSpec
	node    Node
	timeout time.Duration
	retry   *RetryPolicy
	units   []string
}

// dispatcher runs fan-out unit tasks with bounded concurrency. It stops
// submitting once ctx is cancelled and returns after every submitted task
// has finished.
type dispatcher interface {
	dispatch(ctx context.Context, tasks []func()) error
}

// runner carries one Run call. Only the driving goroutine mutates it, except
// for fan-out units, which read the head and write their own result slot.
type runner struct {
	x     *executorCore
	c     *Contract
	nodes map[string]Node
	rc    runConfig
	gated map[string]bool
	log   *zap.Logger

	// sctx is used for every store write, so a cancelled run can still
	// record its checkpoints and final status.
	sctx    context.Context
	traceID string

	record     store.RunRecord
	state      TypedState
	headDigest string
	failures   map[string]UnitFailure
	progress   *progressTracker
	steps      int

	pending    bool
	pendNode   string
	pendLabel  string
	sinkFanout emit.ProgressSink
}

// prepare validates input, binds handlers and loads or creates the run. A
// non-nil FinalState means the call ends before any node runs.
func (x *executorCore) prepare(ctx context.Context, c *Contract, initial TypedState, mode Mode, opts []RunOption) (*runner, *FinalState) {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}

	r := &runner{
		x:        x,
		c:        c,
		rc:       rc,
		sctx:     context.WithoutCancel(ctx),
		traceID:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		state:    initial,
		failures: make(map[string]UnitFailure),
	}
	r.log = x.cfg.logger.With(
		zap.String("session_id", initial.SessionID),
		zap.String("run_id", initial.RunID),
		zap.String("backend", string(x.backend)),
	)

	if c == nil {
		return nil, r.result(OutcomeFailed, invalidContract("contract is required"))
	}
	if err := c.Validate(); err != nil {
		return nil, r.result(OutcomeFailed, err)
	}
	nodes, err := bind(c, x.cfg.handlers)
	if err != nil {
		return nil, r.result(OutcomeFailed, err)
	}
	r.nodes = nodes
	if initial.SessionID == "" {
		return nil, r.result(OutcomeFailed, &EngineError{Message: "session id is required", Code: "INVALID_STATE"})
	}

	r.gated = make(map[string]bool)
	for _, n := range c.Nodes {
		if n.Interruptible {
			r.gated[n.ID] = true
		}
	}
	for _, id := range rc.interrupts {
		r.gated[id] = true
	}

	sinks := emit.MultiSink{x.cfg.progress}
	if rc.progress != nil {
		sinks = append(sinks, rc.progress)
	}
	r.sinkFanout = sinks

	var early *FinalState
	switch mode {
	case ModeStart:
		early = r.start(initial)
	case ModeResume:
		early = r.resume()
	default:
		early = r.result(OutcomeFailed, &EngineError{Message: "unknown mode " + mode.String(), Code: "INVALID_MODE"})
	}
	if early != nil {
		return nil, early
	}

	r.progress = newProgressTracker(r.state.RunID, c, r.state.Cursor.Step, r.sinkFanout)
	r.log.Info("run started", zap.String("mode", mode.String()), zap.String("contract", c.Name))
	return r, nil
}

func (r *runner) start(initial TypedState) *FinalState {
	if initial.RunID == "" {
		initial.RunID = uuid.NewString()
		r.state.RunID = initial.RunID
		r.log = r.log.With(zap.String("run_id", initial.RunID))
	}
	r.record = store.RunRecord{
		SessionID:       initial.SessionID,
		RunID:           initial.RunID,
		Contract:        r.c.Name,
		ContractVersion: r.c.Version,
		Status:          string(StatusPending),
	}

	_, err := r.x.runs.GetRun(r.sctx, initial.SessionID, initial.RunID)
	switch {
	case err == nil:
		return r.result(OutcomeFailed, &EngineError{Message: "run already exists: " + initial.RunID, Code: CodeRunExists})
	case !errors.Is(err, store.ErrNotFound):
		return r.result(OutcomeFailed, storeError("load run record", err))
	}

	if err := checkSchema(initial); err != nil {
		return r.fail(err)
	}

	state, err := deepCopy(initial)
	if err != nil {
		return r.result(OutcomeFailed, &EngineError{Message: err.Error(), Code: "INVALID_STATE", Cause: err})
	}
	state.Cursor = Cursor{}

	if _, err := r.x.checkpoints.Save(r.sctx, store.Checkpoint[TypedState]{
		SessionID: state.SessionID,
		RunID:     state.RunID,
		UnitKey:   MainUnit,
		State:     state,
		Status:    checkpointInitial,
	}); err != nil {
		return r.result(OutcomeFailed, storeError("save initial checkpoint", err))
	}
	if err := r.setHead(state); err != nil {
		return r.result(OutcomeFailed, err)
	}
	if err := r.setStatus(StatusRunning); err != nil {
		return r.result(OutcomeFailed, err)
	}
	return nil
}

func (r *runner) resume() *FinalState {
	rec, err := r.x.runs.GetRun(r.sctx, r.state.SessionID, r.state.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return r.result(OutcomeFailed, &EngineError{Message: "no run " + r.state.RunID, Code: CodeRunNotFound, Cause: err})
	}
	if err != nil {
		return r.result(OutcomeFailed, storeError("load run record", err))
	}
	r.record = rec
	if rec.Contract != r.c.Name || rec.ContractVersion != r.c.Version {
		return r.result(OutcomeFailed, &EngineError{
			Message: fmt.Sprintf("run was started with contract %s@%s, not %s@%s", rec.Contract, rec.ContractVersion, r.c.Name, r.c.Version),
			Code:    CodeContractMismatch,
		})
	}

	cp, err := r.x.checkpoints.LoadLatest(r.sctx, rec.SessionID, rec.RunID, MainUnit)
	if err != nil && !(errors.Is(err, store.ErrNotFound) && rec.FailureCode == CodeSchemaMismatch) {
		return r.result(OutcomeFailed, storeError("load main checkpoint", err))
	}
	if err == nil {
		r.state = cp.State
	}

	status := RunStatus(rec.Status)
	switch {
	case status == StatusCompleted:
		outcome := OutcomeCompleted
		if len(r.state.FailedSections()) > 0 {
			outcome = OutcomeCompletedWithFailures
		}
		return r.result(outcome, fmt.Errorf("%w: run %s already completed", ErrNotResumable, rec.RunID))
	case status == StatusFailed && rec.FailureCode == CodeSchemaMismatch:
		return r.result(OutcomeFailed, fmt.Errorf("%w: run %s failed on a schema version mismatch", ErrNotResumable, rec.RunID))
	case status == StatusAborted && !r.rc.override:
		return r.result(OutcomeAborted, &EngineError{
			Message: "run was aborted; resuming requires override",
			Code:    CodeAborted,
			Cause:   ErrNotResumable,
		})
	case status == StatusPaused:
		gate, err := r.x.runs.GetGate(r.sctx, rec.SessionID, rec.RunID, rec.PausedAt)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return r.result(OutcomeFailed, storeError("load gate", err))
		}
		if err != nil || !gate.Approved || gate.Consumed {
			fs := r.result(OutcomePaused, fmt.Errorf("%w: node %s", ErrGateNotApproved, rec.PausedAt))
			fs.PausedAt = rec.PausedAt
			return fs
		}
		r.gated[rec.PausedAt] = true
	}

	if err := checkSchema(r.state); err != nil {
		return r.fail(err)
	}
	if err := r.setHead(r.state); err != nil {
		return r.result(OutcomeFailed, err)
	}

	r.record.PausedAt = ""
	r.record.FailureCode = ""
	r.record.Error = ""
	if status != StatusRunning {
		if err := r.setStatus(StatusRunning); err != nil {
			return r.result(OutcomeFailed, err)
		}
	}
	return nil
}

// next resolves the successors of the main-lineage head and evaluates the
// gate in front of them. It returns no targets when the run is done.
func (r *runner) next() (targets []Target, paused bool, err error) {
	var res resolution
	if r.state.Cursor.Node == "" {
		res = resolution{targets: []Target{{Node: r.c.Entry}}}
	} else {
		res, err = resolve(r.c, r.state.Cursor.Node, r.state)
		if err != nil {
			r.flushProgress()
			return nil, false, err
		}
	}

	target := res.targets[0].Node
	if target == End {
		r.flushProgress()
		return nil, false, nil
	}

	paused, err = r.gate(target)
	r.flushProgress()
	if err != nil || paused {
		return nil, paused, err
	}

	if limit := r.x.cfg.maxSteps; limit > 0 && r.steps >= limit {
		return nil, false, &EngineError{
			Message: fmt.Sprintf("run exceeded %d steps", limit),
			Code:    CodeMaxSteps,
			Cause:   ErrMaxStepsExceeded,
		}
	}
	r.steps++

	// The loop counter moves only once the loop target is dispatched; a run
	// paused in front of it keeps the committed counts.
	if res.branch != nil && res.branch.Retry != nil {
		attempts := make(map[string]int, len(r.state.Attempts)+1)
		for k, v := range r.state.Attempts {
			attempts[k] = v
		}
		attempts[res.branch.Retry.Counter]++
		r.state.Attempts = attempts
		r.x.cfg.metrics.IncrementRetries(res.branch.To, "loop")
		r.log.Debug("retry loop taken",
			zap.String("route", res.route),
			zap.String("branch", res.branch.Name),
			zap.Int("attempt", attempts[res.branch.Retry.Counter]))
	}
	return res.targets, false, nil
}

// newStage builds the stage for targets from the contract.
func (r *runner) newStage(targets []Target) *stage {
	spec, _ := r.c.Node(targets[0].Node)
	st := &stage{
		spec:    spec,
		node:    r.nodes[spec.ID],
		timeout: getNodeTimeout(spec, r.x.cfg.nodeTimeout),
		retry:   effectiveRetry(spec.Retry, r.x.cfg.retry),
	}
	st.units = unitsOf(targets)
	return st
}

// effectiveRetry returns the retry policy of a node. A node without one uses
// the engine's; a node policy without a classifier borrows the engine's,
// since contract files cannot name one.
func effectiveRetry(node, engine *RetryPolicy) *RetryPolicy {
	switch {
	case node == nil:
		return engine
	case node.Retryable == nil && engine != nil:
		p := *node
		p.Retryable = engine.Retryable
		return &p
	default:
		return node
	}
}

func unitsOf(targets []Target) []string {
	if targets[0].Unit == "" {
		return nil
	}
	units := make([]string, len(targets))
	for i, t := range targets {
		units[i] = t.Unit
	}
	return units
}

// runNode executes a sequential node and commits it to the main lineage.
func (r *runner) runNode(ctx context.Context, st *stage) error {
	input, err := r.input(st.spec.ID, "")
	if err != nil {
		return err
	}

	execCtx, cancel := detach(ctx, r.x.cfg.drainTimeout)
	defer cancel()

	started := time.Now()
	out, ids, err := r.invoke(execCtx, st, input)
	ev := r.event(st.spec.ID, MainUnit, emit.KindNode, started, time.Now(), ids)
	ev.EffectDigest = out.EffectDigest

	if err != nil {
		err = asNodeError(st.spec.ID, err)
		ev.Status = emit.StatusFailed
		ev.Error = err.Error()
		r.appendOnly(ev)
		return err
	}

	if err := r.commit(ev, out.State, string(SectionOK)); err != nil {
		return err
	}
	if err := r.setHead(out.State); err != nil {
		return err
	}
	r.deferProgress(st.spec.ID, "")
	return nil
}

type unitResult struct {
	unit    string
	state   TypedState
	ran     bool
	failure *UnitFailure
	err     error
}

// runFanOut executes every unit of a fan-out stage through d, then joins.
// Units whose latest checkpoint already holds an ok result for this step
// are reused instead of re-run.
func (r *runner) runFanOut(ctx context.Context, st *stage, d dispatcher) error {
	r.progress.expand(st.spec.ID, len(st.units))

	execCtx, cancel := detach(ctx, r.x.cfg.drainTimeout)
	defer cancel()

	results := make([]unitResult, len(st.units))
	step := r.state.Cursor.Step + 1
	var tasks []func()
	for i, unit := range st.units {
		if state, ok := r.reusable(st.spec.ID, unit, step); ok {
			results[i] = unitResult{unit: unit, state: state, ran: true}
			key, _ := SectionKeyOf(unit)
			r.progress.commit(st.spec.ID, unit, sectionLabel(state, key))
			r.log.Debug("unit reused", zap.String("node_id", st.spec.ID), zap.String("unit", unit))
			continue
		}
		tasks = append(tasks, func() {
			if ctx.Err() != nil {
				return
			}
			results[i] = r.runUnit(execCtx, st, unit)
		})
	}

	if len(tasks) > 0 {
		queued := int64(len(tasks))
		r.x.cfg.metrics.UpdateQueueDepth(len(tasks))
		wrapped := make([]func(), len(tasks))
		for i, task := range tasks {
			wrapped[i] = func() {
				r.x.cfg.metrics.UpdateQueueDepth(int(atomic.AddInt64(&queued, -1)))
				r.x.cfg.metrics.AddInflightUnits(1)
				defer r.x.cfg.metrics.AddInflightUnits(-1)
				task()
			}
		}
		if err := d.dispatch(ctx, wrapped); err != nil {
			return &EngineError{Message: "fan-out dispatch failed: " + err.Error(), Code: "DISPATCH_ERROR", Cause: err}
		}
		r.x.cfg.metrics.UpdateQueueDepth(0)
	}

	for _, res := range results {
		if res.err != nil {
			return res.err
		}
	}
	for _, res := range results {
		if !res.ran {
			return errAborted
		}
	}
	return r.join(st, results)
}

// runUnit executes and commits one fan-out unit. A handler failure becomes a
// section_error on the unit's section; only store failures are returned as
// errors.
func (r *runner) runUnit(ctx context.Context, st *stage, unit string) unitResult {
	res := unitResult{unit: unit}
	key, _ := SectionKeyOf(unit)

	input, err := r.input(st.spec.ID, unit)
	if err != nil {
		res.err = err
		return res
	}

	started := time.Now()
	out, ids, err := r.invoke(ctx, st, input)
	ev := r.event(st.spec.ID, unit, emit.KindNode, started, time.Now(), ids)
	ev.EffectDigest = out.EffectDigest

	state := out.State
	status := string(SectionOK)
	if err != nil {
		failure := &SectionFailure{SectionKey: key, NodeID: st.spec.ID, Cause: asNodeError(st.spec.ID, err)}
		state = markSectionError(input, key, failure.Cause)
		status = string(SectionError)
		ev.Status = emit.StatusFailed
		ev.Error = failure.Error()
		res.failure = &UnitFailure{UnitKey: unit, NodeID: st.spec.ID, Error: failure}
		r.x.cfg.metrics.IncrementSectionFailures(st.spec.ID)
		r.log.Warn("section failed",
			zap.String("node_id", st.spec.ID),
			zap.String("unit", unit),
			zap.Error(failure.Cause))
	}

	if err := r.commit(ev, state, status); err != nil {
		res.err = err
		return res
	}
	res.state = state
	res.ran = true
	r.progress.commit(st.spec.ID, unit, sectionLabel(state, key))
	return res
}

// join merges each unit's own section into the main state in unit key order
// and commits the result to the main lineage.
func (r *runner) join(st *stage, results []unitResult) error {
	merged, err := deepCopy(r.state)
	if err != nil {
		return &EngineError{Message: err.Error(), Code: "INVALID_STATE", Cause: err}
	}
	merged.Cursor = Cursor{Node: st.spec.ID, Step: r.state.Cursor.Step + 1}
	if merged.Payload.Sections == nil {
		merged.Payload.Sections = make(map[string]Section)
	}

	for _, res := range results {
		key, _ := SectionKeyOf(res.unit)
		if sec, ok := res.state.Payload.Sections[key]; ok {
			merged.Payload.Sections[key] = sec
		}
		if res.failure != nil {
			r.failures[res.unit] = *res.failure
		} else {
			delete(r.failures, res.unit)
		}
	}

	now := time.Now()
	ev := r.event(st.spec.ID, MainUnit, emit.KindJoin, now, now, spanIDs{traceID: r.traceID, spanID: newSpanID()})
	if err := r.commit(ev, merged, string(SectionOK)); err != nil {
		return err
	}
	if err := r.setHead(merged); err != nil {
		return err
	}
	r.deferProgress(st.spec.ID, "")
	return nil
}

// reusable returns the unit's committed state if its latest checkpoint is an
// ok result of node at step.
func (r *runner) reusable(nodeID, unit string, step int) (TypedState, bool) {
	cp, err := r.x.checkpoints.LoadLatest(r.sctx, r.state.SessionID, r.state.RunID, unit)
	if err != nil {
		return TypedState{}, false
	}
	if cp.Status != string(SectionOK) || cp.State.Cursor.Node != nodeID || cp.State.Cursor.Step != step {
		return TypedState{}, false
	}
	return cp.State, true
}

// input builds the deep copy handed to a node.
func (r *runner) input(nodeID, unit string) (TypedState, error) {
	s, err := deepCopy(r.state)
	if err != nil {
		return s, &EngineError{Message: err.Error(), Code: "INVALID_STATE", Cause: err}
	}
	s.Cursor = Cursor{Node: nodeID, Unit: unit, Step: r.state.Cursor.Step + 1}
	return s, nil
}

type spanIDs struct {
	traceID string
	spanID  string
}

func newSpanID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// invoke runs the handler under its timeout and retry policy inside a span.
func (r *runner) invoke(ctx context.Context, st *stage, input TypedState) (out NodeOutput, ids spanIDs, err error) {
	ids = spanIDs{traceID: r.traceID, spanID: newSpanID()}

	if tracer := r.x.cfg.tracer; tracer != nil {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "node:"+st.spec.ID, trace.WithAttributes(
			attribute.String("draftgraph.session_id", input.SessionID),
			attribute.String("draftgraph.run_id", input.RunID),
			attribute.String("draftgraph.node_id", st.spec.ID),
			attribute.String("draftgraph.node_kind", string(st.spec.Kind)),
			attribute.String("draftgraph.unit_key", input.Cursor.Unit),
		))
		if sc := span.SpanContext(); sc.IsValid() {
			ids = spanIDs{traceID: sc.TraceID().String(), spanID: sc.SpanID().String()}
		}
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}()
	}

	for attempt := 0; ; attempt++ {
		var in TypedState
		if in, err = deepCopy(input); err != nil {
			return out, ids, err
		}

		started := time.Now()
		out, err = call(ctx, st.node, st.spec.ID, in, st.timeout)
		if err == nil {
			if cerr := checkOwnedFields(input, out.State); cerr != nil {
				err = &NodeError{Message: cerr.Error(), Code: CodeCursorMutated, NodeID: st.spec.ID, Cause: cerr}
			}
		}
		r.x.cfg.metrics.RecordStepLatency(st.spec.ID, time.Since(started), latencyStatus(err))

		if err == nil || errorCode(err) == CodeCursorMutated || !st.retry.shouldRetry(err, attempt) {
			return out, ids, err
		}

		r.x.cfg.metrics.IncrementRetries(st.spec.ID, "transient")
		delay := computeBackoff(attempt, st.retry.BaseDelay, st.retry.MaxDelay, nil)
		r.log.Debug("retrying node",
			zap.String("node_id", st.spec.ID),
			zap.String("unit", input.Cursor.Unit),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return out, ids, err
		case <-time.After(delay):
		}
	}
}

// call runs one handler attempt, converting a panic into a node error.
func call(ctx context.Context, node Node, nodeID string, state TypedState, timeout time.Duration) (out NodeOutput, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &NodeError{
				Message: fmt.Sprintf("panic: %v\n%s", p, debug.Stack()),
				Code:    "NODE_PANIC",
				NodeID:  nodeID,
			}
		}
	}()
	return executeNodeWithTimeout(ctx, node, nodeID, state, timeout)
}

func latencyStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errorCode(err) == CodeNodeTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

func (r *runner) event(nodeID, unit string, kind emit.Kind, started, ended time.Time, ids spanIDs) emit.TraceEvent {
	return emit.TraceEvent{
		TraceID:     ids.traceID,
		SpanID:      ids.spanID,
		SessionID:   r.state.SessionID,
		RunID:       r.state.RunID,
		NodeID:      nodeID,
		UnitKey:     unit,
		Kind:        kind,
		StartedAt:   started.UTC(),
		EndedAt:     ended.UTC(),
		InputDigest: r.headDigest,
		Status:      emit.StatusOK,
	}
}

// commit appends the trace event, then writes the checkpoint, then forwards
// the durable event to the emitter.
func (r *runner) commit(ev emit.TraceEvent, state TypedState, status string) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &EngineError{Message: "failed to marshal state: " + err.Error(), Code: "INVALID_STATE", Cause: err}
	}
	ev.Output = data
	ev.OutputDigest = digestBytes(data)

	ev, err = r.x.events.Append(r.sctx, ev)
	if err != nil {
		return storeError("append trace event", err)
	}
	if _, err := r.x.checkpoints.Save(r.sctx, store.Checkpoint[TypedState]{
		SessionID: state.SessionID,
		RunID:     state.RunID,
		NodeID:    ev.NodeID,
		UnitKey:   ev.UnitKey,
		State:     state,
		Status:    status,
	}); err != nil {
		r.rollback(ev, err)
		return storeError("save checkpoint", err)
	}

	r.x.cfg.emitter.Emit(ev)
	r.log.Debug("node committed",
		zap.String("node_id", ev.NodeID),
		zap.String("unit", ev.UnitKey),
		zap.Uint64("seq", ev.Sequence),
		zap.String("kind", string(ev.Kind)))
	return nil
}

// rollback withdraws ev after its checkpoint failed, so replay follows the
// lineage a resume continues from rather than the uncommitted output.
func (r *runner) rollback(ev emit.TraceEvent, cause error) {
	now := time.Now()
	rb := r.event(ev.NodeID, ev.UnitKey, emit.KindRollback, now, now, spanIDs{traceID: ev.TraceID, spanID: ev.SpanID})
	rb.Status = emit.StatusFailed
	rb.Error = "checkpoint not written: " + cause.Error()
	rb.Supersedes = ev.Sequence
	r.log.Warn("withdrawing uncommitted event",
		zap.String("node_id", ev.NodeID),
		zap.String("unit", ev.UnitKey),
		zap.Uint64("seq", ev.Sequence),
		zap.Error(cause))
	r.appendOnly(rb)
}

// appendOnly records an event that carries no state (a failure or an
// interrupt). A failed append is logged; the run outcome already reflects
// the original error.
func (r *runner) appendOnly(ev emit.TraceEvent) {
	ev, err := r.x.events.Append(r.sctx, ev)
	if err != nil {
		r.log.Error("failed to append trace event", zap.String("node_id", ev.NodeID), zap.Error(err))
		return
	}
	r.x.cfg.emitter.Emit(ev)
}

func (r *runner) setHead(state TypedState) error {
	d, err := Digest(state)
	if err != nil {
		return &EngineError{Message: err.Error(), Code: "INVALID_STATE", Cause: err}
	}
	r.state = state
	r.headDigest = d
	return nil
}

func (r *runner) setStatus(next RunStatus) error {
	cur := RunStatus(r.record.Status)
	if cur != next && !cur.CanTransition(next) {
		return &EngineError{
			Message: fmt.Sprintf("run %s cannot move from %s to %s", r.record.RunID, cur, next),
			Code:    CodeInvalidTransition,
		}
	}
	r.record.Status = string(next)
	rec, err := r.x.runs.PutRun(r.sctx, r.record)
	if err != nil {
		return storeError("save run record", err)
	}
	r.record = rec
	return nil
}

func (r *runner) deferProgress(nodeID, label string) {
	r.pending, r.pendNode, r.pendLabel = true, nodeID, label
}

func (r *runner) flushProgress() {
	if r.pending {
		r.pending = false
		r.progress.commit(r.pendNode, "", r.pendLabel)
	}
}

// pause ends the call with the run suspended at a gate.
func (r *runner) pause() *FinalState {
	r.log.Info("run paused", zap.String("node_id", r.record.PausedAt))
	fs := r.finish(OutcomePaused, nil)
	fs.PausedAt = r.record.PausedAt
	return fs
}

// complete ends the call with the run finished.
func (r *runner) complete() *FinalState {
	outcome := OutcomeCompleted
	if len(r.state.FailedSections()) > 0 {
		outcome = OutcomeCompletedWithFailures
	}
	if err := r.setStatus(StatusCompleted); err != nil {
		return r.finish(OutcomeFailed, err)
	}
	r.progress.finish(r.state.Cursor.Node)
	r.log.Info("run completed", zap.String("outcome", string(outcome)))
	return r.finish(outcome, nil)
}

// fail ends the call with the run failed. The last checkpoint stays intact.
func (r *runner) fail(err error) *FinalState {
	r.record.FailureCode = errorCode(err)
	r.record.Error = err.Error()
	if werr := r.setStatus(StatusFailed); werr != nil {
		r.log.Error("failed to record run failure", zap.Error(werr))
	}
	r.log.Error("run failed", zap.String("code", r.record.FailureCode), zap.Error(err))
	if r.progress == nil {
		return r.result(OutcomeFailed, err)
	}
	return r.finish(OutcomeFailed, err)
}

// abort ends the call after cancellation. The main-lineage head is
// checkpointed again with status aborted; committed units keep their own
// checkpoints.
func (r *runner) abort(ctx context.Context) *FinalState {
	err := &EngineError{Message: "run cancelled", Code: CodeAborted, Cause: context.Cause(ctx)}
	if _, serr := r.x.checkpoints.Save(r.sctx, store.Checkpoint[TypedState]{
		SessionID: r.state.SessionID,
		RunID:     r.state.RunID,
		NodeID:    r.state.Cursor.Node,
		UnitKey:   MainUnit,
		State:     r.state,
		Status:    checkpointAborted,
	}); serr != nil {
		r.log.Error("failed to checkpoint aborted run", zap.Error(serr))
	}
	r.record.FailureCode = CodeAborted
	r.record.Error = err.Error()
	if werr := r.setStatus(StatusAborted); werr != nil {
		r.log.Error("failed to record run abort", zap.Error(werr))
	}
	r.log.Warn("run aborted")
	return r.finish(OutcomeAborted, err)
}

func (r *runner) finish(outcome Outcome, err error) *FinalState {
	r.x.cfg.metrics.IncrementRuns(outcome)
	return r.result(outcome, err)
}

func (r *runner) result(outcome Outcome, err error) *FinalState {
	return &FinalState{
		RunID:       r.state.RunID,
		SessionID:   r.state.SessionID,
		Outcome:     outcome,
		State:       r.state,
		FailedUnits: r.failedUnits(),
		Err:         err,
	}
}

// failedUnits lists the sections of the head state in section_error, with
// the failure observed in this call when there is one.
func (r *runner) failedUnits() []UnitFailure {
	keys := r.state.FailedSections()
	if len(keys) == 0 {
		return nil
	}
	out := make([]UnitFailure, 0, len(keys))
	for _, key := range keys {
		unit := UnitKey(key)
		if f, ok := r.failures[unit]; ok {
			out = append(out, f)
			continue
		}
		f := UnitFailure{UnitKey: unit}
		if cp, err := r.x.checkpoints.LoadLatest(r.sctx, r.state.SessionID, r.state.RunID, unit); err == nil {
			f.NodeID = cp.NodeID
		}
		f.Error = &SectionFailure{SectionKey: key, NodeID: f.NodeID, Cause: errors.New(r.state.Payload.Sections[key].Error)}
		out = append(out, f)
	}
	return out
}

func markSectionError(state TypedState, key string, cause error) TypedState {
	if state.Payload.Sections == nil {
		state.Payload.Sections = make(map[string]Section)
	}
	sec := state.Payload.Sections[key]
	sec.Key = key
	if sec.Title == "" {
		for _, p := range state.Payload.Outline {
			if p.Key == key {
				sec.Title = p.Title
			}
		}
	}
	sec.Status = SectionError
	sec.Error = cause.Error()
	sec.Attempt++
	state.Payload.Sections[key] = sec
	return state
}

func sectionLabel(state TypedState, key string) string {
	if sec, ok := state.Payload.Sections[key]; ok && sec.Title != "" {
		return sec.Title
	}
	return key
}

func asNodeError(nodeID string, err error) error {
	var ne *NodeError
	if errors.As(err, &ne) {
		if ne.NodeID == "" {
			ne.NodeID = nodeID
		}
		return err
	}
	code := errorCode(err)
	if code == "" {
		code = CodeNodeFailed
	}
	return &NodeError{Message: err.Error(), Code: code, NodeID: nodeID, Cause: err}
}

func storeError(op string, err error) error {
	return &EngineError{Message: op + ": " + err.Error(), Code: CodeStoreError, Cause: err}
}
