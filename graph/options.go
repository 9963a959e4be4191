package graph

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dshills/draftgraph/graph/emit"
	"github.com/dshills/draftgraph/graph/store"
)

// Option is a functional option for configuring an Executor.
//
// Example:
//
//	exec, err := graph.New(graph.BackendNative,
//	    graph.WithStore(kv),
//	    graph.WithHandlers(nodes.New(chat)),
//	    graph.WithMaxConcurrent(8),
//	    graph.WithNodeTimeout(2*time.Minute),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before an executor is built.
type engineConfig struct {
	kv            store.KV
	handlers      Handlers
	logger        *zap.Logger
	metrics       *PrometheusMetrics
	tracer        trace.Tracer
	emitter       emit.Emitter
	progress      emit.ProgressSink
	maxConcurrent int
	maxSteps      int
	nodeTimeout   time.Duration
	drainTimeout  time.Duration
	retry         *RetryPolicy
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		logger:        zap.NewNop(),
		emitter:       emit.NewNullEmitter(),
		progress:      emit.NewNullEmitter(),
		maxConcurrent: 4,
	}
}

// WithStore sets the persistence adapter backing checkpoints, the event log,
// run records and gates. Default: a fresh in-memory store.
func WithStore(kv store.KV) Option {
	return func(cfg *engineConfig) error {
		if kv == nil {
			return &EngineError{Message: "store cannot be nil", Code: "MISSING_STORE"}
		}
		cfg.kv = kv
		return nil
	}
}

// WithHandlers binds node kinds to handlers. Every kind a contract declares
// must be bound before Run.
func WithHandlers(h Handlers) Option {
	return func(cfg *engineConfig) error {
		if cfg.handlers == nil {
			cfg.handlers = make(Handlers, len(h))
		}
		for k, n := range h {
			if !k.Valid() {
				return &EngineError{Message: "unknown node kind: " + string(k), Code: CodeMissingHandler}
			}
			cfg.handlers[k] = n
		}
		return nil
	}
}

// WithLogger sets the structured logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if l != nil {
			cfg.logger = l
		}
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithTracer records one OpenTelemetry span per node execution. The span's
// trace and span ids are stamped on the matching TraceEvent.
func WithTracer(t trace.Tracer) Option {
	return func(cfg *engineConfig) error {
		cfg.tracer = t
		return nil
	}
}

// WithEmitter forwards every committed TraceEvent (after it is durable) to
// e. Use emit.MultiEmitter for several destinations.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e != nil {
			cfg.emitter = e
		}
		return nil
	}
}

// WithProgressSink receives a progress notification after every commit.
func WithProgressSink(s emit.ProgressSink) Option {
	return func(cfg *engineConfig) error {
		if s != nil {
			cfg.progress = s
		}
		return nil
	}
}

// WithMaxConcurrent bounds how many fan-out units execute at once.
// Default: 4.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return &EngineError{Message: "max concurrent must be >= 1", Code: "INVALID_OPTION"}
		}
		cfg.maxConcurrent = n
		return nil
	}
}

// WithMaxSteps bounds the number of stages (a sequential node or a whole
// fan-out stage) one Run call may execute. Default: 0 (no limit; retry loops
// are already bounded by their contracts).
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.maxSteps = n
		return nil
	}
}

// WithNodeTimeout sets the timeout for nodes without NodeSpec.Timeout.
// Default: 0 (unlimited).
func WithNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.nodeTimeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long in-flight nodes may keep running after
// the run context is cancelled. Default: 0 (only the node timeout applies).
func WithDrainTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.drainTimeout = d
		return nil
	}
}

// WithRetryPolicy retries transient handler failures for nodes without
// their own NodeSpec.Retry.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *engineConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.retry = &p
		return nil
	}
}

// RunOption configures a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	interrupts []string
	override   bool
	progress   emit.ProgressSink
}

// WithInterrupt gates the given nodes for this run in addition to the nodes
// the contract marks Interruptible.
func WithInterrupt(nodeIDs ...string) RunOption {
	return func(rc *runConfig) {
		rc.interrupts = append(rc.interrupts, nodeIDs...)
	}
}

// WithOverride allows resuming an aborted run.
func WithOverride() RunOption {
	return func(rc *runConfig) {
		rc.override = true
	}
}

// WithRunProgress adds a progress sink for this call only, typically a
// per-request stream.
func WithRunProgress(s emit.ProgressSink) RunOption {
	return func(rc *runConfig) {
		rc.progress = s
	}
}
