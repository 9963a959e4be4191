package emit

import (
	"go.uber.org/zap"
)

// LogEmitter writes trace events and progress notifications to a zap logger.
//
// Failed events are logged at warn level, everything else at info (or debug
// when verbose is false for progress, which is chatty on large fan-outs).
//
// Example:
//
//	logger, _ := zap.NewProduction()
//	emitter := emit.NewLogEmitter(logger, false)
type LogEmitter struct {
	logger  *zap.Logger
	verbose bool
}

// NewLogEmitter creates a LogEmitter. A nil logger falls back to zap.NewNop.
func NewLogEmitter(logger *zap.Logger, verbose bool) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{
		logger:  logger.Named("trace"),
		verbose: verbose,
	}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event TraceEvent) {
	fields := []zap.Field{
		zap.Uint64("seq", event.Sequence),
		zap.String("run_id", event.RunID),
		zap.String("node_id", event.NodeID),
		zap.String("unit_key", event.UnitKey),
		zap.String("kind", string(event.Kind)),
		zap.String("status", string(event.Status)),
		zap.Duration("duration", event.Duration()),
		zap.String("trace_id", event.TraceID),
		zap.String("span_id", event.SpanID),
	}
	if l.verbose {
		fields = append(fields,
			zap.String("input_digest", event.InputDigest),
			zap.String("output_digest", event.OutputDigest),
			zap.String("effect_digest", event.EffectDigest),
		)
	}

	if event.Status == StatusFailed {
		l.logger.Warn("node failed", append(fields, zap.String("error", event.Error))...)
		return
	}
	l.logger.Info("node committed", fields...)
}

// Progress implements ProgressSink.
func (l *LogEmitter) Progress(p Progress) {
	fields := []zap.Field{
		zap.String("run_id", p.RunID),
		zap.String("node_id", p.NodeID),
		zap.Int("percent", p.Percent),
	}
	if p.SectionLabel != "" {
		fields = append(fields, zap.String("section", p.SectionLabel))
	}
	if l.verbose {
		l.logger.Info("progress", fields...)
		return
	}
	l.logger.Debug("progress", fields...)
}
