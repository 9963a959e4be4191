package emit

// Emitter receives trace events as they are committed.
//
// Emitters observe the run; they never influence it. Implementations must be
// safe for concurrent use because fan-out units commit from several
// goroutines, and Emit must not block for long: the engine calls it on the
// commit path.
type Emitter interface {
	Emit(event TraceEvent)
}

// ProgressSink receives coarse progress notifications.
//
// The runtime has no opinion on delivery; a stream endpoint typically wraps a
// ChannelSink, a CLI a LogEmitter.
type ProgressSink interface {
	Progress(p Progress)
}

// MultiEmitter fans a trace event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards event to every non-nil emitter.
func (m MultiEmitter) Emit(event TraceEvent) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

// MultiSink fans a progress notification out to several sinks in order.
type MultiSink []ProgressSink

// Progress forwards p to every non-nil sink.
func (m MultiSink) Progress(p Progress) {
	for _, s := range m {
		if s != nil {
			s.Progress(p)
		}
	}
}
