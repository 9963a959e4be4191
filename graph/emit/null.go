package emit

// NullEmitter discards trace events and progress notifications.
//
// It is the engine default when no emitter or sink is configured.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter.
func (n *NullEmitter) Emit(TraceEvent) {}

// Progress implements ProgressSink.
func (n *NullEmitter) Progress(Progress) {}
