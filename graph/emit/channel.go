package emit

import "sync"

// ChannelSink delivers progress notifications on a buffered channel.
//
// It is the adapter a stream endpoint reads from. When the buffer is full
// the oldest pending notification is dropped so a slow or disconnected
// client never stalls the engine; Dropped reports how many were lost.
type ChannelSink struct {
	mu      sync.Mutex
	ch      chan Progress
	closed  bool
	dropped int
}

// NewChannelSink creates a sink with the given buffer size (minimum 1).
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Progress, size)}
}

// C returns the receive side of the sink.
func (c *ChannelSink) C() <-chan Progress {
	return c.ch
}

// Progress implements ProgressSink.
func (c *ChannelSink) Progress(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	for {
		select {
		case c.ch <- p:
			return
		default:
		}
		select {
		case <-c.ch:
			c.dropped++
		default:
		}
	}
}

// Dropped returns the number of notifications discarded on overflow.
func (c *ChannelSink) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close closes the channel. Later notifications are ignored.
func (c *ChannelSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
