package sigchan

// Chan is a non-blocking signal channel: it notifies that an event
// happened without carrying data.
type Chan struct {
	c chan struct{}
}

// New creates a signal channel with the given buffer size.
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit sends a signal without blocking; a full buffer drops the signal.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C exposes the underlying channel for select loops.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
