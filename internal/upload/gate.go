package upload

import "sync/atomic"

// Gate is a one-shot completion signal. The session's finalize step sets it
// exactly once; Run waits on it exactly once before returning.
type Gate struct {
	done chan struct{}
	set  atomic.Bool
}

// NewGate returns an unset gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Set releases all waiters. Only the first call has an effect; later calls
// return false and leave the gate untouched.
func (g *Gate) Set() bool {
	if !g.set.CompareAndSwap(false, true) {
		return false
	}
	close(g.done)
	return true
}

// Wait blocks until Set has been called. It returns immediately if the gate
// is already set.
func (g *Gate) Wait() {
	<-g.done
}

// Done exposes the signal for use in a select.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// IsSet reports whether Set has been called.
func (g *Gate) IsSet() bool {
	return g.set.Load()
}
