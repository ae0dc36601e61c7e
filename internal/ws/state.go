package ws

import "sync/atomic"

// readyStateBox lets IsConnected()/State() be polled from any goroutine
// while the loop goroutine remains the only writer.
type readyStateBox struct {
	v atomic.Int32
}

func (b *readyStateBox) Load() ReadyState {
	return ReadyState(b.v.Load())
}

func (b *readyStateBox) Store(s ReadyState) {
	b.v.Store(int32(s))
}
