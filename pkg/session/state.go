package session

import "sync/atomic"

// State is a session's position in its lifecycle.
type State int32

const (
	// Handshaking is the state a Session starts in. It stays here until its
	// owner calls MarkRunning; pkg/bus does so right after wrapping a
	// brokered socket, so no handshake frames cross the peer socket.
	Handshaking State = iota
	// Running accepts and serves calls, subscriptions and watches in both
	// directions.
	Running
	// Draining no longer originates new calls locally and is waiting for
	// outstanding pending calls and subscriptions to settle before closing.
	Draining
	// Closed means the underlying connection is gone; every call returns
	// Disconnected and Done() is closed.
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type atomicState struct {
	v atomic.Int32
}

func (a *atomicState) load() State {
	return State(a.v.Load())
}

func (a *atomicState) store(s State) {
	a.v.Store(int32(s))
}

// compareAndSwap performs the transition only if the current state matches
// from, returning whether it took effect.
func (a *atomicState) compareAndSwap(from, to State) bool {
	return a.v.CompareAndSwap(int32(from), int32(to))
}
