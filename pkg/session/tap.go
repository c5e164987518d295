package session

import "github.com/karo-platform/karo-bus/pkg/message"

// Direction marks whether a tapped envelope was read from or written to the
// wire.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// TapFunc observes every envelope a session sends or receives, grounded on
// original_source/karo-bus-lib/src/monitor.rs's per-connection monitor
// hook. Taps run on their own goroutine and are never allowed to block the
// session's hot path; a tap whose buffer fills up is removed, with a logged
// warning, and receives no further frames instead of backing up the
// connection.
type TapFunc func(dir Direction, envelope message.Envelope)

type tapEvent struct {
	dir Direction
	env message.Envelope
}
