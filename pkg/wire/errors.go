package wire

import "errors"

// ErrProtocolViolation is returned when a frame's length prefix exceeds the
// configured maximum, the frame body fails to decode as a well-formed BDoc
// envelope, or EOF arrives mid-frame.
var ErrProtocolViolation = errors.New("wire: protocol violation")

// ErrDisconnected is returned when EOF arrives cleanly at a frame boundary.
var ErrDisconnected = errors.New("wire: disconnected")

// ErrFDPassingUnsupported is returned by the degraded FD-passing fallback on
// platforms that cannot pass file descriptors over a Unix socket.
var ErrFDPassingUnsupported = errors.New("wire: fd passing unsupported on this platform")
