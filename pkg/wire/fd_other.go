//go:build !unix

package wire

import (
	"net"

	"github.com/karo-platform/karo-bus/pkg/message"
)

// WriteWithFD is unavailable on this platform; see ErrFDPassingUnsupported.
func WriteWithFD(conn *net.UnixConn, envelope message.Envelope, fd int) error {
	return ErrFDPassingUnsupported
}

// ReadWithFD is unavailable on this platform; see ErrFDPassingUnsupported.
func ReadWithFD(conn *net.UnixConn) (message.Envelope, int, error) {
	return message.Envelope{}, -1, ErrFDPassingUnsupported
}
