//go:build !unix

package hub

import "github.com/karo-platform/karo-bus/pkg/wire"

// createSocketPair is unavailable on this platform.
func createSocketPair() (fd0, fd1 int, err error) {
	return -1, -1, wire.ErrFDPassingUnsupported
}

// closeFD is unavailable on this platform; createSocketPair always fails
// first so this is never reached.
func closeFD(fd int) error {
	return wire.ErrFDPassingUnsupported
}
