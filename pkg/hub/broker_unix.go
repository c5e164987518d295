//go:build unix

package hub

import "golang.org/x/sys/unix"

// createSocketPair allocates the two ends of a connected stream socket used
// to broker a direct peer-to-peer link between two registered services.
func createSocketPair() (fd0, fd1 int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// closeFD closes a raw file descriptor once it has been handed off (or
// failed to be handed off) to a peer.
func closeFD(fd int) error {
	return unix.Close(fd)
}
