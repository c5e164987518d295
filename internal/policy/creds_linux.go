//go:build linux

package policy

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the Hub's best-effort identification of the process
// on the other end of a Unix socket.
type PeerCredentials struct {
	PID int32
	UID uint32
	// ExecPath is the resolved executable path, or "" if it could not be
	// resolved.
	ExecPath string
}

// ResolvePeerCredentials obtains the connecting process's PID/UID via
// SO_PEERCRED and its executable path via /proc/<pid>/exe.
func ResolvePeerCredentials(conn *net.UnixConn) (PeerCredentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("policy: syscall conn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return PeerCredentials{}, fmt.Errorf("policy: control: %w", ctrlErr)
	}
	if sockErr != nil {
		return PeerCredentials{}, fmt.Errorf("policy: SO_PEERCRED: %w", sockErr)
	}

	creds := PeerCredentials{PID: ucred.Pid, UID: ucred.Uid}

	execPath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", ucred.Pid))
	if err == nil {
		creds.ExecPath = execPath
	}
	return creds, nil
}

// PeerCredentialsSupported is true on platforms where ResolvePeerCredentials
// can actually resolve an executable path.
const PeerCredentialsSupported = true
