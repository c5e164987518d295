//go:build !linux

package policy

import "net"

// PeerCredentials holds the Hub's best-effort identification of the process
// on the other end of a Unix socket. On this platform it is never
// populated; see PeerCredentialsSupported.
type PeerCredentials struct {
	PID      int32
	UID      uint32
	ExecPath string
}

// ResolvePeerCredentials degrades to "unknown" on platforms without
// SO_PEERCRED and /proc, per §6 of the specification: exec matching then
// degrades to "always match" and callers are expected to log a warning at
// Hub start instead of relying on this.
func ResolvePeerCredentials(conn *net.UnixConn) (PeerCredentials, error) {
	return PeerCredentials{}, nil
}

// PeerCredentialsSupported is false on platforms where ResolvePeerCredentials
// cannot resolve an executable path.
const PeerCredentialsSupported = false
