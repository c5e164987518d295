package hub

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/internal/policy"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/wire"
	"github.com/stretchr/testify/require"
)

func writeServicePolicy(t *testing.T, dir, name string, f policy.File) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".service"), data, 0o644))
}

// newUnixConnPair builds a real connected Unix stream socket pair without
// going through the Hub's listener, so callers get full, race-free control
// over each end's lifecycle instead of racing a background accept loop.
func newUnixConnPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fd0, fd1, err := createSocketPair()
	require.NoError(t, err)
	return fdToUnixConn(t, fd0), fdToUnixConn(t, fd1)
}

func fdToUnixConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "test-fd")
	c, err := net.FileConn(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	uc, ok := c.(*net.UnixConn)
	require.True(t, ok)
	return uc
}

// TestHandleConnectReturnsInternalWhenTargetHandoffFails exercises the
// partial-failure path added after review: the target's handoff is
// attempted before the requester's Ok is ever committed, so a target write
// failure must surface as Internal to the requester rather than leaving it
// believing the Connect succeeded.
func TestHandleConnectReturnsInternalWhenTargetHandoffFails(t *testing.T) {
	policyDir := t.TempDir()
	writeServicePolicy(t, policyDir, "com.example.Target", policy.File{
		IncomingConnections: []string{"com.example.Requester"},
	})

	h := New(policyDir, logging.Nop())

	requesterConn, requesterFar := newUnixConnPair(t)
	defer requesterConn.Close()
	defer requesterFar.Close()

	targetConn, targetFar := newUnixConnPair(t)
	defer targetFar.Close()
	// Close the Hub's end up front so the target handoff write fails
	// deterministically, standing in for a target whose connection died
	// between registration and this Connect.
	require.NoError(t, targetConn.Close())

	requester := &registeredService{name: "com.example.Requester", conn: requesterConn}
	target := &registeredService{name: "com.example.Target", conn: targetConn}

	h.mu.Lock()
	h.services[target.name] = target
	h.mu.Unlock()

	h.handleConnect(requester, message.NewConnect(7, target.name))

	resp, err := wire.NewReader(requesterFar).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseError, resp.Body.Kind)
	require.Equal(t, message.ErrInternal, resp.Body.Error)
}

// TestHandleConnectCommitsRequesterOkOnlyAfterTargetSucceeds is the
// companion happy-path check: once the target handoff succeeds, the
// requester still gets its live half and Ok.
func TestHandleConnectCommitsRequesterOkOnlyAfterTargetSucceeds(t *testing.T) {
	policyDir := t.TempDir()
	writeServicePolicy(t, policyDir, "com.example.Target", policy.File{
		IncomingConnections: []string{"com.example.Requester"},
	})

	h := New(policyDir, logging.Nop())

	requesterConn, requesterFar := newUnixConnPair(t)
	defer requesterConn.Close()
	defer requesterFar.Close()

	targetConn, targetFar := newUnixConnPair(t)
	defer targetConn.Close()
	defer targetFar.Close()

	requester := &registeredService{name: "com.example.Requester", conn: requesterConn}
	target := &registeredService{name: "com.example.Target", conn: targetConn}

	h.mu.Lock()
	h.services[target.name] = target
	h.mu.Unlock()

	h.handleConnect(requester, message.NewConnect(7, target.name))

	targetEnv, targetFD, err := wire.ReadWithFD(targetFar)
	require.NoError(t, err)
	require.Equal(t, message.KindConnect, targetEnv.Body.Kind)
	require.Equal(t, requester.name, targetEnv.Body.TargetService)
	require.NotEqual(t, -1, targetFD)
	os.NewFile(uintptr(targetFD), "target-peer").Close()

	reqEnv, reqFD, err := wire.ReadWithFD(requesterFar)
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, reqEnv.Body.Kind)
	require.NotEqual(t, -1, reqFD)
	os.NewFile(uintptr(reqFD), "requester-peer").Close()
}
