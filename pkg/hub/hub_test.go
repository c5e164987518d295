package hub_test

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/karo-platform/karo-bus/internal/logging"
	"github.com/karo-platform/karo-bus/internal/policy"
	"github.com/karo-platform/karo-bus/pkg/hub"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/karo-platform/karo-bus/pkg/wire"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, policyDir string) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(policyDir, logging.Nop())
	socketPath := filepath.Join(t.TempDir(), "bus.sock")
	require.NoError(t, h.Listen(socketPath))

	go h.Serve()
	t.Cleanup(func() { h.Close() })
	return h, socketPath
}

func writePolicy(t *testing.T, dir, name string, f policy.File) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".service"), data, 0o644))
}

func selfExecPath(t *testing.T) string {
	t.Helper()
	path, err := os.Executable()
	require.NoError(t, err)
	return path
}

func dial(t *testing.T, socketPath string) *net.UnixConn {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	return conn.(*net.UnixConn)
}

func TestRegisterSucceedsForAllowedExecutable(t *testing.T) {
	policyDir := t.TempDir()
	writePolicy(t, policyDir, "com.example.A", policy.File{Exec: selfExecPath(t)})
	_, socketPath := startHub(t, policyDir)

	conn := dial(t, socketPath)
	defer conn.Close()

	require.NoError(t, wire.NewWriter(conn).WriteEnvelope(message.NewRegister(1, "com.example.A")))
	resp, err := wire.NewReader(conn).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, resp.Body.Kind)
}

func TestRegisterRejectsUnknownService(t *testing.T) {
	policyDir := t.TempDir()
	_, socketPath := startHub(t, policyDir)

	conn := dial(t, socketPath)
	defer conn.Close()

	require.NoError(t, wire.NewWriter(conn).WriteEnvelope(message.NewRegister(1, "com.example.Missing")))
	resp, err := wire.NewReader(conn).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseError, resp.Body.Kind)
	require.Equal(t, message.ErrServiceNotAllowed, resp.Body.Error)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	policyDir := t.TempDir()
	writePolicy(t, policyDir, "com.example.A", policy.File{Exec: selfExecPath(t)})
	_, socketPath := startHub(t, policyDir)

	first := dial(t, socketPath)
	defer first.Close()
	require.NoError(t, wire.NewWriter(first).WriteEnvelope(message.NewRegister(1, "com.example.A")))
	resp, err := wire.NewReader(first).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, resp.Body.Kind)

	second := dial(t, socketPath)
	defer second.Close()
	require.NoError(t, wire.NewWriter(second).WriteEnvelope(message.NewRegister(2, "com.example.A")))
	resp2, err := wire.NewReader(second).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseError, resp2.Body.Kind)
	require.Equal(t, message.ErrNameTaken, resp2.Body.Error)
}

func TestConnectBrokeringHandsOffLiveSocketPair(t *testing.T) {
	policyDir := t.TempDir()
	exe := selfExecPath(t)
	writePolicy(t, policyDir, "com.example.Server", policy.File{
		Exec:                exe,
		IncomingConnections: []string{"com.example.Client"},
	})
	writePolicy(t, policyDir, "com.example.Client", policy.File{Exec: exe})
	_, socketPath := startHub(t, policyDir)

	serverConn := dial(t, socketPath)
	defer serverConn.Close()
	require.NoError(t, wire.NewWriter(serverConn).WriteEnvelope(message.NewRegister(1, "com.example.Server")))
	resp, err := wire.NewReader(serverConn).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, resp.Body.Kind)

	clientConn := dial(t, socketPath)
	defer clientConn.Close()
	require.NoError(t, wire.NewWriter(clientConn).WriteEnvelope(message.NewRegister(1, "com.example.Client")))
	resp, err = wire.NewReader(clientConn).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, resp.Body.Kind)

	require.NoError(t, wire.NewWriter(clientConn).WriteEnvelope(message.NewConnect(2, "com.example.Server")))

	clientEnv, clientFD, err := wire.ReadWithFD(clientConn)
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, clientEnv.Body.Kind)
	require.NotEqual(t, -1, clientFD)
	clientFile := os.NewFile(uintptr(clientFD), "client-peer")
	defer clientFile.Close()

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	serverEnv, serverFD, err := wire.ReadWithFD(serverConn)
	require.NoError(t, err)
	require.Equal(t, message.KindConnect, serverEnv.Body.Kind)
	require.Equal(t, "com.example.Client", serverEnv.Body.TargetService)
	require.NotEqual(t, -1, serverFD)
	serverFile := os.NewFile(uintptr(serverFD), "server-peer")
	defer serverFile.Close()

	clientPeerConn, err := net.FileConn(clientFile)
	require.NoError(t, err)
	defer clientPeerConn.Close()
	serverPeerConn, err := net.FileConn(serverFile)
	require.NoError(t, err)
	defer serverPeerConn.Close()

	const payload = "hello peer"
	go func() {
		_, _ = clientPeerConn.Write([]byte(payload))
	}()
	buf := make([]byte, len(payload))
	serverPeerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = serverPeerConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf))
}

func TestConnectRejectsMissingIncomingPermission(t *testing.T) {
	policyDir := t.TempDir()
	exe := selfExecPath(t)
	writePolicy(t, policyDir, "com.example.Server", policy.File{Exec: exe})
	writePolicy(t, policyDir, "com.example.Client", policy.File{Exec: exe})
	_, socketPath := startHub(t, policyDir)

	serverConn := dial(t, socketPath)
	defer serverConn.Close()
	require.NoError(t, wire.NewWriter(serverConn).WriteEnvelope(message.NewRegister(1, "com.example.Server")))
	_, err := wire.NewReader(serverConn).ReadEnvelope()
	require.NoError(t, err)

	clientConn := dial(t, socketPath)
	defer clientConn.Close()
	require.NoError(t, wire.NewWriter(clientConn).WriteEnvelope(message.NewRegister(1, "com.example.Client")))
	_, err = wire.NewReader(clientConn).ReadEnvelope()
	require.NoError(t, err)

	require.NoError(t, wire.NewWriter(clientConn).WriteEnvelope(message.NewConnect(2, "com.example.Server")))
	resp, _, err := wire.ReadWithFD(clientConn)
	require.NoError(t, err)
	require.Equal(t, message.KindResponseError, resp.Body.Kind)
	require.Equal(t, message.ErrPermissionDenied, resp.Body.Error)
}
