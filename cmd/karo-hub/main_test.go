package main

import (
	"context"
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

func dialUnix(t *testing.T, socketPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func TestRunHubAcceptsRegistrationsAndStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	exe, err := os.Executable()
	require.NoError(t, err)
	data, err := json.Marshal(policy.File{Exec: exe})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "com.example.Test.service"), data, 0o644))

	sockPath := filepath.Join(t.TempDir(), "hub.sock")
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan *hub.Hub, 1)
	done := make(chan error, 1)
	go func() { done <- runHub(ctx, sockPath, dir, logging.Nop(), ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never became ready")
	}

	conn := dialUnix(t, sockPath)
	require.NoError(t, wire.NewWriter(conn).WriteEnvelope(message.NewRegister(1, "com.example.Test")))
	resp, err := wire.NewReader(conn).ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, message.KindResponseOk, resp.Body.Kind)
	conn.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runHub never returned after cancel")
	}
}
