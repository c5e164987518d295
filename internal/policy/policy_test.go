package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/karo-platform/karo-bus/internal/policy"
	"github.com/stretchr/testify/require"
)

func writeServiceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".service"), []byte(content), 0o644))
}

func TestLoadMissingFileIsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := policy.Load(dir, "com.example.missing")
	require.ErrorIs(t, err, policy.ErrNotFound)
}

func TestLoadParsesExecAndIncomingConnections(t *testing.T) {
	dir := t.TempDir()
	writeServiceFile(t, dir, "com.example.a", `{"exec": "/usr/bin/*", "incoming_connections": ["com.example.b"]}`)

	f, err := policy.Load(dir, "com.example.a")
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/*", f.Exec)
	require.True(t, f.AllowsIncomingFrom("com.example.b"))
	require.False(t, f.AllowsIncomingFrom("com.example.c"))
}

func TestAllowsExecutableMatchesGlob(t *testing.T) {
	f := &policy.File{Exec: "/usr/bin/*"}
	require.True(t, f.AllowsExecutable("/usr/bin/karo-cat"))
	require.False(t, f.AllowsExecutable("/opt/bin/karo-cat"))
}

func TestAllowsExecutableEmptyGlobMatchesNothing(t *testing.T) {
	f := &policy.File{}
	require.False(t, f.AllowsExecutable("/usr/bin/anything"))
}
