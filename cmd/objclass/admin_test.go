package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/objclass/internal/adapters/ipc"
	"github.com/felixgeelhaar/objclass/internal/app"
	"github.com/felixgeelhaar/objclass/internal/domain/config"
	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/domain/sandbox"
	"github.com/felixgeelhaar/objclass/internal/testutil"
)

func counterGuest() testutil.GuestClass {
	return testutil.GuestClass{
		Name: "counter",
		Methods: []testutil.GuestMethod{
			{Name: "get", Flags: uint32(objclass.FlagRead), Output: "41"},
			{Name: "echo", Flags: uint32(objclass.FlagRead), Echo: true},
			{Name: "busy", Status: -int32(syscall.EBUSY)},
		},
	}
}

type adminEnv struct {
	args []string
}

// cli runs the CLI against the environment's node.
func (e adminEnv) cli(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return runCLI(t, append(append([]string{}, e.args...), args...)...)
}

// startNode runs a node over a class directory holding the counter class.
func startNode(t *testing.T) adminEnv {
	t.Helper()

	adminDir := testutil.SocketDir(t)

	cfg := config.Default()
	cfg.ClassDir = t.TempDir()
	cfg.Admin.SocketPath = filepath.Join(adminDir, "admin.sock")
	cfg.Admin.LockPath = filepath.Join(adminDir, "admin.lock")
	cfg.OpenTimeout = time.Second
	cfg.CloseTimeout = 2 * time.Second

	classDir := testutil.WriteGuestModule(t, cfg.ClassDir, counterGuest())
	_, err := sandbox.WriteManifest(classDir, sandbox.Manifest{Version: "1.0.0", Module: testutil.ModuleFile})
	require.NoError(t, err)

	node, err := app.NewNode(context.Background(), cfg, app.WithVersion("test"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := ipc.NewClient(ipc.ClientConfig{SocketPath: cfg.Admin.SocketPath, LockPath: cfg.Admin.LockPath})
	require.Eventually(t, client.IsNodeRunning, 5*time.Second, 20*time.Millisecond)

	return adminEnv{args: []string{
		"--socket", cfg.Admin.SocketPath,
		"--lock-file", cfg.Admin.LockPath,
		"--timeout", "10s",
	}}
}

func TestAdmin_NodeNotRunning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := adminEnv{args: []string{
		"--socket", filepath.Join(dir, "none.sock"),
		"--lock-file", filepath.Join(dir, "none.lock"),
	}}

	code, out, _ := env.cli(t, "status")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Node is not running.")

	code, out, _ = env.cli(t, "status", "--json")
	assert.Equal(t, 0, code)
	assert.JSONEq(t, `{"running": false}`, out)

	code, _, errOut := env.cli(t, "ls")
	assert.Equal(t, int(syscall.ECONNREFUSED), code)
	assert.Contains(t, errOut, "objclass serve")
}

func TestAdmin_ExecListAndStatus(t *testing.T) {
	t.Parallel()

	env := startNode(t)

	code, out, errOut := env.cli(t, "exec", "counter", "get")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "41", out)

	code, out, _ = env.cli(t, "exec", "counter", "echo", "--input", "ping")
	require.Equal(t, 0, code)
	assert.Equal(t, "ping", out)

	input := testutil.WriteTempFile(t, t.TempDir(), "in.bin", "from file")
	code, out, _ = env.cli(t, "exec", "counter", "echo", "--input-file", input)
	require.Equal(t, 0, code)
	assert.Equal(t, "from file", out)

	code, _, errOut = env.cli(t, "exec", "counter", "busy")
	assert.Equal(t, int(syscall.EBUSY), code)
	assert.Contains(t, errOut, "counter.busy returned")

	code, _, errOut = env.cli(t, "exec", "counter", "missing")
	assert.Equal(t, int(syscall.ENOENT), code)
	assert.Contains(t, errOut, ipc.ErrorCodeNotFound)

	code, out, _ = env.cli(t, "ls")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "counter")
	assert.Contains(t, out, "1.0.0")
	assert.Contains(t, out, "open")

	code, out, _ = env.cli(t, "ls", "--json")
	require.Equal(t, 0, code)
	var infos []objclass.ClassInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, objclass.StatusOpen, infos[0].Status)
	assert.ElementsMatch(t, []string{"get", "echo", "busy"}, infos[0].Methods)

	code, out, _ = env.cli(t, "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Version:")
	assert.Contains(t, out, "1 open")
}

func TestAdmin_DisableUnblockReload(t *testing.T) {
	t.Parallel()

	env := startNode(t)

	code, _, _ := env.cli(t, "exec", "counter", "get")
	require.Equal(t, 0, code)

	code, out, errOut := env.cli(t, "disable", "counter")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "disabled counter\n", out)

	code, _, errOut = env.cli(t, "exec", "counter", "get", "--open-wait", "0")
	assert.Equal(t, int(syscall.EAGAIN), code)
	assert.Contains(t, errOut, ipc.ErrorCodeBlocked)

	code, out, _ = env.cli(t, "ls")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "blocked")

	code, out, _ = env.cli(t, "unblock", "counter")
	require.Equal(t, 0, code)
	assert.Equal(t, "unblocked counter\n", out)

	code, out, _ = env.cli(t, "exec", "counter", "get")
	require.Equal(t, 0, code)
	assert.Equal(t, "41", out)

	code, out, _ = env.cli(t, "reload", "counter")
	require.Equal(t, 0, code)
	assert.Equal(t, "reloaded counter\n", out)

	code, _, errOut = env.cli(t, "reload", "bad/name")
	assert.Equal(t, int(syscall.EINVAL), code)
	assert.NotEmpty(t, errOut)
}
