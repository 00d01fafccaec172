// Package testutil provides test helpers for objclass tests, including a
// WebAssembly builder for guest classes.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ModuleFile is the module file name the helpers write into a class
// directory.
const ModuleFile = "module.wasm"

// SocketDir creates a short-lived directory under the system temp dir for
// admin sockets. t.TempDir paths can exceed the Unix socket path limit.
func SocketDir(t testing.TB) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "oc-")
	require.NoError(t, err, "failed to create socket directory")
	t.Cleanup(func() {
		if err := os.RemoveAll(dir); err != nil {
			t.Logf("warning: failed to clean up socket directory: %v", err)
		}
	})
	return dir
}

// WriteGuestModule assembles guest into classDir/<guest.Name>/module.wasm
// and returns the class directory. The caller writes the manifest.
func WriteGuestModule(t testing.TB, classDir string, guest GuestClass) string {
	t.Helper()

	dir := WriteTempDir(t, classDir, guest.Name)
	path := filepath.Join(dir, ModuleFile)
	require.NoError(t, os.WriteFile(path, guest.Bytes(), 0o644), "failed to write module: %s", path)
	return dir
}

// WriteTempFile writes content to a file in the specified directory.
func WriteTempFile(t testing.TB, dir, filename, content string) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file: %s", filename)

	return path
}

// WriteTempDir creates a subdirectory in the temp directory.
func WriteTempDir(t testing.TB, dir, dirname string) string {
	t.Helper()

	path := filepath.Join(dir, dirname)
	err := os.MkdirAll(path, 0o755)
	require.NoError(t, err, "failed to create temp subdirectory: %s", dirname)

	return path
}
