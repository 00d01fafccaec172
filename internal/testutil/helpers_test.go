package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketDir(t *testing.T) {
	t.Parallel()

	var dir string
	t.Run("inner", func(t *testing.T) {
		dir = SocketDir(t)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		// Room for a socket name under the 104 byte BSD limit.
		assert.Less(t, len(filepath.Join(dir, "admin.sock")), 100)
	})

	AssertFileNotExists(t, dir)
}

func TestWriteGuestModule(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	guest := GuestClass{Name: "lock", Methods: []GuestMethod{{Name: "get", Output: "x"}}}

	dir := WriteGuestModule(t, root, guest)
	assert.Equal(t, filepath.Join(root, "lock"), dir)

	data, err := os.ReadFile(filepath.Join(dir, ModuleFile))
	require.NoError(t, err)
	assert.Equal(t, guest.Bytes(), data)
}

func TestWriteTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := WriteTempFile(t, WriteTempDir(t, dir, "sub"), "class.yaml", "name: lock")

	AssertFileExists(t, path)
	AssertFileContains(t, path, "name: lock")
}
