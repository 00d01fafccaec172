package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssertFileExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := WriteTempFile(t, dir, "module.wasm", "content")

	mockT := &testing.T{}
	AssertFileExists(mockT, path)
	assert.False(t, mockT.Failed())

	mockT = &testing.T{}
	AssertFileExists(mockT, filepath.Join(dir, "absent"))
	assert.True(t, mockT.Failed())
}

func TestAssertFileNotExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	mockT := &testing.T{}
	AssertFileNotExists(mockT, filepath.Join(dir, "admin.sock"))
	assert.False(t, mockT.Failed())

	mockT = &testing.T{}
	AssertFileNotExists(mockT, WriteTempFile(t, dir, "admin.lock", "1"))
	assert.True(t, mockT.Failed())
}

func TestAssertFileContains(t *testing.T) {
	t.Parallel()

	path := WriteTempFile(t, t.TempDir(), "class.yaml", "name: lock\nversion: 1.0.0\n")

	mockT := &testing.T{}
	AssertFileContains(mockT, path, "version: 1.0.0")
	assert.False(t, mockT.Failed())

	mockT = &testing.T{}
	AssertFileContains(mockT, path, "checksum")
	assert.True(t, mockT.Failed())
}
