package ports

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := map[string]string{
		"~":                home,
		"~/classes":        filepath.Join(home, "classes"),
		"/var/lib/classes": "/var/lib/classes",
		"relative/classes": "relative/classes",
		"~other/classes":   "~other/classes",
		"":                 "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExpandPath(in), in)
	}
}
