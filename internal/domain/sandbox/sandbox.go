// Package sandbox loads object classes compiled to WebAssembly and runs their
// methods in isolation. A Runtime is the objclass.Loader of a node.
package sandbox

import (
	"errors"
	"time"

	"github.com/felixgeelhaar/objclass/internal/ports"
)

// Sandbox errors.
var (
	ErrManifestNotFound  = errors.New("class manifest not found")
	ErrManifestInvalid   = errors.New("class manifest invalid")
	ErrModuleNotFound    = errors.New("class module not found")
	ErrChecksumMismatch  = errors.New("class module checksum mismatch")
	ErrRuntimeClosed     = errors.New("sandbox runtime closed")
	ErrNoClassRegistered = errors.New("module_init did not register its class")
	ErrInitFailed        = errors.New("module_init failed")
)

// Manifest file names, in lookup order.
const (
	ManifestYAML = "class.yaml"
	ManifestTOML = "class.toml"
)

// DefaultMemoryLimitPages caps guest memory at 16 MiB.
const DefaultMemoryLimitPages = 256

// Config holds sandbox configuration.
type Config struct {
	// ClassDir holds one sub-directory per class.
	ClassDir string

	// MemoryLimitPages caps each guest's linear memory, in 64 KiB pages.
	MemoryLimitPages uint32

	// CallTimeout bounds a single method call. Zero means no bound.
	CallTimeout time.Duration

	// Logger receives guest log lines and loader diagnostics.
	Logger ports.Logger
}

// DefaultConfig returns the configuration for a class directory.
func DefaultConfig(classDir string) Config {
	return Config{
		ClassDir:         classDir,
		MemoryLimitPages: DefaultMemoryLimitPages,
	}
}
