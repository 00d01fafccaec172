//go:build e2e

// Package framework provides the E2E test infrastructure for objclass.
package framework

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/felixgeelhaar/objclass/internal/domain/sandbox"
	"github.com/felixgeelhaar/objclass/internal/testutil"
)

// Environment represents an isolated test environment for E2E tests.
type Environment struct {
	t          *testing.T
	rootDir    string
	classDir   string
	adminDir   string
	binaryPath string
}

var (
	buildOnce   sync.Once
	binaryPath  string
	buildErr    error
	projectRoot string
)

// findProjectRoot locates the project root directory.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// buildBinary builds the objclass binary once per test run.
func buildBinary(t *testing.T) (string, error) {
	buildOnce.Do(func() {
		projectRoot, buildErr = findProjectRoot()
		if buildErr != nil {
			return
		}

		binaryPath = filepath.Join(os.TempDir(), "objclass-e2e-test")

		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/objclass")
		cmd.Dir = projectRoot

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			buildErr = err
			t.Logf("Build stderr: %s", stderr.String())
		}
	})

	return binaryPath, buildErr
}

// NewEnvironment creates a new isolated test environment.
func NewEnvironment(t *testing.T) *Environment {
	t.Helper()

	binary, err := buildBinary(t)
	if err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}

	rootDir := t.TempDir()
	classDir := filepath.Join(rootDir, "classes")
	if err := os.MkdirAll(classDir, 0o755); err != nil {
		t.Fatalf("Failed to create class directory: %v", err)
	}

	return &Environment{
		t:          t,
		rootDir:    rootDir,
		classDir:   classDir,
		adminDir:   testutil.SocketDir(t),
		binaryPath: binary,
	}
}

// RootDir returns the path to the test root directory.
func (e *Environment) RootDir() string {
	return e.rootDir
}

// ClassDir returns the directory classes are loaded from.
func (e *Environment) ClassDir() string {
	return e.classDir
}

// SocketPath returns the admin socket of the environment's node.
func (e *Environment) SocketPath() string {
	return filepath.Join(e.adminDir, "admin.sock")
}

// LockPath returns the lock file of the environment's node.
func (e *Environment) LockPath() string {
	return filepath.Join(e.adminDir, "admin.lock")
}

// BinaryPath returns the path to the built binary.
func (e *Environment) BinaryPath() string {
	return e.binaryPath
}

// WriteClass compiles guest into the class directory and writes its manifest.
func (e *Environment) WriteClass(guest testutil.GuestClass, version string) string {
	e.t.Helper()

	dir := testutil.WriteGuestModule(e.t, e.classDir, guest)
	if _, err := sandbox.WriteManifest(dir, sandbox.Manifest{Version: version, Module: testutil.ModuleFile}); err != nil {
		e.t.Fatalf("Failed to write manifest: %v", err)
	}
	return dir
}

// WriteConfig writes an objclass.yaml config file and returns its path.
func (e *Environment) WriteConfig(content string) string {
	e.t.Helper()

	configPath := filepath.Join(e.rootDir, "objclass.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		e.t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// FileExists checks if a file exists in the test environment.
func (e *Environment) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// StartNode runs "objclass serve" until the test ends.
func (e *Environment) StartNode(args ...string) {
	e.t.Helper()

	cmd := exec.Command(e.binaryPath, append(e.AdminArgs("serve"), args...)...)
	cmd.Dir = e.rootDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		e.t.Fatalf("Failed to start node: %v", err)
	}

	e.t.Cleanup(func() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
		if e.t.Failed() {
			e.t.Logf("Node stderr:\n%s", stderr.String())
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for !e.FileExists(e.SocketPath()) {
		if time.Now().After(deadline) {
			e.t.Fatalf("Node did not start:\n%s", stderr.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// AdminArgs returns command followed by the flags that target the node.
func (e *Environment) AdminArgs(command string) []string {
	return []string{
		command,
		"--class-dir", e.classDir,
		"--socket", e.SocketPath(),
		"--lock-file", e.LockPath(),
	}
}
