package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
)

// Manifest describes a class directory.
type Manifest struct {
	// Name is the class name and must match the directory name.
	Name string `yaml:"name" toml:"name"`

	// Version is the semantic version of the class code.
	Version string `yaml:"version" toml:"version"`

	// Description of what the class does.
	Description string `yaml:"description,omitempty" toml:"description,omitempty"`

	// Module is the path to the WASM module relative to the manifest.
	Module string `yaml:"module" toml:"module"`

	// Checksum is the SHA256 of the module.
	Checksum string `yaml:"checksum" toml:"checksum"`

	// Requires lists classes that must be open first.
	Requires []objclass.Dependency `yaml:"requires,omitempty" toml:"requires,omitempty"`
}

// Validate checks the manifest.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrManifestInvalid)
	}
	if m.Module == "" {
		return fmt.Errorf("%w: missing module path", ErrManifestInvalid)
	}
	if m.Checksum == "" {
		return fmt.Errorf("%w: missing checksum", ErrManifestInvalid)
	}
	if m.Version != "" && !objclass.ValidVersion(m.Version) {
		return fmt.Errorf("%w: version %q is not semantic", ErrManifestInvalid, m.Version)
	}
	for _, dep := range m.Requires {
		if dep.Name == "" {
			return fmt.Errorf("%w: dependency without name", ErrManifestInvalid)
		}
		if err := objclass.ValidateConstraint(dep.Version); err != nil {
			return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	}
	return nil
}

// Catalog reads class directories from disk.
type Catalog struct {
	dir string
}

// NewCatalog returns a catalog rooted at dir.
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Dir returns the catalog root.
func (c *Catalog) Dir() string {
	return c.dir
}

// ClassPath returns the directory holding class name.
func (c *Catalog) ClassPath(name string) string {
	return filepath.Join(c.dir, name)
}

// LoadManifest reads the manifest of class name. A missing directory or
// manifest wraps objclass.ErrNotFound.
func (c *Catalog) LoadManifest(name string) (*Manifest, error) {
	classDir := c.ClassPath(name)
	for _, file := range []string{ManifestYAML, ManifestTOML} {
		data, err := os.ReadFile(filepath.Join(classDir, file))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		return decodeManifest(name, file, data)
	}
	return nil, fmt.Errorf("%w: %w: %s", objclass.ErrNotFound, ErrManifestNotFound, classDir)
}

func decodeManifest(name, file string, data []byte) (*Manifest, error) {
	var m Manifest
	var err error
	if file == ManifestTOML {
		err = toml.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrManifestInvalid, file, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Name != name {
		return nil, fmt.Errorf("%w: manifest names %q, directory is %q", ErrManifestInvalid, m.Name, name)
	}
	return &m, nil
}

// ReadModule reads and verifies the module a manifest points at.
func (c *Catalog) ReadModule(m *Manifest) ([]byte, error) {
	path := filepath.Join(c.ClassPath(m.Name), m.Module)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: %s", objclass.ErrNotFound, ErrModuleNotFound, path)
		}
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	if sum := sha256Hex(data); sum != m.Checksum {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, m.Checksum, sum)
	}
	return data, nil
}

// List returns the names of every class directory with a manifest.
func (c *Catalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read class directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, file := range []string{ManifestYAML, ManifestTOML} {
			if _, err := os.Stat(filepath.Join(c.dir, entry.Name(), file)); err == nil {
				names = append(names, entry.Name())
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// WriteManifest computes the checksum of the module in classDir and writes
// class.yaml next to it.
func WriteManifest(classDir string, m Manifest) (*Manifest, error) {
	if m.Name == "" {
		m.Name = filepath.Base(classDir)
	}
	sum, err := CalculateChecksum(filepath.Join(classDir, m.Module))
	if err != nil {
		return nil, err
	}
	m.Checksum = sum
	if err := m.Validate(); err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(classDir, ManifestYAML), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return &m, nil
}

// CalculateChecksum computes the SHA256 checksum of a file.
func CalculateChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return sha256Hex(data), nil
}

func sha256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
