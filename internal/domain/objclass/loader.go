package objclass

import (
	"context"
	"fmt"
)

// Loader turns a class name into executable code and back.
//
// Load returns an error wrapping ErrNotFound when no code exists for the
// name; any other error is treated as a load failure.
type Loader interface {
	Load(ctx context.Context, name string) (LoadHandle, error)
	// ResolveInit returns the entry point of loaded code, or nil if it has none.
	ResolveInit(h LoadHandle) InitFunc
	Unload(ctx context.Context, h LoadHandle) error
}

// LoadHandle is the loader's token for one piece of loaded code.
type LoadHandle interface {
	Version() string
	Requires() []Dependency
}

// InitFunc initializes a class. It is expected to register the class and its
// methods and filters through r.
type InitFunc func(ctx context.Context, r Registrar) error

// Registrar is handed to an InitFunc while its class is initializing.
type Registrar interface {
	// RegisterClass returns the record of the class being initialized.
	// Any other name is rejected.
	RegisterClass(name string) (*Class, error)
}

// EmbeddedClass is a class linked into the node rather than loaded.
type EmbeddedClass struct {
	Name     string
	Version  string
	Requires []Dependency
	Init     InitFunc
}

// embeddedHandle is the load handle of an embedded class.
type embeddedHandle struct {
	def *EmbeddedClass
}

func (h embeddedHandle) Version() string { return h.def.Version }

func (h embeddedHandle) Requires() []Dependency { return h.def.Requires }

// initScope limits an InitFunc to its own class.
type initScope struct {
	class *Class
}

func (s initScope) RegisterClass(name string) (*Class, error) {
	if name != s.class.name {
		return nil, fmt.Errorf("register class %q while initializing %q: %w", name, s.class.name, ErrNotInitializing)
	}
	if s.class.Status() != StatusInitializing {
		return nil, fmt.Errorf("register class %q: %w", name, ErrNotInitializing)
	}
	return s.class, nil
}

// NopLoader finds nothing. Useful for registries holding only embedded classes.
type NopLoader struct{}

// Load always reports ErrNotFound.
func (NopLoader) Load(_ context.Context, name string) (LoadHandle, error) {
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// ResolveInit returns nil.
func (NopLoader) ResolveInit(LoadHandle) InitFunc { return nil }

// Unload does nothing.
func (NopLoader) Unload(context.Context, LoadHandle) error { return nil }
