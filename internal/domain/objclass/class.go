package objclass

import (
	"fmt"
	"sort"
)

// Class is the record for one class name. All mutation happens under the
// registry's structural lock; handle holders only read the method and filter
// tables, which are fixed while the class is open.
type Class struct {
	name        string
	whitelisted bool
	embedded    *EmbeddedClass

	life    *lifecycle
	handle  LoadHandle
	version string
	deps    []Dependency
	missing []string

	methods map[string]*Method
	filters map[string]FilterFactory
}

func newClass(name string) (*Class, error) {
	life, err := newLifecycle(name)
	if err != nil {
		return nil, err
	}
	return &Class{
		name:    name,
		life:    life,
		methods: make(map[string]*Method),
		filters: make(map[string]FilterFactory),
	}, nil
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Status returns the current lifecycle status.
func (c *Class) Status() Status { return c.life.current() }

// Whitelisted reports whether the class is in the default list.
func (c *Class) Whitelisted() bool { return c.whitelisted }

// Embedded reports whether the class is linked into the node.
func (c *Class) Embedded() bool { return c.embedded != nil }

// Version returns the version of the loaded code, if known.
func (c *Class) Version() string { return c.version }

// Dependencies returns the declared dependencies of the loaded code.
func (c *Class) Dependencies() []Dependency {
	return append([]Dependency(nil), c.deps...)
}

// MissingDependencies returns the dependencies that failed on the last open.
func (c *Class) MissingDependencies() []string {
	return append([]string(nil), c.missing...)
}

// Methods returns the registered method names in sorted order.
func (c *Class) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filters returns the registered filter names in sorted order.
func (c *Class) Filters() []string {
	names := make([]string, 0, len(c.filters))
	for name := range c.filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Method looks up a registered method.
func (c *Class) Method(name string) (*Method, bool) {
	m, ok := c.methods[name]
	return m, ok
}

// RegisterMethod adds a method. Only valid while the class is initializing.
func (c *Class) RegisterMethod(name string, flags MethodFlags, fn MethodFunc) (*Method, error) {
	if err := c.checkRegister("register method", name); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("register method %s.%s: nil function: %w", c.name, name, ErrInvalidName)
	}
	if _, ok := c.methods[name]; ok {
		return nil, fmt.Errorf("%s.%s: %w", c.name, name, ErrMethodExists)
	}
	m := &Method{name: name, class: c.name, flags: flags, fn: fn}
	c.methods[name] = m
	return m, nil
}

// UnregisterMethod removes a method registered during this initialization.
func (c *Class) UnregisterMethod(name string) error {
	if err := c.checkRegister("unregister method", name); err != nil {
		return err
	}
	if _, ok := c.methods[name]; !ok {
		return fmt.Errorf("%s.%s: %w", c.name, name, ErrMethodNotFound)
	}
	delete(c.methods, name)
	return nil
}

// RegisterFilter adds a filter factory. Only valid while the class is initializing.
func (c *Class) RegisterFilter(name string, factory FilterFactory) error {
	if err := c.checkRegister("register filter", name); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("register filter %s.%s: nil factory: %w", c.name, name, ErrInvalidName)
	}
	if _, ok := c.filters[name]; ok {
		return fmt.Errorf("%s.%s: %w", c.name, name, ErrFilterExists)
	}
	c.filters[name] = factory
	return nil
}

// UnregisterFilter removes a filter registered during this initialization.
func (c *Class) UnregisterFilter(name string) error {
	if err := c.checkRegister("unregister filter", name); err != nil {
		return err
	}
	if _, ok := c.filters[name]; !ok {
		return fmt.Errorf("%s.%s: %w", c.name, name, ErrFilterNotFound)
	}
	delete(c.filters, name)
	return nil
}

func (c *Class) checkRegister(op, name string) error {
	if !validName(name) {
		return fmt.Errorf("%s %q on %s: %w", op, name, c.name, ErrInvalidName)
	}
	if c.Status() != StatusInitializing {
		return fmt.Errorf("%s %s.%s in state %s: %w", op, c.name, name, c.Status(), ErrNotInitializing)
	}
	return nil
}

// attach records freshly loaded code and enters initializing.
func (c *Class) attach(h LoadHandle) error {
	if err := c.life.fire(EventInit, StatusInitializing); err != nil {
		return err
	}
	c.handle = h
	c.missing = nil
	if h != nil {
		c.version = h.Version()
		c.deps = h.Requires()
	}
	return nil
}

// detach clears everything tied to the load handle and returns it. The
// status is left to the caller.
func (c *Class) detach() LoadHandle {
	h := c.handle
	c.handle = nil
	c.methods = make(map[string]*Method)
	c.filters = make(map[string]FilterFactory)
	return h
}

// ClassInfo is a point-in-time summary of one class for listings.
type ClassInfo struct {
	Name        string   `json:"name"`
	Status      Status   `json:"status"`
	Version     string   `json:"version,omitempty"`
	Whitelisted bool     `json:"whitelisted"`
	Embedded    bool     `json:"embedded"`
	Methods     []string `json:"methods,omitempty"`
	Missing     []string `json:"missing_dependencies,omitempty"`
	Refs        int64    `json:"refs"`
	Blocked     bool     `json:"blocked"`
}

func (c *Class) info(g *Gate) ClassInfo {
	ci := ClassInfo{
		Name:        c.name,
		Status:      c.Status(),
		Version:     c.version,
		Whitelisted: c.whitelisted,
		Embedded:    c.Embedded(),
		Methods:     c.Methods(),
		Missing:     c.MissingDependencies(),
	}
	if g != nil {
		ci.Refs = g.Refs()
		ci.Blocked = g.Blocked()
	}
	return ci
}
