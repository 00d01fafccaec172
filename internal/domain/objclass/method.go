package objclass

import (
	"context"
	"strings"
)

// MethodFlags describes what a method may do to the object it runs against.
type MethodFlags uint32

// Method capability flags.
const (
	FlagRead    MethodFlags = 1 << 0
	FlagWrite   MethodFlags = 1 << 1
	FlagPromote MethodFlags = 1 << 3
)

// Has reports whether every bit in f is set.
func (m MethodFlags) Has(f MethodFlags) bool {
	return m&f == f
}

func (m MethodFlags) String() string {
	var parts []string
	if m.Has(FlagRead) {
		parts = append(parts, "rd")
	}
	if m.Has(FlagWrite) {
		parts = append(parts, "wr")
	}
	if m.Has(FlagPromote) {
		parts = append(parts, "promote")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// MethodContext is the opaque per-request context passed through to a method.
type MethodContext any

// MethodFunc is a callable method. Status 0 is success; negative values are
// errno-style codes. The output is passed back to the caller verbatim.
type MethodFunc func(ctx context.Context, hctx MethodContext, in []byte) (int, []byte)

// Method is a named operation owned by one class.
type Method struct {
	name  string
	class string
	flags MethodFlags
	fn    MethodFunc
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Class returns the owning class name.
func (m *Method) Class() string { return m.class }

// Flags returns the capability flags.
func (m *Method) Flags() MethodFlags { return m.flags }

// Call invokes the method.
func (m *Method) Call(ctx context.Context, hctx MethodContext, in []byte) (int, []byte) {
	return m.fn(ctx, hctx, in)
}

// Filter decides whether an object matches while listing.
type Filter interface {
	Match(name string, xattr []byte) (bool, error)
}

// FilterFactory builds a Filter from caller-supplied arguments.
type FilterFactory func(args []byte) (Filter, error)

// FilterFunc adapts a function to Filter.
type FilterFunc func(name string, xattr []byte) (bool, error)

// Match calls f.
func (f FilterFunc) Match(name string, xattr []byte) (bool, error) {
	return f(name, xattr)
}

func validName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	return !strings.ContainsAny(name, "/\x00 \t\n")
}
