package objclass

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Handle pins an open class. Every handle returned by Open or Clone holds
// exactly one gate reference until Release.
//
// The zero value and nil are empty handles: every accessor returns
// ErrInvalidHandle.
type Handle struct {
	cls      *Class
	gate     *Gate
	released atomic.Bool
}

func newHandle(cls *Class, gate *Gate) *Handle {
	return &Handle{cls: cls, gate: gate}
}

func (h *Handle) live() bool {
	return h != nil && h.cls != nil && h.gate != nil && !h.released.Load()
}

// Class returns the class record the handle pins.
func (h *Handle) Class() (*Class, error) {
	if !h.live() {
		return nil, ErrInvalidHandle
	}
	return h.cls, nil
}

// Name returns the pinned class name, or "" for an empty handle.
func (h *Handle) Name() string {
	if h == nil || h.cls == nil {
		return ""
	}
	return h.cls.name
}

// Clone returns a second handle on the same class with its own reference.
func (h *Handle) Clone() (*Handle, error) {
	if !h.live() {
		return nil, ErrInvalidHandle
	}
	h.gate.retain()
	return newHandle(h.cls, h.gate), nil
}

// Release drops the handle's reference. Calling it again is a no-op.
func (h *Handle) Release() {
	if h == nil || h.gate == nil {
		return
	}
	if h.released.CompareAndSwap(false, true) {
		h.gate.Release()
	}
}

// Exec calls a method on the pinned class and returns its status and output
// verbatim. The error is set only when the call could not be made.
func (h *Handle) Exec(ctx context.Context, method string, hctx MethodContext, in []byte) (int, []byte, error) {
	if !h.live() {
		return 0, nil, ErrInvalidHandle
	}
	m, ok := h.cls.methods[method]
	if !ok {
		return 0, nil, fmt.Errorf("%s.%s: %w", h.cls.name, method, ErrMethodNotFound)
	}
	status, out := m.Call(ctx, hctx, in)
	return status, out, nil
}

// MethodFlags returns the flags of a method on the pinned class.
func (h *Handle) MethodFlags(method string) (MethodFlags, error) {
	if !h.live() {
		return 0, ErrInvalidHandle
	}
	m, ok := h.cls.methods[method]
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", h.cls.name, method, ErrMethodNotFound)
	}
	return m.flags, nil
}

// Filter returns a filter factory on the pinned class.
func (h *Handle) Filter(name string) (FilterFactory, error) {
	if !h.live() {
		return nil, ErrInvalidHandle
	}
	f, ok := h.cls.filters[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", h.cls.name, name, ErrFilterNotFound)
	}
	return f, nil
}
