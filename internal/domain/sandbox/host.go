package sandbox

import (
	"context"
	"fmt"
	"syscall"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/ports"
)

// HostModule is the import module name guests link against.
const HostModule = "objclass"

// HostFunction documents one function of the host ABI.
type HostFunction struct {
	// Name is the function name exported to WASM.
	Name string

	// Signature in WebAssembly text notation.
	Signature string

	// Description for documentation.
	Description string
}

// HostFunctions lists the host ABI in export order.
var HostFunctions = []HostFunction{
	{
		Name:        "register_class",
		Signature:   "(param $name_ptr i32) (param $name_len i32) (result i32)",
		Description: "Register the class being initialized. Only valid inside module_init.",
	},
	{
		Name:        "register_method",
		Signature:   "(param $name_ptr i32) (param $name_len i32) (param $flags i32) (result i32)",
		Description: "Register the exported function of the same name as a method.",
	},
	{
		Name:        "input_len",
		Signature:   "(result i32)",
		Description: "Length of the current call input.",
	},
	{
		Name:        "input_read",
		Signature:   "(param $dst i32) (param $len i32) (result i32)",
		Description: "Copy up to len bytes of call input to dst; returns bytes copied.",
	},
	{
		Name:        "output_write",
		Signature:   "(param $src i32) (param $len i32) (result i32)",
		Description: "Append len bytes at src to the call output.",
	},
	{
		Name:        "log",
		Signature:   "(param $level i32) (param $ptr i32) (param $len i32)",
		Description: "Log a line at level 0 debug, 1 info, 2 warn, 3 error.",
	},
}

// initFrame is the host state of one module_init call.
type initFrame struct {
	module *module
	reg    objclass.Registrar
	class  *objclass.Class
	err    error
}

// callFrame is the host state of one method call.
type callFrame struct {
	in  []byte
	pos int
	out []byte
}

type initFrameKey struct{}

type callFrameKey struct{}

func withInitFrame(ctx context.Context, f *initFrame) context.Context {
	return context.WithValue(ctx, initFrameKey{}, f)
}

func withCallFrame(ctx context.Context, f *callFrame) context.Context {
	return context.WithValue(ctx, callFrameKey{}, f)
}

func initFrameFrom(ctx context.Context) *initFrame {
	f, _ := ctx.Value(initFrameKey{}).(*initFrame)
	return f
}

func callFrameFrom(ctx context.Context) *callFrame {
	f, _ := ctx.Value(callFrameKey{}).(*callFrame)
	return f
}

func errno(e syscall.Errno) uint32 {
	return uint32(-int32(e))
}

// host implements the ABI against the runtime's logger.
type host struct {
	logger ports.Logger
}

func (h *host) functions() map[string]any {
	return map[string]any{
		"register_class":  h.registerClass,
		"register_method": h.registerMethod,
		"input_len":       h.inputLen,
		"input_read":      h.inputRead,
		"output_write":    h.outputWrite,
		"log":             h.log,
	}
}

// instantiate registers the host module with r.
func (h *host) instantiate(ctx context.Context, r wazero.Runtime) error {
	impls := h.functions()
	builder := r.NewHostModuleBuilder(HostModule)
	for _, fn := range HostFunctions {
		impl, ok := impls[fn.Name]
		if !ok {
			return fmt.Errorf("host function %q has no implementation", fn.Name)
		}
		builder.NewFunctionBuilder().WithFunc(impl).Export(fn.Name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

func (h *host) registerClass(ctx context.Context, m api.Module, ptr, length uint32) uint32 {
	frame := initFrameFrom(ctx)
	if frame == nil {
		return errno(syscall.EBUSY)
	}
	name, ok := readString(m, ptr, length)
	if !ok {
		return errno(syscall.EFAULT)
	}
	cls, err := frame.reg.RegisterClass(name)
	if err != nil {
		frame.err = err
		return uint32(int32(objclass.Errno(err)))
	}
	frame.class = cls
	return 0
}

func (h *host) registerMethod(ctx context.Context, m api.Module, ptr, length, flags uint32) uint32 {
	frame := initFrameFrom(ctx)
	if frame == nil || frame.class == nil {
		return errno(syscall.EBUSY)
	}
	name, ok := readString(m, ptr, length)
	if !ok {
		return errno(syscall.EFAULT)
	}
	if m.ExportedFunction(name) == nil {
		frame.err = fmt.Errorf("method %q is not exported by %s", name, frame.class.Name())
		return errno(syscall.ENOENT)
	}
	mod := frame.module
	_, err := frame.class.RegisterMethod(name, objclass.MethodFlags(flags),
		func(ctx context.Context, _ objclass.MethodContext, in []byte) (int, []byte) {
			return mod.call(ctx, name, in)
		})
	if err != nil {
		frame.err = err
		return uint32(int32(objclass.Errno(err)))
	}
	return 0
}

func (h *host) inputLen(ctx context.Context) uint32 {
	frame := callFrameFrom(ctx)
	if frame == nil {
		return 0
	}
	return uint32(len(frame.in))
}

func (h *host) inputRead(ctx context.Context, m api.Module, dst, length uint32) uint32 {
	frame := callFrameFrom(ctx)
	if frame == nil {
		return 0
	}
	chunk := frame.in[frame.pos:]
	if uint32(len(chunk)) > length {
		chunk = chunk[:length]
	}
	if !m.Memory().Write(dst, chunk) {
		return errno(syscall.EFAULT)
	}
	frame.pos += len(chunk)
	return uint32(len(chunk))
}

func (h *host) outputWrite(ctx context.Context, m api.Module, src, length uint32) uint32 {
	frame := callFrameFrom(ctx)
	if frame == nil {
		return errno(syscall.EBUSY)
	}
	data, ok := m.Memory().Read(src, length)
	if !ok {
		return errno(syscall.EFAULT)
	}
	frame.out = append(frame.out, data...)
	return length
}

func (h *host) log(ctx context.Context, m api.Module, level, ptr, length uint32) {
	msg, ok := readString(m, ptr, length)
	if !ok {
		return
	}
	logger := h.logger.With(ports.F("module", m.Name()))
	switch level {
	case 0:
		logger.Debug(ctx, msg)
	case 1:
		logger.Info(ctx, msg)
	case 2:
		logger.Warn(ctx, msg)
	default:
		logger.Error(ctx, msg)
	}
}

// readString reads a string from guest memory.
func readString(m api.Module, ptr, length uint32) (string, bool) {
	if m == nil || m.Memory() == nil {
		return "", false
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}
