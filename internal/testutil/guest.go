package testutil

// GuestMethod describes one method of a generated guest class.
type GuestMethod struct {
	Name   string
	Flags  uint32
	Status int32
	// Output is written verbatim unless Echo is set.
	Output string
	// Echo copies the call input to the output.
	Echo bool
	// Trap aborts the call with an unreachable instruction.
	Trap bool
	// Spin loops forever.
	Spin bool
}

// GuestClass describes a guest class speaking the objclass host ABI.
type GuestClass struct {
	Name       string
	InitStatus int32
	// InitLog is logged at info level from module_init when non-empty.
	InitLog string
	// SkipRegister leaves out the register_class call.
	SkipRegister bool
	Methods      []GuestMethod
}

const (
	guestEchoBuffer = 4096
	opUnreachable   = 0x00
	opLoop          = 0x03
	opBr            = 0x0c
	blockVoid       = 0x40
)

// Bytes assembles the guest into a WebAssembly binary.
func (g GuestClass) Bytes() []byte {
	m := NewWASMModule()
	i32 := []ValType{I32}

	registerClass := m.ImportFunc("objclass", "register_class", []ValType{I32, I32}, i32)
	registerMethod := m.ImportFunc("objclass", "register_method", []ValType{I32, I32, I32}, i32)
	inputLen := m.ImportFunc("objclass", "input_len", nil, i32)
	inputRead := m.ImportFunc("objclass", "input_read", []ValType{I32, I32}, i32)
	outputWrite := m.ImportFunc("objclass", "output_write", []ValType{I32, I32}, i32)
	logFn := m.ImportFunc("objclass", "log", []ValType{I32, I32, I32}, nil)

	var offset uint32
	place := func(s string) (uint32, int32) {
		at := offset
		m.Data(at, []byte(s))
		offset += uint32(len(s))
		return at, int32(len(s))
	}

	var initBody [][]byte
	if !g.SkipRegister {
		at, n := place(g.Name)
		initBody = append(initBody, I32Const(int32(at)), I32Const(n), Call(registerClass), Drop())
	}
	if g.InitLog != "" {
		at, n := place(g.InitLog)
		initBody = append(initBody, I32Const(1), I32Const(int32(at)), I32Const(n), Call(logFn))
	}

	type methodBody struct {
		name   string
		locals []ValType
		body   [][]byte
	}
	var bodies []methodBody

	for _, meth := range g.Methods {
		at, n := place(meth.Name)
		initBody = append(initBody,
			I32Const(int32(at)), I32Const(n), I32Const(int32(meth.Flags)), Call(registerMethod), Drop())

		var body [][]byte
		var locals []ValType
		switch {
		case meth.Trap:
			body = [][]byte{{opUnreachable}}
		case meth.Spin:
			body = [][]byte{{opLoop, blockVoid, opBr, 0x00, opEnd}, I32Const(meth.Status)}
		case meth.Echo:
			locals = i32
			body = [][]byte{
				Call(inputLen), LocalSet(0),
				I32Const(guestEchoBuffer), LocalGet(0), Call(inputRead), Drop(),
				I32Const(guestEchoBuffer), LocalGet(0), Call(outputWrite), Drop(),
				I32Const(meth.Status),
			}
		case meth.Output != "":
			oat, on := place(meth.Output)
			body = [][]byte{
				I32Const(int32(oat)), I32Const(on), Call(outputWrite), Drop(),
				I32Const(meth.Status),
			}
		default:
			body = [][]byte{I32Const(meth.Status)}
		}
		bodies = append(bodies, methodBody{name: meth.Name, locals: locals, body: body})
	}
	initBody = append(initBody, I32Const(g.InitStatus))

	m.Memory(1)
	m.Export("module_init", m.AddFunc(nil, i32, nil, initBody...))
	for _, b := range bodies {
		m.Export(b.name, m.AddFunc(nil, i32, b.locals, b.body...))
	}
	return m.Bytes()
}
