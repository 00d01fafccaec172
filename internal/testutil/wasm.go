package testutil

import (
	"bytes"
)

// ValType is a WebAssembly value type.
type ValType byte

// I32 is the only value type the class ABI uses.
const I32 ValType = 0x7f

// Instruction opcodes used by test guests.
const (
	opCall     = 0x10
	opDrop     = 0x1a
	opLocalGet = 0x20
	opLocalSet = 0x21
	opLocalTee = 0x22
	opI32Const = 0x41
	opEnd      = 0x0b
)

type funcType struct {
	params  []ValType
	results []ValType
}

type wasmImport struct {
	module string
	name   string
	typ    uint32
}

type wasmFunc struct {
	typ    uint32
	locals []ValType
	body   []byte
}

type wasmExport struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// WASMModule assembles a WebAssembly binary for tests. Imports must be
// declared before functions so that function indices stay stable.
type WASMModule struct {
	types   []funcType
	imports []wasmImport
	funcs   []wasmFunc
	exports []wasmExport
	data    []dataSegment
	memory  uint32
	hasMem  bool
}

// NewWASMModule returns an empty module.
func NewWASMModule() *WASMModule {
	return &WASMModule{}
}

func (m *WASMModule) addType(params, results []ValType) uint32 {
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc declares an imported function and returns its index.
func (m *WASMModule) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("testutil: imports must be declared before functions")
	}
	m.imports = append(m.imports, wasmImport{module: module, name: name, typ: m.addType(params, results)})
	return uint32(len(m.imports) - 1)
}

// AddFunc defines a function and returns its index. body holds the
// instructions without the trailing end opcode.
func (m *WASMModule) AddFunc(params, results, locals []ValType, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, wasmFunc{
		typ:    m.addType(params, results),
		locals: locals,
		body:   bytes.Join(body, nil),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Export exports a function under name.
func (m *WASMModule) Export(name string, idx uint32) *WASMModule {
	m.exports = append(m.exports, wasmExport{name: name, kind: 0x00, idx: idx})
	return m
}

// Memory defines and exports a linear memory of the given page count.
func (m *WASMModule) Memory(pages uint32) *WASMModule {
	m.memory = pages
	m.hasMem = true
	m.exports = append(m.exports, wasmExport{name: "memory", kind: 0x02, idx: 0})
	return m
}

// Data places bytes in memory at offset.
func (m *WASMModule) Data(offset uint32, data []byte) *WASMModule {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
	return m
}

// Bytes encodes the module.
func (m *WASMModule) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var sec []byte
		sec = appendULEB(sec, uint32(len(m.types)))
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = appendValTypes(sec, t.params)
			sec = appendValTypes(sec, t.results)
		}
		out = appendSection(out, 1, sec)
	}

	if len(m.imports) > 0 {
		var sec []byte
		sec = appendULEB(sec, uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, 0x00)
			sec = appendULEB(sec, imp.typ)
		}
		out = appendSection(out, 2, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendULEB(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			sec = appendULEB(sec, f.typ)
		}
		out = appendSection(out, 3, sec)
	}

	if m.hasMem {
		sec := []byte{0x01, 0x00}
		sec = appendULEB(sec, m.memory)
		out = appendSection(out, 5, sec)
	}

	if len(m.exports) > 0 {
		var sec []byte
		sec = appendULEB(sec, uint32(len(m.exports)))
		for _, e := range m.exports {
			sec = appendName(sec, e.name)
			sec = append(sec, e.kind)
			sec = appendULEB(sec, e.idx)
		}
		out = appendSection(out, 7, sec)
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendULEB(sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var code []byte
			code = appendULEB(code, uint32(len(f.locals)))
			for _, l := range f.locals {
				code = append(code, 0x01, byte(l))
			}
			code = append(code, f.body...)
			code = append(code, opEnd)
			sec = appendULEB(sec, uint32(len(code)))
			sec = append(sec, code...)
		}
		out = appendSection(out, 10, sec)
	}

	if len(m.data) > 0 {
		var sec []byte
		sec = appendULEB(sec, uint32(len(m.data)))
		for _, d := range m.data {
			sec = append(sec, 0x00)
			sec = append(sec, I32Const(int32(d.offset))...)
			sec = append(sec, opEnd)
			sec = appendULEB(sec, uint32(len(d.data)))
			sec = append(sec, d.data...)
		}
		out = appendSection(out, 11, sec)
	}

	return out
}

// I32Const pushes v.
func I32Const(v int32) []byte {
	return appendSLEB([]byte{opI32Const}, v)
}

// Call calls the function at idx.
func Call(idx uint32) []byte {
	return appendULEB([]byte{opCall}, idx)
}

// LocalGet pushes local i.
func LocalGet(i uint32) []byte {
	return appendULEB([]byte{opLocalGet}, i)
}

// LocalSet pops into local i.
func LocalSet(i uint32) []byte {
	return appendULEB([]byte{opLocalSet}, i)
}

// LocalTee stores into local i and keeps the value on the stack.
func LocalTee(i uint32) []byte {
	return appendULEB([]byte{opLocalTee}, i)
}

// Drop discards the top of the stack.
func Drop() []byte {
	return []byte{opDrop}
}

func appendSection(out []byte, id byte, contents []byte) []byte {
	out = append(out, id)
	out = appendULEB(out, uint32(len(contents)))
	return append(out, contents...)
}

func appendValTypes(out []byte, types []ValType) []byte {
	out = appendULEB(out, uint32(len(types)))
	for _, t := range types {
		out = append(out, byte(t))
	}
	return out
}

func appendName(out []byte, name string) []byte {
	out = appendULEB(out, uint32(len(name)))
	return append(out, name...)
}

func appendULEB(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func appendSLEB(out []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
