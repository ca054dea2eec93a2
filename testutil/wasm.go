package testutil

import (
	"github.com/tetratelabs/wazero/api"
)

// Module describes a core wasm module made of forwarding functions: each
// import is re-exported under Export by a function that passes its
// parameters straight through.
type Module struct {
	Imports []Import
	// MemoryPages is the initial size of the exported "memory". Zero means
	// the module has no memory.
	MemoryPages uint32
}

type Import struct {
	Module  string
	Name    string
	Export  string
	Params  []api.ValueType
	Results []api.ValueType
}

const (
	sectionType     = 0x01
	sectionImport   = 0x02
	sectionFunction = 0x03
	sectionMemory   = 0x05
	sectionExport   = 0x07
	sectionCode     = 0x0a

	externFunc   = 0x00
	externMemory = 0x02

	opLocalGet = 0x20
	opCall     = 0x10
	opEnd      = 0x0b
)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Encode returns the binary form of m.
func (m Module) Encode() []byte {
	out := append([]byte(nil), wasmHeader...)
	n := uint32(len(m.Imports))

	if n > 0 {
		var types []byte
		types = appendU32(types, n)
		for _, imp := range m.Imports {
			types = append(types, 0x60)
			types = appendU32(types, uint32(len(imp.Params)))
			types = append(types, imp.Params...)
			types = appendU32(types, uint32(len(imp.Results)))
			types = append(types, imp.Results...)
		}
		out = appendSection(out, sectionType, types)

		var imports []byte
		imports = appendU32(imports, n)
		for i, imp := range m.Imports {
			imports = appendName(imports, imp.Module)
			imports = appendName(imports, imp.Name)
			imports = append(imports, externFunc)
			imports = appendU32(imports, uint32(i))
		}
		out = appendSection(out, sectionImport, imports)

		var funcs []byte
		funcs = appendU32(funcs, n)
		for i := range m.Imports {
			funcs = appendU32(funcs, uint32(i))
		}
		out = appendSection(out, sectionFunction, funcs)
	}

	if m.MemoryPages > 0 {
		mem := []byte{0x01, 0x00}
		mem = appendU32(mem, m.MemoryPages)
		out = appendSection(out, sectionMemory, mem)
	}

	var exports []byte
	count := n
	if m.MemoryPages > 0 {
		count++
	}
	exports = appendU32(exports, count)
	for i, imp := range m.Imports {
		exports = appendName(exports, imp.Export)
		exports = append(exports, externFunc)
		exports = appendU32(exports, n+uint32(i))
	}
	if m.MemoryPages > 0 {
		exports = appendName(exports, "memory")
		exports = append(exports, externMemory, 0x00)
	}
	out = appendSection(out, sectionExport, exports)

	if n > 0 {
		var code []byte
		code = appendU32(code, n)
		for i, imp := range m.Imports {
			body := []byte{0x00}
			for p := range imp.Params {
				body = append(body, opLocalGet)
				body = appendU32(body, uint32(p))
			}
			body = append(body, opCall)
			body = appendU32(body, uint32(i))
			body = append(body, opEnd)
			code = appendU32(code, uint32(len(body)))
			code = append(code, body...)
		}
		out = appendSection(out, sectionCode, code)
	}
	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(content)))
	return append(out, content...)
}

func appendName(out []byte, name string) []byte {
	out = appendU32(out, uint32(len(name)))
	return append(out, name...)
}

func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
