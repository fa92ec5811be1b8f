package wasmguest

const (
	sectionType     byte = 1
	sectionImport   byte = 2
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionGlobal   byte = 6
	sectionExport   byte = 7
	sectionCode     byte = 10
)

const (
	valueTypeI32 byte = 0x7f
	valueTypeI64 byte = 0x7e

	blockTypeEmpty byte = 0x40
	funcTypeTag    byte = 0x60
	mutable        byte = 0x01

	externFunc   byte = 0x00
	externMemory byte = 0x02
)

const (
	opUnreachable byte = 0x00
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opEnd         byte = 0x0b
	opBr          byte = 0x0c
	opBrIf        byte = 0x0d
	opCall        byte = 0x10
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Store8   byte = 0x3a
	opMemorySize  byte = 0x3f
	opMemoryGrow  byte = 0x40
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
	opI32Eqz      byte = 0x45
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
	opI32LtU      byte = 0x49
	opI32GtU      byte = 0x4b
	opI32GeU      byte = 0x4f
	opI32Add      byte = 0x6a
	opI32Sub      byte = 0x6b
	opI32And      byte = 0x71
	opI32ShrU     byte = 0x76
	opI64GtU      byte = 0x56
	opI64Add      byte = 0x7c
	opI64And      byte = 0x83
	opI64ShrU     byte = 0x88
	opI32WrapI64  byte = 0xa7
	opI64ExtendU  byte = 0xad
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func appendUleb(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}

		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendSleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7

		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}

		b = append(b, c)
		if done {
			return b
		}
	}
}

func uleb(v uint32) []byte {
	return appendUleb(nil, uint64(v))
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	b := uleb(uint32(len(items)))
	for _, item := range items {
		b = append(b, item...)
	}

	return b
}

func section(id byte, payload []byte) []byte {
	b := append([]byte{id}, uleb(uint32(len(payload)))...)

	return append(b, payload...)
}

func funcType(params, results []byte) []byte {
	b := append([]byte{funcTypeTag}, uleb(uint32(len(params)))...)
	b = append(b, params...)
	b = append(b, uleb(uint32(len(results)))...)

	return append(b, results...)
}

func importFunc(module, field string, typeIdx uint32) []byte {
	b := append(name(module), name(field)...)
	b = append(b, externFunc)

	return append(b, uleb(typeIdx)...)
}

func export(field string, kind byte, idx uint32) []byte {
	b := append(name(field), kind)

	return append(b, uleb(idx)...)
}

func mutableI32Global(init int32) []byte {
	b := []byte{valueTypeI32, mutable, opI32Const}
	b = appendSleb(b, int64(init))

	return append(b, opEnd)
}

// local declares count locals of one value type.
type local struct {
	count uint32
	typ   byte
}

func funcBody(locals []local, code asm) []byte {
	entries := make([][]byte, 0, len(locals))
	for _, l := range locals {
		entries = append(entries, append(uleb(l.count), l.typ))
	}

	content := vec(entries...)
	content = append(content, code...)
	content = append(content, opEnd)

	return append(uleb(uint32(len(content))), content...)
}

// asm accumulates an instruction sequence.
type asm []byte

func (a asm) op(ops ...byte) asm {
	return append(a, ops...)
}

func (a asm) withIndex(op byte, idx uint32) asm {
	return appendUleb(append(a, op), uint64(idx))
}

func (a asm) i32Const(v int32) asm {
	return appendSleb(append(a, opI32Const), int64(v))
}

func (a asm) i64Const(v int64) asm {
	return appendSleb(append(a, opI64Const), v)
}

func (a asm) localGet(idx uint32) asm  { return a.withIndex(opLocalGet, idx) }
func (a asm) localSet(idx uint32) asm  { return a.withIndex(opLocalSet, idx) }
func (a asm) localTee(idx uint32) asm  { return a.withIndex(opLocalTee, idx) }
func (a asm) globalGet(idx uint32) asm { return a.withIndex(opGlobalGet, idx) }
func (a asm) globalSet(idx uint32) asm { return a.withIndex(opGlobalSet, idx) }
func (a asm) call(idx uint32) asm      { return a.withIndex(opCall, idx) }
func (a asm) br(depth uint32) asm      { return a.withIndex(opBr, depth) }
func (a asm) brIf(depth uint32) asm    { return a.withIndex(opBrIf, depth) }

// memArg emits a load or store with the alignment exponent and a static offset.
func (a asm) memArg(op byte, alignLog2, offset uint32) asm {
	a = appendUleb(append(a, op), uint64(alignLog2))

	return appendUleb(a, uint64(offset))
}

func (a asm) block(op byte) asm {
	return append(a, op, blockTypeEmpty)
}

func (a asm) memorySize() asm {
	return append(a, opMemorySize, 0x00)
}

func (a asm) memoryGrow() asm {
	return append(a, opMemoryGrow, 0x00)
}
