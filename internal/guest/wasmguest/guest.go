// Package wasmguest emits the negotiating guest as a WebAssembly module.
//
// The module behaves like guest.Negotiator: same heap base, same allocation rule,
// same packed reply layout. Allocation failure executes `unreachable`.
package wasmguest

import "github.com/e2b-dev/infra/packages/memshare/internal/guest"

// Import and export names shared with the host.
const (
	ModuleEnv  = "env"
	FuncMemAck = "mem_ack"

	ExportMemory           = "memory"
	ExportStart            = "_start"
	ExportNegotiate        = "negotiate"
	ExportCompute          = "compute"
	ExportDebugAllocate    = "debug_allocate"
	ExportDebugProbeBounds = "debug_probe_bounds"
)

type Options struct {
	// InitialPages is the size of the memory at instantiation, in 64 KiB pages.
	// The memory declares no maximum, the runtime limit applies.
	InitialPages uint32
	// StrictBounds makes negotiate trap when the host reports a window outside the reservation.
	StrictBounds bool
}

// Type indices.
const (
	typeVoid uint32 = iota
	typeI32ToI32
	typeVoidToI32
	typeI32ToI64
)

// Function indices, the import comes first.
const (
	fnMemAck uint32 = iota
	fnStart
	fnNegotiate
	fnCompute
	fnDebugAllocate
	fnDebugProbeBounds
	fnAlloc
)

// Global indices.
const (
	gHeap uint32 = iota
	gRegionBase
	gRegionCapacity
	gWindowBase
	gWindowSize
)

// Build returns the encoded module.
func Build(opts Options) []byte {
	pages := opts.InitialPages
	if pages == 0 {
		pages = 1
	}

	i32 := []byte{valueTypeI32}
	i64 := []byte{valueTypeI64}

	m := append([]byte{}, magic...)

	m = append(m, section(sectionType, vec(
		funcType(nil, nil),
		funcType(i32, i32),
		funcType(nil, i32),
		funcType(i32, i64),
	))...)

	m = append(m, section(sectionImport, vec(
		importFunc(ModuleEnv, FuncMemAck, typeI32ToI64),
	))...)

	m = append(m, section(sectionFunction, vec(
		uleb(typeVoid),
		uleb(typeI32ToI32),
		uleb(typeVoidToI32),
		uleb(typeI32ToI32),
		uleb(typeVoid),
		uleb(typeI32ToI32),
	))...)

	m = append(m, section(sectionMemory, vec(
		append([]byte{0x00}, uleb(pages)...),
	))...)

	m = append(m, section(sectionGlobal, vec(
		mutableI32Global(guest.HeapBase),
		mutableI32Global(0),
		mutableI32Global(0),
		mutableI32Global(0),
		mutableI32Global(0),
	))...)

	m = append(m, section(sectionExport, vec(
		export(ExportMemory, externMemory, 0),
		export(ExportStart, externFunc, fnStart),
		export(ExportNegotiate, externFunc, fnNegotiate),
		export(ExportCompute, externFunc, fnCompute),
		export(ExportDebugAllocate, externFunc, fnDebugAllocate),
		export(ExportDebugProbeBounds, externFunc, fnDebugProbeBounds),
	))...)

	m = append(m, section(sectionCode, vec(
		funcBody(nil, nil),
		funcBody([]local{{count: 1, typ: valueTypeI64}}, negotiateCode(opts.StrictBounds)),
		funcBody([]local{{count: 3, typ: valueTypeI32}}, computeCode()),
		funcBody(nil, debugAllocateCode()),
		funcBody(nil, debugProbeBoundsCode()),
		funcBody([]local{{count: 3, typ: valueTypeI32}}, allocCode()),
	))...)

	return m
}

// negotiate(size) reserves once, then stores the window from mem_ack.
// Locals: 0 size, 1 reply.
func negotiateCode(strictBounds bool) asm {
	code := asm{}.
		globalGet(gRegionBase).op(opI32Eqz).
		block(opIf).
		localGet(0).call(fnAlloc).globalSet(gRegionBase).
		localGet(0).globalSet(gRegionCapacity).
		op(opEnd).
		globalGet(gRegionBase).call(fnMemAck).localSet(1)

	if strictBounds {
		// offset + size > capacity, in 64 bits so neither side wraps.
		code = code.
			localGet(1).i64Const(32).op(opI64ShrU).
			localGet(1).i64Const(0xFFFFFFFF).op(opI64And).
			op(opI64Add).
			globalGet(gRegionCapacity).op(opI64ExtendU).
			op(opI64GtU).
			block(opIf).op(opUnreachable).op(opEnd)
	}

	return code.
		localGet(1).i64Const(32).op(opI64ShrU, opI32WrapI64).
		globalGet(gRegionBase).op(opI32Add).globalSet(gWindowBase).
		localGet(1).op(opI32WrapI64).globalSet(gWindowSize).
		globalGet(gWindowSize)
}

// compute() sums whole little-endian words of the window.
// Locals: 0 cursor, 1 end, 2 accumulator.
func computeCode() asm {
	return asm{}.
		globalGet(gWindowBase).localSet(0).
		globalGet(gWindowBase).globalGet(gWindowSize).i32Const(-4).op(opI32And).op(opI32Add).localSet(1).
		block(opBlock).
		block(opLoop).
		localGet(0).localGet(1).op(opI32GeU).brIf(1).
		localGet(2).localGet(0).memArg(opI32Load, 2, 0).op(opI32Add).localSet(2).
		localGet(0).i32Const(4).op(opI32Add).localSet(0).
		br(0).
		op(opEnd).
		op(opEnd).
		localGet(2)
}

// debug_allocate(size) re-points the working buffer at a fresh block. The window size is left alone.
func debugAllocateCode() asm {
	return asm{}.
		localGet(0).call(fnAlloc).globalSet(gWindowBase).
		globalGet(gWindowBase)
}

// debug_probe_bounds() writes the sentinels at the first and last byte of the working buffer.
func debugProbeBoundsCode() asm {
	return asm{}.
		globalGet(gWindowBase).i32Const(int32(guest.ProbeFirstByte)).memArg(opI32Store8, 0, 0).
		globalGet(gWindowBase).globalGet(gWindowSize).op(opI32Add).i32Const(1).op(opI32Sub).
		i32Const(int32(guest.ProbeLastByte)).memArg(opI32Store8, 0, 0)
}

// alloc(size) bumps the heap by size bytes, 8-byte aligned, growing memory as needed.
// Locals: 0 size, 1 ptr, 2 end, 3 pages needed.
func allocCode() asm {
	return asm{}.
		globalGet(gHeap).i32Const(7).op(opI32Add).i32Const(-8).op(opI32And).localTee(1).
		localGet(0).op(opI32Add).localTee(2).
		localGet(1).op(opI32LtU).
		block(opIf).op(opUnreachable).op(opEnd).
		localGet(2).i32Const(16).op(opI32ShrU).
		localGet(2).i32Const(guest.PageSize-1).op(opI32And).i32Const(0).op(opI32Ne).
		op(opI32Add).localTee(3).
		memorySize().op(opI32GtU).
		block(opIf).
		localGet(3).memorySize().op(opI32Sub).memoryGrow().
		i32Const(-1).op(opI32Eq).
		block(opIf).op(opUnreachable).op(opEnd).
		op(opEnd).
		localGet(2).globalSet(gHeap).
		localGet(1)
}
