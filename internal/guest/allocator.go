package guest

const (
	// HeapBase is the first address handed out by the allocator.
	// Everything below it is left to the runtime, so no allocation is ever at 0.
	HeapBase = 1024

	heapAlignment = 8
)

// Allocator is a bump allocator over linear memory. Blocks are never freed.
type Allocator struct {
	mem Memory
	top uint32
}

func NewAllocator(mem Memory) *Allocator {
	return &Allocator{
		mem: mem,
		top: HeapBase,
	}
}

// Allocate returns the address of a fresh block of size bytes, growing memory when needed.
// Running out of memory traps.
func (a *Allocator) Allocate(size uint32) uint32 {
	ptr := alignUp(a.top, heapAlignment)

	end := ptr + size
	if end < ptr {
		trap("allocate", "%d bytes at 0x%x overflow the address space", size, ptr)
	}

	needed := pagesFor(end)
	current := a.mem.Size() / PageSize
	if needed > current {
		if _, ok := a.mem.Grow(needed - current); !ok {
			trap("allocate", "cannot grow memory from %d to %d pages for %d bytes", current, needed, size)
		}
	}

	a.top = end

	return ptr
}

// Top returns the current end of the heap.
func (a *Allocator) Top() uint32 {
	return a.top
}

func pagesFor(end uint32) uint32 {
	pages := end / PageSize
	if end%PageSize != 0 {
		pages++
	}

	return pages
}

func alignUp(value, align uint32) uint32 {
	mask := align - 1

	return (value + mask) &^ mask
}
