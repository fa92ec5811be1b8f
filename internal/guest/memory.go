package guest

// PageSize is the granularity in which linear memory grows.
const PageSize = 1 << 16

// Memory is the guest's linear memory.
//
// The method set is a subset of wazero's api.Memory, so a wasm module's memory
// can be used directly. Slices returned by Read alias the underlying memory:
// writes through them are visible to the guest and to anyone else holding a view.
type Memory interface {
	// Size returns the size in bytes available.
	Size() uint32
	// Grow increases memory by the delta in pages and returns the previous size in pages.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, byteCount uint32) ([]byte, bool)
	ReadUint32Le(offset uint32) (uint32, bool)
	Write(offset uint32, v []byte) bool
}

// HostAck is the host entry point the guest calls after reserving its region.
// It receives the region base and returns offset<<32 | size of the populated window.
type HostAck func(base uint32) uint64
