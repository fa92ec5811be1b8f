package guest

import "encoding/binary"

const wordSize = 4

// Sentinels written by DebugProbeBounds.
const (
	ProbeFirstByte byte = 0xFF
	ProbeLastByte  byte = 42
)

// Negotiator is the guest half of the shared memory protocol.
//
// It reserves a region once, asks the host to populate part of it and keeps the
// window the host reports. A Negotiator belongs to exactly one guest instance and
// is not safe for concurrent use; the sandbox serialises all entry points.
type Negotiator struct {
	mem  Memory
	heap *Allocator
	ack  HostAck

	strictBounds bool

	region *Region
	// window is the current working buffer. It aliases the reservation after a
	// negotiation and an independent block after DebugAllocate.
	window Span
}

type Option func(*Negotiator)

// WithStrictBounds makes Negotiate trap when the host reports a window outside the
// reservation. The protocol trusts the host, so this is off by default.
func WithStrictBounds() Option {
	return func(n *Negotiator) {
		n.strictBounds = true
	}
}

func New(mem Memory, ack HostAck, opts ...Option) *Negotiator {
	n := &Negotiator{
		mem:  mem,
		heap: NewAllocator(mem),
		ack:  ack,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Start is called once when the instance is created. It establishes no state.
func (n *Negotiator) Start() {}

// Negotiate reserves requested bytes on the first call and then lets the host decide
// which part of the reservation is valid. It returns the size of that window.
//
// Later calls reuse the first reservation even when they ask for more.
func (n *Negotiator) Negotiate(requested uint32) uint32 {
	if n.region == nil {
		n.region = &Region{
			Base:     n.heap.Allocate(requested),
			Capacity: requested,
		}
	}

	reply := n.ack(n.region.Base)

	window := Span{
		Base: n.region.Base + uint32(reply>>32),
		Size: uint32(reply),
	}

	if n.strictBounds && !n.region.Contains(window) {
		trap("negotiate", "host window %s is outside the reservation %s", window, n.region.Span())
	}

	n.window = window

	return window.Size
}

// Compute returns the wrapping sum of the little-endian 32-bit words in the window.
// Trailing bytes that do not form a whole word are ignored.
func (n *Negotiator) Compute() uint32 {
	words := n.window.Size / wordSize
	if words == 0 {
		return 0
	}

	data, ok := n.mem.Read(n.window.Base, words*wordSize)
	if !ok {
		trap("compute", "window %s is outside linear memory of %d bytes", n.window, n.mem.Size())
	}

	var sum uint32
	for i := uint32(0); i < words; i++ {
		sum += binary.LittleEndian.Uint32(data[i*wordSize:])
	}

	return sum
}

// DebugAllocate points the working buffer at a fresh block of size bytes, bypassing
// the negotiation. It returns the block address.
//
// The buffer keeps the size of the last negotiated window, so it may extend past the
// block. DebugProbeBounds relies on that to write outside of what was allocated.
func (n *Negotiator) DebugAllocate(size uint32) uint32 {
	n.window.Base = n.heap.Allocate(size)

	return n.window.Base
}

// DebugProbeBounds writes a sentinel at the first and the last byte of the working
// buffer. An empty buffer makes the last byte the one just before it.
func (n *Negotiator) DebugProbeBounds() {
	first := n.window.Base
	last := n.window.Base + n.window.Size - 1

	if !n.mem.Write(first, []byte{ProbeFirstByte}) {
		trap("debug_probe_bounds", "write at 0x%x is outside linear memory", first)
	}

	if !n.mem.Write(last, []byte{ProbeLastByte}) {
		trap("debug_probe_bounds", "write at 0x%x is outside linear memory", last)
	}
}

// Region returns the reservation, if one was made.
func (n *Negotiator) Region() (Region, bool) {
	if n.region == nil {
		return Region{}, false
	}

	return *n.region, true
}

// Window returns the current working buffer.
func (n *Negotiator) Window() Span {
	return n.window
}
