package guest

import "fmt"

// Span is a borrowed (base, length) view into linear memory.
// It never owns the bytes it describes; the host may hold a view onto the same range.
type Span struct {
	Base uint32
	Size uint32
}

// End returns the first address after the span.
// The end address is exclusive and computed without wrapping.
func (s Span) End() uint64 {
	return uint64(s.Base) + uint64(s.Size)
}

func (s Span) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", s.Base, s.End())
}

// Region is the reservation made on the first negotiation.
type Region struct {
	Base     uint32
	Capacity uint32
}

func (r Region) Span() Span {
	return Span{Base: r.Base, Size: r.Capacity}
}

// Contains reports whether s lies entirely inside the region.
func (r Region) Contains(s Span) bool {
	return s.Base >= r.Base && s.End() <= r.Span().End()
}
