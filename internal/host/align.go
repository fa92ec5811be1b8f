package host

// DefaultPageSize is the host page size windows are aligned to, 4 KiB.
const DefaultPageSize = 4 << 10

// AlignUp rounds value up to the next multiple of align, which must be a power of two.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}

	mask := align - 1

	return (value + mask) &^ mask
}

// IsAligned reports whether value is a multiple of align.
func IsAligned(value, align uint64) bool {
	return AlignUp(value, align) == value
}

// ToAlignedSize returns size rounded up to whole pages.
func ToAlignedSize(size, pageSize int64) int64 {
	return int64(AlignUp(uint64(size), uint64(pageSize)))
}

// ToAlignedSizeWithPadding returns size rounded up to whole pages plus padding pages.
func ToAlignedSizeWithPadding(size, padding, pageSize int64) int64 {
	return ToAlignedSize(size, pageSize) + padding*pageSize
}

func isPowerOfTwo(v int64) bool {
	return v > 0 && v&(v-1) == 0
}
