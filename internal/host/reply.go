package host

// PackReply encodes a window as the mem_ack return value: offset in the high 32 bits,
// size in the low 32 bits.
func PackReply(offset, size uint32) uint64 {
	return uint64(offset)<<32 | uint64(size)
}

func UnpackReply(reply uint64) (offset, size uint32) {
	return uint32(reply >> 32), uint32(reply & 0xFFFFFFFF)
}
