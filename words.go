package main

import "encoding/binary"

// generateWords returns the little-endian encoding of 0..n-1.
func generateWords(n uint) []byte {
	data := make([]byte, 0, n*4)
	for i := range n {
		data = binary.LittleEndian.AppendUint32(data, uint32(i))
	}

	return data
}

// sumWords is the host side of compute. Trailing bytes that do not form a word are ignored.
func sumWords(data []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(data); i += 4 {
		sum += binary.LittleEndian.Uint32(data[i:])
	}

	return sum
}
