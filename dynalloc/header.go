package dynalloc

import "encoding/binary"

const (
	// headerSize is the number of bytes reserved immediately before every
	// payload pointer an Allocator hands out.
	headerSize = 12

	// headerMagic tags every live allocation header, letting the free paths
	// tell a real header from foreign or already-freed memory.
	headerMagic uint32 = 0x8FE31A27
)

// header is the per-allocation record written immediately before the payload.
// size is the payload size the caller requested. alignment is 1 for plain
// allocations and the requested power of two otherwise. padding is the
// distance in bytes from the start of the reserved range to the header, which
// is what lets a free rebuild the exact range the allocation was carved from.
type header struct {
	size      uint32
	alignment uint16
	padding   uint16
}

// writeHeader places hdr, tagged with headerMagic, in the headerSize bytes
// immediately before payloadOffset.
func writeHeader(block []byte, payloadOffset int, hdr header) {
	raw := block[payloadOffset-headerSize : payloadOffset]
	binary.LittleEndian.PutUint32(raw[0:4], headerMagic)
	binary.LittleEndian.PutUint32(raw[4:8], hdr.size)
	binary.LittleEndian.PutUint16(raw[8:10], hdr.alignment)
	binary.LittleEndian.PutUint16(raw[10:12], hdr.padding)
}

// readHeader recovers the header immediately before payloadOffset, returning
// false if the magic tag is missing.
func readHeader(block []byte, payloadOffset int) (header, bool) {
	raw := block[payloadOffset-headerSize : payloadOffset]
	if binary.LittleEndian.Uint32(raw[0:4]) != headerMagic {
		return header{}, false
	}

	return header{
		size:      binary.LittleEndian.Uint32(raw[4:8]),
		alignment: binary.LittleEndian.Uint16(raw[8:10]),
		padding:   binary.LittleEndian.Uint16(raw[10:12]),
	}, true
}

// clearHeader stomps the magic tag of a freed allocation so a second free of
// the same pointer is caught.
func clearHeader(block []byte, payloadOffset int) {
	raw := block[payloadOffset-headerSize : payloadOffset]
	binary.LittleEndian.PutUint32(raw[0:4], 0)
}
