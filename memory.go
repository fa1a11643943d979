package marshalruntime

// Memory is a bounded call buffer written by type marshalers during encode
// and read during decode. Multi-byte values use network byte order.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the size of a call buffer in bytes.
type MemorySizer interface {
	Size() uint32
}

// Allocator hands out call buffers sized by a prior Size pass.
// Alloc fails with an out-of-memory error when size exceeds the allocator's limit.
type Allocator interface {
	Alloc(size uint32) (Memory, error)
	Free(mem Memory)
}
