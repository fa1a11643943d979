package typemarshal

import (
	"encoding/binary"
	"sync"

	marshalruntime "github.com/wippyai/marshal-runtime"
	"github.com/wippyai/marshal-runtime/errors"
)

type Memory = marshalruntime.Memory
type Allocator = marshalruntime.Allocator

// Buffer is a fixed-size, bounds-checked call buffer.
type Buffer struct {
	data []byte
}

// NewBuffer wraps data. The buffer does not grow.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the underlying storage.
func (b *Buffer) Bytes() []byte { return b.data }

// Size returns the buffer length.
func (b *Buffer) Size() uint32 { return uint32(len(b.data)) }

func (b *Buffer) span(phase errors.Phase, offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(b.data)) {
		return nil, errors.OutOfBounds(phase, nil, int(end), len(b.data))
	}
	return b.data[offset:end], nil
}

func (b *Buffer) Read(offset, length uint32) ([]byte, error) {
	return b.span(errors.PhaseDecode, offset, length)
}

func (b *Buffer) Write(offset uint32, data []byte) error {
	s, err := b.span(errors.PhaseEncode, offset, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(s, data)
	return nil
}

func (b *Buffer) ReadU8(offset uint32) (uint8, error) {
	s, err := b.span(errors.PhaseDecode, offset, 1)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (b *Buffer) ReadU16(offset uint32) (uint16, error) {
	s, err := b.span(errors.PhaseDecode, offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s), nil
}

func (b *Buffer) ReadU32(offset uint32) (uint32, error) {
	s, err := b.span(errors.PhaseDecode, offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s), nil
}

func (b *Buffer) ReadU64(offset uint32) (uint64, error) {
	s, err := b.span(errors.PhaseDecode, offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(s), nil
}

func (b *Buffer) WriteU8(offset uint32, value uint8) error {
	s, err := b.span(errors.PhaseEncode, offset, 1)
	if err != nil {
		return err
	}
	s[0] = value
	return nil
}

func (b *Buffer) WriteU16(offset uint32, value uint16) error {
	s, err := b.span(errors.PhaseEncode, offset, 2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(s, value)
	return nil
}

func (b *Buffer) WriteU32(offset uint32, value uint32) error {
	s, err := b.span(errors.PhaseEncode, offset, 4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(s, value)
	return nil
}

func (b *Buffer) WriteU64(offset uint32, value uint64) error {
	s, err := b.span(errors.PhaseEncode, offset, 8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(s, value)
	return nil
}

const (
	// Pool limits to prevent memory bloat
	poolMaxCap  = 64 << 10
	poolInitCap = 256
)

var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, poolInitCap)
		return &buf
	},
}

// Arena allocates call buffers from a pool. A zero limit means unbounded.
type Arena struct {
	limit uint32
}

// NewArena creates an allocator refusing buffers larger than limit bytes.
func NewArena(limit uint32) *Arena {
	return &Arena{limit: limit}
}

// Limit returns the maximum buffer size, 0 if unbounded.
func (a *Arena) Limit() uint32 { return a.limit }

func (a *Arena) Alloc(size uint32) (Memory, error) {
	if a.limit > 0 && size > a.limit {
		return nil, errors.OutOfMemory(errors.PhaseEncode, size, a.limit)
	}
	bp := bufPool.Get().(*[]byte)
	if uint32(cap(*bp)) < size {
		bufPool.Put(bp)
		return NewBuffer(make([]byte, size)), nil
	}
	data := (*bp)[:size]
	clear(data)
	return NewBuffer(data), nil
}

func (a *Arena) Free(mem Memory) {
	b, ok := mem.(*Buffer)
	if !ok || cap(b.data) > poolMaxCap {
		return // reject oversized
	}
	data := b.data[:0]
	b.data = nil
	bufPool.Put(&data)
}

// Writer encodes sequentially into a Memory.
type Writer struct {
	mem Memory
	off uint32
}

// NewWriter starts writing at offset 0.
func NewWriter(mem Memory) *Writer {
	return &Writer{mem: mem}
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() uint32 { return w.off }

func (w *Writer) U8(v uint8) error {
	if err := w.mem.WriteU8(w.off, v); err != nil {
		return err
	}
	w.off++
	return nil
}

func (w *Writer) U16(v uint16) error {
	if err := w.mem.WriteU16(w.off, v); err != nil {
		return err
	}
	w.off += 2
	return nil
}

func (w *Writer) U32(v uint32) error {
	if err := w.mem.WriteU32(w.off, v); err != nil {
		return err
	}
	w.off += 4
	return nil
}

func (w *Writer) U64(v uint64) error {
	if err := w.mem.WriteU64(w.off, v); err != nil {
		return err
	}
	w.off += 8
	return nil
}

func (w *Writer) Bytes(p []byte) error {
	if err := w.mem.Write(w.off, p); err != nil {
		return err
	}
	w.off += uint32(len(p))
	return nil
}

// Discriminant writes a tag of the given byte width.
func (w *Writer) Discriminant(v uint32, size uint32) error {
	switch size {
	case 1:
		return w.U8(uint8(v))
	case 2:
		return w.U16(uint16(v))
	default:
		return w.U32(v)
	}
}

// Reader decodes sequentially from a Memory, stopping at a limit.
type Reader struct {
	mem   Memory
	off   uint32
	limit uint32
}

// NewReader reads mem from offset 0 up to size bytes.
func NewReader(mem Memory, size uint32) *Reader {
	return &Reader{mem: mem, limit: size}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() uint32 { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() uint32 { return r.limit - r.off }

func (r *Reader) need(n uint32) error {
	if r.limit-r.off < n {
		return errors.OutOfBounds(errors.PhaseDecode, nil, int(r.off)+int(n), int(r.limit))
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v, err := r.mem.ReadU8(r.off)
	r.off++
	return v, err
}

func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v, err := r.mem.ReadU16(r.off)
	r.off += 2
	return v, err
}

func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v, err := r.mem.ReadU32(r.off)
	r.off += 4
	return v, err
}

func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v, err := r.mem.ReadU64(r.off)
	r.off += 8
	return v, err
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n uint32) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	s, err := r.mem.Read(r.off, n)
	if err != nil {
		return nil, err
	}
	r.off += n
	return append([]byte(nil), s...), nil
}

// Discriminant reads a tag of the given byte width.
func (r *Reader) Discriminant(size uint32) (uint32, error) {
	switch size {
	case 1:
		v, err := r.U8()
		return uint32(v), err
	case 2:
		v, err := r.U16()
		return uint32(v), err
	default:
		return r.U32()
	}
}

// sub returns a reader over the next n bytes and advances past them.
func (r *Reader) sub(n uint32) (*Reader, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	s := &Reader{mem: r.mem, off: r.off, limit: r.off + n}
	r.off += n
	return s, nil
}
