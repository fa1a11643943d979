// Package typemarshal implements the per-type marshaler registry used to carry
// call arguments and results across the marshaling boundary.
//
// Every value type has a Marshaler with four operations:
//
//	Size(value)          - exact byte count Encode will write
//	Encode(buf, value)   - write the value; never writes past Size
//	Decode(buf)          - read a value; never aliases the buffer
//	Free(value)          - release what Decode acquired (borrows, remote handles)
//
// Types are described with WIT types from go.bytecodealliance.org/wit. The
// registry ships marshalers for primitives, strings, lists, records, tuples,
// variants, enums, flags, options, results and own/borrow handles. Compound
// marshalers recurse through the registry for their elements.
//
// # Encoding
//
// All multi-byte values are big-endian. Strings and lists carry a u32 length
// prefix. Variants and enums carry a 1, 2 or 4 byte discriminant depending on
// the number of cases. Options and results carry a u8 tag. A by-reference
// parameter is preceded by a u32 length tag; NullRef (0xFFFFFFFF) marks a
// null reference, so a value that encodes to zero bytes keeps tag 0.
//
// # Custom Types
//
// Custom marshalers are registered under their own TypeID and referenced from
// method signatures through Param.Custom:
//
//	reg.Register("bitmap", bitmapMarshaler{})
//
//	typemarshal.Param{Name: "image", Custom: "bitmap", ByRef: true}
//
// # Call Buffers
//
// Marshal sizes every argument, allocates one buffer of exactly that size
// from the registry's Allocator, and encodes into it. An Arena with a limit
// fails oversized allocations with an out-of-memory error.
package typemarshal
