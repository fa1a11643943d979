// Package wire encodes object references and call messages.
//
// An ObjectRef is the byte form of a live object reference. Its layout is a
// fixed header in network byte order followed by a CBOR locator payload:
//
//	[ version:1 ][ flags:4 ][ interface_id:16 ][ apartment_id:8 ][ object_id:8 ][ payload_len:4 ][ payload ]
//
// The low two flag bits carry the marshal Mode and bit 8 the marshal Context.
// Decoding is strict: short input, unknown versions or modes, length
// mismatches and zero identifiers are rejected as malformed references.
//
// Call and Reply messages follow the same fixed-header discipline and carry
// argument and result buffers produced by the typemarshal package. Status
// codes carry failures across the boundary as data.
package wire
