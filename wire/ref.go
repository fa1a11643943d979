package wire

import (
	"encoding/binary"
	"io"

	"github.com/wippyai/marshal-runtime/errors"
)

// Version is the only object reference layout this package reads and writes.
const Version = 1

// HeaderSize is the fixed size of an encoded reference before its payload.
const HeaderSize = 1 + 4 + 16 + 8 + 8 + 4

// MaxPayload bounds the locator payload of a single reference.
const MaxPayload = 64 << 10

// Mode selects how many times a reference may be unmarshaled and whether it
// keeps the stub alive.
type Mode uint8

const (
	Normal      Mode = 0 // single consumable reference
	TableStrong Mode = 1 // shared reference pinning the stub
	TableWeak   Mode = 2 // shared reference that does not pin
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case TableStrong:
		return "table-strong"
	case TableWeak:
		return "table-weak"
	default:
		return "invalid"
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m <= TableWeak
}

// Context is the destination context a reference was marshaled for.
type Context uint8

const (
	SameProcess  Context = 0
	CrossProcess Context = 1
)

func (c Context) String() string {
	if c == CrossProcess {
		return "cross-process"
	}
	return "same-process"
}

const (
	flagModeMask     = 0x3
	flagCrossProcess = 1 << 8
	flagKnown        = flagModeMask | flagCrossProcess
)

// Flags packs a mode and a context into the header flag word.
func Flags(m Mode, c Context) uint32 {
	f := uint32(m) & flagModeMask
	if c == CrossProcess {
		f |= flagCrossProcess
	}
	return f
}

// ObjectRef is the decoded form of a marshaled object reference.
type ObjectRef struct {
	Payload     []byte
	ObjectID    ObjectID
	ApartmentID ApartmentID
	Flags       uint32
	InterfaceID InterfaceID
}

// Mode returns the marshal mode carried in the flags.
func (r *ObjectRef) Mode() Mode {
	return Mode(r.Flags & flagModeMask)
}

// Context returns the destination context carried in the flags.
func (r *ObjectRef) Context() Context {
	if r.Flags&flagCrossProcess != 0 {
		return CrossProcess
	}
	return SameProcess
}

// Locator decodes the CBOR payload.
func (r *ObjectRef) Locator() (*Locator, error) {
	return DecodeLocator(r.Payload)
}

// Encode writes the reference in wire form.
func Encode(r *ObjectRef) ([]byte, error) {
	if err := validate(r, errors.PhaseMarshal); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(r.Payload))
	putHeader(buf, r)
	copy(buf[HeaderSize:], r.Payload)
	return buf, nil
}

// Decode parses a reference from data. The payload does not alias data.
func Decode(data []byte) (*ObjectRef, error) {
	if len(data) < HeaderSize {
		return nil, errors.New(errors.PhaseUnmarshal, errors.KindMalformedReference).
			Detail("short header: %d bytes, need %d", len(data), HeaderSize).
			Build()
	}
	r, n, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if rest := len(data) - HeaderSize; rest != int(n) {
		return nil, errors.New(errors.PhaseUnmarshal, errors.KindMalformedReference).
			Detail("payload length %d does not match %d remaining bytes", n, rest).
			Build()
	}
	r.Payload = append([]byte(nil), data[HeaderSize:]...)
	if _, err := DecodeLocator(r.Payload); err != nil {
		return nil, err
	}
	return r, nil
}

// WriteRef writes an encoded reference to w.
func WriteRef(w io.Writer, r *ObjectRef) error {
	data, err := Encode(r)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(errors.PhaseMarshal, errors.KindInvalidData, err, "write reference")
	}
	return nil
}

// ReadRef reads exactly one reference from r. Reading past the end of the
// stream is reported as a malformed reference.
func ReadRef(r io.Reader) (*ObjectRef, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.MalformedReference(errors.PhaseUnmarshal, "read header", err)
	}
	ref, n, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	ref.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, ref.Payload); err != nil {
		return nil, errors.MalformedReference(errors.PhaseUnmarshal, "read payload", err)
	}
	if _, err := DecodeLocator(ref.Payload); err != nil {
		return nil, err
	}
	return ref, nil
}

func validate(r *ObjectRef, phase errors.Phase) error {
	if r == nil {
		return errors.InvalidInput(phase, "nil object reference")
	}
	if r.Flags&^uint32(flagKnown) != 0 || !r.Mode().Valid() {
		return errors.InvalidInput(phase, "invalid marshal flags")
	}
	if r.ObjectID == 0 || r.ApartmentID == 0 {
		return errors.InvalidInput(phase, "zero object or apartment id")
	}
	if len(r.Payload) > MaxPayload {
		return errors.InvalidInput(phase, "locator payload too large")
	}
	return nil
}

func putHeader(buf []byte, r *ObjectRef) {
	buf[0] = Version
	binary.BigEndian.PutUint32(buf[1:5], r.Flags)
	copy(buf[5:21], r.InterfaceID[:])
	binary.BigEndian.PutUint64(buf[21:29], uint64(r.ApartmentID))
	binary.BigEndian.PutUint64(buf[29:37], uint64(r.ObjectID))
	binary.BigEndian.PutUint32(buf[37:41], uint32(len(r.Payload)))
}

func parseHeader(hdr []byte) (*ObjectRef, uint32, error) {
	if hdr[0] != Version {
		return nil, 0, errors.New(errors.PhaseUnmarshal, errors.KindMalformedReference).
			Detail("unknown version %d", hdr[0]).
			Value(hdr[0]).
			Build()
	}
	r := &ObjectRef{
		Flags:       binary.BigEndian.Uint32(hdr[1:5]),
		ApartmentID: ApartmentID(binary.BigEndian.Uint64(hdr[21:29])),
		ObjectID:    ObjectID(binary.BigEndian.Uint64(hdr[29:37])),
	}
	copy(r.InterfaceID[:], hdr[5:21])
	n := binary.BigEndian.Uint32(hdr[37:41])

	if r.Flags&^uint32(flagKnown) != 0 || !r.Mode().Valid() {
		return nil, 0, errors.New(errors.PhaseUnmarshal, errors.KindMalformedReference).
			Detail("unknown marshal flags %#x", r.Flags).
			Build()
	}
	if r.ObjectID == 0 || r.ApartmentID == 0 {
		return nil, 0, errors.MalformedReference(errors.PhaseUnmarshal, "zero object or apartment id", nil)
	}
	if n > MaxPayload {
		return nil, 0, errors.New(errors.PhaseUnmarshal, errors.KindMalformedReference).
			Detail("payload length %d exceeds %d", n, MaxPayload).
			Build()
	}
	return r, n, nil
}

// NewRef builds a reference with an encoded locator payload.
func NewRef(iid InterfaceID, apt ApartmentID, obj ObjectID, m Mode, c Context, loc *Locator) (*ObjectRef, error) {
	if loc == nil {
		loc = &Locator{}
	}
	payload, err := EncodeLocator(loc)
	if err != nil {
		return nil, err
	}
	r := &ObjectRef{
		InterfaceID: iid,
		ApartmentID: apt,
		ObjectID:    obj,
		Flags:       Flags(m, c),
		Payload:     payload,
	}
	if err := validate(r, errors.PhaseMarshal); err != nil {
		return nil, err
	}
	return r, nil
}
