package wire

import (
	"encoding/binary"

	"github.com/wippyai/marshal-runtime/errors"
)

// CallHeaderSize is the fixed size of an encoded Call before its arguments.
const CallHeaderSize = 1 + 4 + 16 + 8 + 8 + 8 + 4 + 4

// ReplyHeaderSize is the fixed size of an encoded Reply before its body.
const ReplyHeaderSize = 1 + 4 + 4

// Call flags.
const (
	CallNested       uint32 = 1 << 0 // issued while the caller was itself serving a call
	CallCrossProcess uint32 = 1 << 1 // arguments use the cross-process handle encoding
)

// Call is a request to run one method on a stub.
type Call struct {
	Args        []byte
	ObjectID    ObjectID
	ApartmentID ApartmentID
	Caller      ApartmentID
	Method      uint32
	Flags       uint32
	InterfaceID InterfaceID
}

// Reply carries the outcome of a Call. Body holds encoded results when
// Status is OK and the error text otherwise.
type Reply struct {
	Body   []byte
	Status Status
}

// EncodeCall writes c in wire form.
func EncodeCall(c *Call) []byte {
	buf := make([]byte, CallHeaderSize+len(c.Args))
	buf[0] = Version
	binary.BigEndian.PutUint32(buf[1:5], c.Flags)
	copy(buf[5:21], c.InterfaceID[:])
	binary.BigEndian.PutUint64(buf[21:29], uint64(c.ApartmentID))
	binary.BigEndian.PutUint64(buf[29:37], uint64(c.ObjectID))
	binary.BigEndian.PutUint64(buf[37:45], uint64(c.Caller))
	binary.BigEndian.PutUint32(buf[45:49], c.Method)
	binary.BigEndian.PutUint32(buf[49:53], uint32(len(c.Args)))
	copy(buf[CallHeaderSize:], c.Args)
	return buf
}

// DecodeCall parses a Call. Args do not alias data.
func DecodeCall(data []byte) (*Call, error) {
	if len(data) < CallHeaderSize {
		return nil, errors.InvalidData(errors.PhaseDispatch, nil, "short call header")
	}
	if data[0] != Version {
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidData).
			Detail("unknown call version %d", data[0]).
			Build()
	}
	c := &Call{
		Flags:       binary.BigEndian.Uint32(data[1:5]),
		ApartmentID: ApartmentID(binary.BigEndian.Uint64(data[21:29])),
		ObjectID:    ObjectID(binary.BigEndian.Uint64(data[29:37])),
		Caller:      ApartmentID(binary.BigEndian.Uint64(data[37:45])),
		Method:      binary.BigEndian.Uint32(data[45:49]),
	}
	copy(c.InterfaceID[:], data[5:21])
	n := binary.BigEndian.Uint32(data[49:53])
	if int(n) != len(data)-CallHeaderSize {
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidData).
			Detail("argument length %d does not match %d remaining bytes", n, len(data)-CallHeaderSize).
			Build()
	}
	c.Args = append([]byte(nil), data[CallHeaderSize:]...)
	return c, nil
}

// EncodeReply writes r in wire form.
func EncodeReply(r *Reply) []byte {
	buf := make([]byte, ReplyHeaderSize+len(r.Body))
	buf[0] = Version
	binary.BigEndian.PutUint32(buf[1:5], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(r.Body)))
	copy(buf[ReplyHeaderSize:], r.Body)
	return buf
}

// DecodeReply parses a Reply. Body does not alias data.
func DecodeReply(data []byte) (*Reply, error) {
	if len(data) < ReplyHeaderSize {
		return nil, errors.InvalidData(errors.PhaseCall, nil, "short reply header")
	}
	if data[0] != Version {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidData).
			Detail("unknown reply version %d", data[0]).
			Build()
	}
	n := binary.BigEndian.Uint32(data[5:9])
	if int(n) != len(data)-ReplyHeaderSize {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidData).
			Detail("body length %d does not match %d remaining bytes", n, len(data)-ReplyHeaderSize).
			Build()
	}
	return &Reply{
		Status: Status(binary.BigEndian.Uint32(data[1:5])),
		Body:   append([]byte(nil), data[ReplyHeaderSize:]...),
	}, nil
}

// ErrorReply converts a failure into a reply.
func ErrorReply(err error) *Reply {
	detail := err.Error()
	if e, ok := errors.AsError(err); ok && e.Detail != "" {
		detail = e.Detail
	}
	return &Reply{Status: StatusOf(err), Body: []byte(detail)}
}

// Err returns the failure carried by r, or nil when r succeeded.
func (r *Reply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return r.Status.Err(errors.PhaseCall, string(r.Body))
}
