package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wippyai/marshal-runtime/errors"
)

// Status is the 32-bit outcome code carried by replies and status streams.
type Status uint32

const (
	StatusOK Status = iota
	StatusMalformedReference
	StatusUnknownObject
	StatusAlreadyConsumed
	StatusDisconnected
	StatusWrongApartment
	StatusCallRejected
	StatusOutOfMemory
	StatusNoInterface
	StatusInvalidData
	StatusNotFound
	StatusUnsupported
	StatusApplication
	StatusInternal
)

var statusKinds = map[Status]errors.Kind{
	StatusMalformedReference: errors.KindMalformedReference,
	StatusUnknownObject:      errors.KindUnknownObject,
	StatusAlreadyConsumed:    errors.KindAlreadyConsumed,
	StatusDisconnected:       errors.KindDisconnected,
	StatusWrongApartment:     errors.KindWrongApartment,
	StatusCallRejected:       errors.KindCallRejected,
	StatusOutOfMemory:        errors.KindOutOfMemory,
	StatusNoInterface:        errors.KindNoInterface,
	StatusInvalidData:        errors.KindInvalidData,
	StatusNotFound:           errors.KindNotFound,
	StatusUnsupported:        errors.KindUnsupported,
	StatusApplication:        errors.KindApplication,
}

var kindStatus = func() map[errors.Kind]Status {
	m := make(map[errors.Kind]Status, len(statusKinds))
	for s, k := range statusKinds {
		m[k] = s
	}
	// Decode-side failures all surface as invalid data to the peer.
	for _, k := range []errors.Kind{
		errors.KindTypeMismatch, errors.KindOutOfBounds, errors.KindInvalidUTF8,
		errors.KindOverflow, errors.KindInvalidVariant, errors.KindInvalidInput,
	} {
		m[k] = StatusInvalidData
	}
	m[errors.KindClosed] = StatusDisconnected
	return m
}()

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	if k, ok := statusKinds[s]; ok {
		return string(k)
	}
	if s == StatusInternal {
		return "internal"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// StatusOf maps an error to its status code. Errors outside the taxonomy are
// application errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	k := errors.KindOf(err)
	if k == "" {
		return StatusApplication
	}
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return StatusInternal
}

// Err rebuilds an error of the matching kind.
func (s Status) Err(phase errors.Phase, detail string) error {
	if s == StatusOK {
		return nil
	}
	k, ok := statusKinds[s]
	if !ok {
		k = errors.KindInvalidData
		if detail == "" {
			detail = s.String()
		}
	}
	if k == errors.KindApplication {
		return errors.Application(detail)
	}
	return errors.New(phase, k).Detail("%s", detail).Value(uint32(s)).Build()
}

// EncodeStatus returns the 4-byte wire form of s.
func EncodeStatus(s Status) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(s))
	return b[:]
}

// DecodeStatus parses a 4-byte status.
func DecodeStatus(data []byte) (Status, error) {
	if len(data) != 4 {
		return 0, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("status needs 4 bytes, got %d", len(data)).
			Build()
	}
	return Status(binary.BigEndian.Uint32(data)), nil
}

// WriteStatus writes s to a stream.
func WriteStatus(w io.Writer, s Status) error {
	if _, err := w.Write(EncodeStatus(s)); err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "write status")
	}
	return nil
}

// ReadStatus reads a status from a stream.
func ReadStatus(r io.Reader) (Status, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "read status")
	}
	return Status(binary.BigEndian.Uint32(b[:])), nil
}
