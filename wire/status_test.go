package wire

import (
	"bytes"
	"testing"

	"github.com/wippyai/marshal-runtime/errors"
)

func TestStatus_EncodeDecode(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusUnknownObject, StatusApplication, Status(0xdeadbeef)} {
		got, err := DecodeStatus(EncodeStatus(s))
		if err != nil {
			t.Fatalf("DecodeStatus(%v) failed: %v", s, err)
		}
		if got != s {
			t.Fatalf("got %v, want %v", got, s)
		}
	}
	if _, err := DecodeStatus([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short status")
	}
}

func TestStatus_Stream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteStatus(&buf, StatusCallRejected); err != nil {
		t.Fatalf("WriteStatus failed: %v", err)
	}
	if buf.Len() != 4 {
		t.Fatalf("wrote %d bytes", buf.Len())
	}
	s, err := ReadStatus(&buf)
	if err != nil {
		t.Fatalf("ReadStatus failed: %v", err)
	}
	if s != StatusCallRejected {
		t.Fatalf("status = %v", s)
	}
	if _, err := ReadStatus(&buf); err == nil {
		t.Fatal("expected error reading past end")
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusOK {
		t.Error("nil should map to OK")
	}
	if StatusOf(errors.UnknownObject(errors.PhaseUnmarshal, 1, 2)) != StatusUnknownObject {
		t.Error("unknown object mapping")
	}
	if StatusOf(errors.Registration("x", "y", nil)) != StatusInternal {
		t.Error("registration errors should be internal")
	}
}

func TestStatus_ErrUnknownCode(t *testing.T) {
	err := Status(1000).Err(errors.PhaseCall, "")
	if errors.KindOf(err) != errors.KindInvalidData {
		t.Fatalf("kind = %q", errors.KindOf(err))
	}
	if StatusOK.Err(errors.PhaseCall, "") != nil {
		t.Fatal("OK should not produce an error")
	}
	if Status(1000).String() != "status(1000)" {
		t.Fatalf("string = %q", Status(1000).String())
	}
}
