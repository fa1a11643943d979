package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/wippyai/marshal-runtime/errors"
)

var testIID = MustParseInterfaceID("6a5c2f9e-0d4b-4b8e-9a61-3f4e2b1c7d10")

func mustRef(t *testing.T, m Mode, c Context, loc *Locator) *ObjectRef {
	t.Helper()
	r, err := NewRef(testIID, 3, 42, m, c, loc)
	if err != nil {
		t.Fatalf("NewRef failed: %v", err)
	}
	return r
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	proc := uuid.New()
	tests := []struct {
		name string
		mode Mode
		ctx  Context
		loc  *Locator
	}{
		{"normal", Normal, SameProcess, &Locator{Ticket: 7}},
		{"strong", TableStrong, SameProcess, nil},
		{"weak", TableWeak, SameProcess, nil},
		{"cross process", Normal, CrossProcess, &Locator{Ticket: 1, Endpoint: &Endpoint{Process: proc, Channel: "pipe-1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := mustRef(t, tt.mode, tt.ctx, tt.loc)
			data, err := Encode(ref)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.InterfaceID != testIID || got.ApartmentID != 3 || got.ObjectID != 42 {
				t.Fatalf("identity mismatch: %+v", got)
			}
			if got.Mode() != tt.mode {
				t.Errorf("mode = %v, want %v", got.Mode(), tt.mode)
			}
			if got.Context() != tt.ctx {
				t.Errorf("context = %v, want %v", got.Context(), tt.ctx)
			}
			if !bytes.Equal(got.Payload, ref.Payload) {
				t.Errorf("payload mismatch")
			}

			loc, err := got.Locator()
			if err != nil {
				t.Fatalf("Locator failed: %v", err)
			}
			if tt.loc != nil && loc.Ticket != tt.loc.Ticket {
				t.Errorf("ticket = %d, want %d", loc.Ticket, tt.loc.Ticket)
			}
			if tt.ctx == CrossProcess {
				if loc.Endpoint == nil || loc.Endpoint.Process != proc || loc.Endpoint.Channel != "pipe-1" {
					t.Errorf("endpoint = %+v", loc.Endpoint)
				}
			}
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	a, _ := Encode(mustRef(t, Normal, SameProcess, &Locator{Ticket: 99}))
	b, _ := Encode(mustRef(t, Normal, SameProcess, &Locator{Ticket: 99}))
	if !bytes.Equal(a, b) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestDecode_NoAlias(t *testing.T) {
	data, _ := Encode(mustRef(t, Normal, SameProcess, &Locator{Ticket: 5}))
	ref, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := append([]byte(nil), ref.Payload...)
	for i := HeaderSize; i < len(data); i++ {
		data[i] = 0xff
	}
	if !bytes.Equal(ref.Payload, want) {
		t.Fatal("decoded payload aliases input")
	}
}

func TestDecode_Malformed(t *testing.T) {
	good, _ := Encode(mustRef(t, Normal, SameProcess, &Locator{Ticket: 1}))

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return fn(b)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", good[:HeaderSize-1]},
		{"bad version", mutate(func(b []byte) []byte { b[0] = 2; return b })},
		{"bad mode", mutate(func(b []byte) []byte { b[4] |= 3; return b })},
		{"unknown flag bit", mutate(func(b []byte) []byte { b[1] = 0x80; return b })},
		{"zero object", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint64(b[29:37], 0)
			return b
		})},
		{"zero apartment", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint64(b[21:29], 0)
			return b
		})},
		{"truncated payload", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
		{"garbage payload", mutate(func(b []byte) []byte { b[HeaderSize] = 0xff; return b })},
		{"oversized length", mutate(func(b []byte) []byte {
			binary.BigEndian.PutUint32(b[37:41], MaxPayload+1)
			return b
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, errors.ErrMalformedReference) {
				t.Fatalf("expected malformed reference, got %v", err)
			}
		})
	}
}

func TestNewRef_Invalid(t *testing.T) {
	if _, err := NewRef(testIID, 0, 1, Normal, SameProcess, nil); err == nil {
		t.Error("expected error for zero apartment")
	}
	if _, err := NewRef(testIID, 1, 0, Normal, SameProcess, nil); err == nil {
		t.Error("expected error for zero object")
	}
	if _, err := NewRef(testIID, 1, 1, Mode(3), SameProcess, nil); err == nil {
		t.Error("expected error for invalid mode")
	}
	if _, err := Encode(nil); err == nil {
		t.Error("expected error for nil reference")
	}
}

func TestReadWriteRef(t *testing.T) {
	var buf bytes.Buffer
	first := mustRef(t, Normal, SameProcess, &Locator{Ticket: 1})
	second := mustRef(t, TableWeak, SameProcess, nil)

	if err := WriteRef(&buf, first); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}
	if err := WriteRef(&buf, second); err != nil {
		t.Fatalf("WriteRef failed: %v", err)
	}

	got, err := ReadRef(&buf)
	if err != nil {
		t.Fatalf("ReadRef failed: %v", err)
	}
	if got.Mode() != Normal {
		t.Errorf("first mode = %v", got.Mode())
	}
	got, err = ReadRef(&buf)
	if err != nil {
		t.Fatalf("ReadRef failed: %v", err)
	}
	if got.Mode() != TableWeak {
		t.Errorf("second mode = %v", got.Mode())
	}

	// Reading past the end of the stream is a read fault.
	if _, err := ReadRef(&buf); !errors.Is(err, errors.ErrMalformedReference) {
		t.Fatalf("expected malformed reference at end of stream, got %v", err)
	}
}

func TestReadRef_TruncatedPayload(t *testing.T) {
	data, _ := Encode(mustRef(t, Normal, SameProcess, &Locator{Ticket: 1}))
	_, err := ReadRef(bytes.NewReader(data[:len(data)-1]))
	if !errors.Is(err, errors.ErrMalformedReference) {
		t.Fatalf("expected malformed reference, got %v", err)
	}
}

func TestInterfaceID(t *testing.T) {
	id, err := ParseInterfaceID(testIID.String())
	if err != nil {
		t.Fatalf("ParseInterfaceID failed: %v", err)
	}
	if id != testIID {
		t.Fatalf("round trip mismatch: %s", id)
	}
	if _, err := ParseInterfaceID("not-a-guid"); err == nil {
		t.Fatal("expected parse error")
	}
	if NewInterfaceID() == NewInterfaceID() {
		t.Fatal("random ids collided")
	}
}
