package typemarshal

import (
	"encoding"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/resource"
	"github.com/wippyai/marshal-runtime/typemarshal/internal/abi"
	"github.com/wippyai/marshal-runtime/wire"
)

// handleMarshaler carries own<R> and borrow<R> handles.
//
// Same process:  [ctx:1][handle:4]
// Cross process: [ctx:1][handle:4][type:4][len:4][blob]
//
// The blob is the value's MarshalBinary output, or the bytes of a Blob that
// itself arrived from another process. A cross-process decode inserts a Blob
// into the receiver's table under a fresh handle.
type handleMarshaler struct {
	borrow bool
}

func (m handleMarshaler) id() TypeID {
	if m.borrow {
		return TypeBorrow
	}
	return TypeOwn
}

func (m handleMarshaler) check(t wit.Type, f *Flags) error {
	switch kindOf(t).(type) {
	case *wit.Own, *wit.Borrow, nil:
	default:
		return typeMismatch(t, m.id())
	}
	if f == nil || f.Handles == nil {
		return errors.Unsupported(errors.PhaseEncode, "handle argument without a handle table")
	}
	return nil
}

func (m handleMarshaler) handle(value any) (resource.Handle, error) {
	if h, ok := value.(resource.Handle); ok {
		return h, nil
	}
	v, ok := abi.Unsigned(value, 32)
	if !ok {
		return 0, mismatch(value, m.id())
	}
	return resource.Handle(v), nil
}

// blob returns the bytes that stand in for a handle's value across processes.
func (m handleMarshaler) blob(table *resource.Table, h resource.Handle) (uint32, []byte, error) {
	value, ok := table.Get(h)
	if !ok {
		return 0, nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Value(h).
			Detail("stale handle %d", h).
			Build()
	}
	typeID, _ := table.TypeID(h)
	switch v := value.(type) {
	case resource.Blob:
		return typeID, v.Data, nil
	case *resource.Blob:
		return typeID, v.Data, nil
	case encoding.BinaryMarshaler:
		data, err := v.MarshalBinary()
		if err != nil {
			return 0, nil, errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "marshal handle value")
		}
		return typeID, data, nil
	}
	return 0, nil, errors.Unsupported(errors.PhaseEncode, "handle value "+abi.TypeName(value)+" cannot cross processes")
}

func (m handleMarshaler) Size(_ *Registry, t wit.Type, value any, f *Flags) (uint32, error) {
	if err := m.check(t, f); err != nil {
		return 0, err
	}
	h, err := m.handle(value)
	if err != nil {
		return 0, err
	}
	if f.Context == wire.SameProcess {
		if _, ok := f.Handles.Get(h); !ok {
			return 0, errors.New(errors.PhaseEncode, errors.KindInvalidData).Value(h).Detail("stale handle %d", h).Build()
		}
		return 5, nil
	}
	_, data, err := m.blob(f.Handles, h)
	if err != nil {
		return 0, err
	}
	n, ok := abi.SafeAddU32(13, uint32(len(data)))
	if !ok {
		return 0, errors.Overflow(errors.PhaseEncode, nil, len(data), "u32")
	}
	return n, nil
}

func (m handleMarshaler) Encode(_ *Registry, t wit.Type, w *Writer, value any, f *Flags) error {
	if err := m.check(t, f); err != nil {
		return err
	}
	h, err := m.handle(value)
	if err != nil {
		return err
	}
	if err := w.U8(uint8(f.Context)); err != nil {
		return err
	}
	if err := w.U32(uint32(h)); err != nil {
		return err
	}
	if f.Context == wire.SameProcess {
		return nil
	}
	typeID, data, err := m.blob(f.Handles, h)
	if err != nil {
		return err
	}
	if err := w.U32(typeID); err != nil {
		return err
	}
	if err := w.U32(uint32(len(data))); err != nil {
		return err
	}
	return w.Bytes(data)
}

func (m handleMarshaler) Decode(_ *Registry, t wit.Type, rd *Reader, f *Flags) (any, error) {
	if err := m.check(t, f); err != nil {
		return nil, err
	}
	tag, err := rd.U8()
	if err != nil {
		return nil, err
	}
	if wire.Context(tag) != f.Context {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("handle written for %s context, decoding in %s", wire.Context(tag), f.Context).
			Build()
	}
	raw, err := rd.U32()
	if err != nil {
		return nil, err
	}
	h := resource.Handle(raw)

	if f.Context == wire.SameProcess {
		if m.borrow && !f.Results {
			if err := f.Handles.Borrow(h); err != nil {
				return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "borrow handle")
			}
			return h, nil
		}
		if _, ok := f.Handles.Get(h); !ok {
			return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).Value(h).Detail("stale handle %d", h).Build()
		}
		return h, nil
	}

	typeID, err := rd.U32()
	if err != nil {
		return nil, err
	}
	n, err := rd.U32()
	if err != nil {
		return nil, err
	}
	data, err := rd.Bytes(n)
	if err != nil {
		return nil, err
	}
	local, err := f.Handles.Insert(typeID, resource.Blob{TypeID: typeID, Data: data})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "import handle")
	}
	Logger().Debug("imported remote handle",
		zap.Uint32("remote", raw),
		zap.Uint32("local", uint32(local)),
		zap.Uint32("type", typeID))
	return local, nil
}

// Free returns a borrow taken by Decode. A borrowed handle imported from
// another process is removed. An imported owned one belongs to the receiver
// once the call completes and is removed otherwise.
func (m handleMarshaler) Free(_ *Registry, _ wit.Type, value any, f *Flags) {
	if f == nil || f.Handles == nil {
		return
	}
	h, ok := value.(resource.Handle)
	if !ok {
		return
	}
	if f.Context == wire.SameProcess {
		if m.borrow && !f.Results {
			_ = f.Handles.ReturnBorrow(h)
		}
		return
	}
	if m.borrow || f.Discard {
		_, _ = f.Handles.Remove(h)
	}
}
