package wasmobj

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/wire"
)

// Object is a module instance hosted as a marshalable object. An instance
// is not safe for concurrent use, so calls are serialized even when the
// object lives in a multi-thread apartment.
type Object struct {
	module api.Module
	funcs  map[string]api.Function
	iids   []wire.InterfaceID
	mu     sync.Mutex
	closed bool
}

func (o *Object) Implements(iid wire.InterfaceID) bool {
	for _, id := range o.iids {
		if id == iid {
			return true
		}
	}
	return false
}

// Invoke calls the exported function named method.
func (o *Object) Invoke(ctx context.Context, _ wire.InterfaceID, method string, args []any) ([]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.Closed(errors.PhaseDispatch, "module instance")
	}
	fn := o.funcs[method]
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseDispatch, "export", method)
	}
	def := fn.Definition()
	params := def.ParamTypes()
	if len(args) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseDispatch,
			fmt.Sprintf("%s takes %d arguments, got %d", method, len(params), len(args)))
	}

	stack := make([]uint64, len(params))
	for i, vt := range params {
		v, err := encodeValue(vt, args[i])
		if err != nil {
			return nil, err
		}
		stack[i] = v
	}
	raw, err := fn.Call(ctx, stack...)
	if err != nil {
		return nil, errors.New(errors.PhaseDispatch, errors.KindApplication).
			Cause(err).
			Detail("%s trapped: %v", method, err).
			Build()
	}

	results := make([]any, len(raw))
	for i, vt := range def.ResultTypes() {
		results[i] = decodeValue(vt, raw[i])
	}
	return results, nil
}

// Drop closes the instance. It runs once the object's stub is destroyed.
func (o *Object) Drop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if err := o.module.Close(context.Background()); err != nil {
		Logger().Warn("instance close failed", zap.Error(err))
	}
}

// Closed reports whether the instance was dropped.
func (o *Object) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func encodeValue(vt api.ValueType, v any) (uint64, error) {
	switch vt {
	case api.ValueTypeI32:
		switch x := v.(type) {
		case int32:
			return api.EncodeI32(x), nil
		case uint32:
			return api.EncodeU32(x), nil
		}
	case api.ValueTypeI64:
		switch x := v.(type) {
		case int64:
			return api.EncodeI64(x), nil
		case uint64:
			return x, nil
		}
	case api.ValueTypeF32:
		if x, ok := v.(float32); ok {
			return api.EncodeF32(x), nil
		}
	case api.ValueTypeF64:
		if x, ok := v.(float64); ok {
			return api.EncodeF64(x), nil
		}
	}
	return 0, errors.TypeMismatch(errors.PhaseDispatch, nil, fmt.Sprintf("%T", v), api.ValueTypeName(vt))
}

func decodeValue(vt api.ValueType, v uint64) any {
	switch vt {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeF32:
		return api.DecodeF32(v)
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return int64(v)
}
