package stub

import (
	"context"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/wire"
)

// Object is a real object hosted in an apartment. Objects that also
// implement resource.Dropper are dropped once their stub is destroyed.
type Object interface {
	Implements(iid wire.InterfaceID) bool
	Invoke(ctx context.Context, iid wire.InterfaceID, method string, args []any) ([]any, error)
}

// MethodFunc implements one method of a Funcs object.
type MethodFunc func(ctx context.Context, args []any) ([]any, error)

// Funcs is an Object assembled from method functions.
type Funcs struct {
	Methods map[string]MethodFunc
	OnDrop  func()
	IIDs    []wire.InterfaceID
}

// NewFuncs creates an object implementing iids with the given methods.
func NewFuncs(methods map[string]MethodFunc, iids ...wire.InterfaceID) *Funcs {
	return &Funcs{Methods: methods, IIDs: iids}
}

func (f *Funcs) Implements(iid wire.InterfaceID) bool {
	for _, id := range f.IIDs {
		if id == iid {
			return true
		}
	}
	return false
}

func (f *Funcs) Invoke(ctx context.Context, iid wire.InterfaceID, method string, args []any) ([]any, error) {
	fn, ok := f.Methods[method]
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "method", method)
	}
	return fn(ctx, args)
}

func (f *Funcs) Drop() {
	if f.OnDrop != nil {
		f.OnDrop()
	}
}
