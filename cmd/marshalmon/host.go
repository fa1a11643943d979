package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/apartment"
	"github.com/wippyai/marshal-runtime/config"
	"github.com/wippyai/marshal-runtime/proxy"
	"github.com/wippyai/marshal-runtime/runtime"
	"github.com/wippyai/marshal-runtime/stub"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wasmobj"
	"github.com/wippyai/marshal-runtime/wire"
)

var tallyIID = wire.MustParseInterfaceID("0f6c2a1e-8d4b-4c3a-9e7f-5b1a2c3d4e50")

// tally is the object served when no wasm module is given.
type tally struct {
	n atomic.Uint32
}

func (t *tally) Add(n uint32) uint32 { return t.n.Add(n) }
func (t *tally) Total() uint32       { return t.n.Load() }
func (t *tally) Echo(s string) string { return s }

func tallyInterface() *typemarshal.Interface {
	u32 := []typemarshal.Param{{Name: "n", Type: wit.U32{}}}
	str := []typemarshal.Param{{Name: "s", Type: wit.String{}}}
	return &typemarshal.Interface{
		ID:   tallyIID,
		Name: "tally",
		Methods: []typemarshal.Method{
			{Name: "add", Params: u32, Results: u32},
			{Name: "echo", Params: str, Results: str},
			{Name: "total", Results: u32},
		},
	}
}

// host owns a runtime with one single-thread server apartment exporting
// objects of a single interface.
type host struct {
	rt        *runtime.Runtime
	engine    *wasmobj.Engine
	server    *apartment.Apartment
	iface     *typemarshal.Interface
	newObject func(ctx context.Context) (stub.Object, error)
	source    string
	mode      wire.Mode
}

func newHost(ctx context.Context, configPath, wasmFile string, mode wire.Mode) (*host, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := opts.Logger()
	if err != nil {
		return nil, err
	}
	wasmobj.SetLogger(logger.Named("wasm"))

	h := &host{mode: mode, source: "tally"}
	if wasmFile != "" {
		if err := h.loadWasm(ctx, wasmFile); err != nil {
			h.close(ctx)
			return nil, err
		}
	} else {
		h.iface = tallyInterface()
		h.newObject = func(context.Context) (stub.Object, error) {
			return stub.Reflect(&tally{}, tallyIID)
		}
	}

	h.rt, err = runtime.New(ctx, runtime.WithOptions(opts), runtime.WithLogger(logger))
	if err != nil {
		h.close(ctx)
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	if err := h.rt.RegisterInterface(h.iface); err != nil {
		h.close(ctx)
		return nil, err
	}
	h.server, err = h.rt.NewApartment(apartment.SingleThread)
	if err != nil {
		h.close(ctx)
		return nil, err
	}
	logger.Debug("host ready", zap.String("source", h.source), zap.Stringer("mode", mode))
	return h, nil
}

func (h *host) loadWasm(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	h.engine = wasmobj.NewEngine(ctx, nil)
	mod, err := h.engine.Compile(ctx, data)
	if err != nil {
		return err
	}
	// Same module bytes give the same interface id in every process.
	iid := wire.InterfaceID(uuid.NewSHA1(uuid.NameSpaceOID, data))
	h.iface, err = mod.Interface(iid, path)
	if err != nil {
		return err
	}
	h.newObject = func(ctx context.Context) (stub.Object, error) {
		return mod.Instantiate(ctx, iid)
	}
	h.source = path
	return nil
}

// export creates a new object in the server apartment and returns a proxy
// to it held by the caller's apartment.
func (h *host) export(ctx context.Context) (*proxy.Handle, error) {
	obj, err := h.newObject(ctx)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = h.server.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = h.rt.Marshal(ctx, obj, h.iface.ID, h.mode)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	handle, err := h.rt.Unmarshal(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if h.mode == wire.TableStrong {
		if err := h.rt.ReleaseMarshalData(ctx, data); err != nil {
			handle.Release()
			return nil, err
		}
	}
	return handle, nil
}

// call invokes method with textual arguments converted to its parameter types.
func (h *host) call(ctx context.Context, handle *proxy.Handle, method string, raw []string) ([]any, error) {
	_, m, ok := h.iface.Method(method)
	if !ok {
		return nil, fmt.Errorf("%s has no method %q", h.iface.Name, method)
	}
	if len(raw) != len(m.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", method, len(m.Params), len(raw))
	}
	args := make([]any, len(raw))
	for i, p := range m.Params {
		v, err := convertArg(raw[i], p.Type)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", p.Name, err)
		}
		args[i] = v
	}
	return handle.Invoke(ctx, method, args...)
}

func (h *host) close(ctx context.Context) {
	if h.rt != nil {
		if err := h.rt.Close(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "close runtime: %v\n", err)
		}
	}
	if h.engine != nil {
		_ = h.engine.Close(ctx)
	}
}

func parseMode(s string) (wire.Mode, error) {
	for _, m := range []wire.Mode{wire.Normal, wire.TableStrong, wire.TableWeak} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q (normal, table-strong, table-weak)", s)
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func convertArg(value string, t wit.Type) (any, error) {
	switch t.(type) {
	case wit.String:
		return value, nil
	case wit.U8:
		v, err := strconv.ParseUint(value, 10, 8)
		return uint8(v), err
	case wit.U16:
		v, err := strconv.ParseUint(value, 10, 16)
		return uint16(v), err
	case wit.U32:
		v, err := strconv.ParseUint(value, 10, 32)
		return uint32(v), err
	case wit.U64:
		return strconv.ParseUint(value, 10, 64)
	case wit.S8:
		v, err := strconv.ParseInt(value, 10, 8)
		return int8(v), err
	case wit.S16:
		v, err := strconv.ParseInt(value, 10, 16)
		return int16(v), err
	case wit.S32:
		v, err := strconv.ParseInt(value, 10, 32)
		return int32(v), err
	case wit.S64:
		return strconv.ParseInt(value, 10, 64)
	case wit.F32:
		v, err := strconv.ParseFloat(value, 32)
		return float32(v), err
	case wit.F64:
		return strconv.ParseFloat(value, 64)
	case wit.Bool:
		return strconv.ParseBool(value)
	}
	return nil, fmt.Errorf("type %s cannot be entered as text", witTypeStr(t))
}

func witTypeStr(t wit.Type) string {
	switch v := t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	case *wit.TypeDef:
		if v.Name != nil {
			return *v.Name
		}
		return "typedef"
	default:
		return fmt.Sprintf("%T", t)
	}
}

func formatMethod(m typemarshal.Method) string {
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = p.Name + ": " + witTypeStr(p.Type)
	}
	result := ""
	if len(m.Results) > 0 {
		result = " -> " + witTypeStr(m.Results[0].Type)
	}
	return m.Name + "(" + strings.Join(params, ", ") + ")" + result
}
