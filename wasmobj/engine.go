package wasmobj

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/errors"
	"github.com/wippyai/marshal-runtime/typemarshal"
	"github.com/wippyai/marshal-runtime/wire"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	logger = l
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32
}

// Engine compiles core WebAssembly modules and instantiates them as objects.
type Engine struct {
	runtime wazero.Runtime
}

// NewEngine creates a wazero-backed engine. cfg may be nil.
func NewEngine(ctx context.Context, cfg *Config) *Engine {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}
}

// Close releases the engine and every instance it created.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile validates and compiles a core module.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "compile module")
	}
	return &Module{engine: e, compiled: compiled}, nil
}

// Module is a compiled core module.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
}

// Exports lists the exported function names in order.
func (m *Module) Exports() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interface describes the module's exported functions as an interface so
// proxies can call them. Core value types map to s32, s64, f32 and f64.
func (m *Module) Interface(id wire.InterfaceID, name string) (*typemarshal.Interface, error) {
	defs := m.compiled.ExportedFunctions()
	iface := &typemarshal.Interface{ID: id, Name: name}
	for _, export := range m.Exports() {
		def := defs[export]
		method := typemarshal.Method{Name: export}
		for i, vt := range def.ParamTypes() {
			t, err := witType(vt)
			if err != nil {
				return nil, errors.Registration("export", export, err)
			}
			method.Params = append(method.Params, typemarshal.Param{Name: paramName(def.ParamNames(), i), Type: t})
		}
		for i, vt := range def.ResultTypes() {
			t, err := witType(vt)
			if err != nil {
				return nil, errors.Registration("export", export, err)
			}
			method.Results = append(method.Results, typemarshal.Param{Name: paramName(def.ResultNames(), i), Type: t})
		}
		iface.Methods = append(iface.Methods, method)
	}
	return iface, nil
}

// Instantiate creates a fresh instance exposed as an object implementing
// iids. Instances are anonymous so a module can be instantiated many times.
func (m *Module) Instantiate(ctx context.Context, iids ...wire.InterfaceID) (*Object, error) {
	inst, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "instantiate module")
	}
	o := &Object{
		module: inst,
		funcs:  make(map[string]api.Function),
		iids:   iids,
	}
	for name := range m.compiled.ExportedFunctions() {
		o.funcs[name] = inst.ExportedFunction(name)
	}
	Logger().Debug("instance created", zap.Int("exports", len(o.funcs)))
	return o, nil
}

func witType(vt api.ValueType) (wit.Type, error) {
	switch vt {
	case api.ValueTypeI32:
		return wit.S32{}, nil
	case api.ValueTypeI64:
		return wit.S64{}, nil
	case api.ValueTypeF32:
		return wit.F32{}, nil
	case api.ValueTypeF64:
		return wit.F64{}, nil
	}
	return nil, errors.Unsupported(errors.PhaseRegister, "value type "+api.ValueTypeName(vt))
}

func paramName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return "p" + strconv.Itoa(i)
}
