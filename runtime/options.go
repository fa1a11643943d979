package runtime

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/marshal-runtime/config"
	"github.com/wippyai/marshal-runtime/wire"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithOptions applies loaded configuration.
func WithOptions(o config.Options) Option {
	return func(r *Runtime) { r.opts = o }
}

// WithLogger routes runtime logging to l.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithTracerProvider sets the provider for call spans. The global provider
// is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) { r.tracerProvider = tp }
}

// WithTransport lets the runtime unmarshal references exported by other
// processes.
func WithTransport(t Transport) Option {
	return func(r *Runtime) { r.transport = t }
}

// WithProcessID fixes the process id written into cross-process references.
// A random id is used otherwise.
func WithProcessID(id uuid.UUID) Option {
	return func(r *Runtime) { r.process = id }
}

// WithChannel names the channel other processes reach this one on.
func WithChannel(name string) Option {
	return func(r *Runtime) { r.channel = name }
}

// MarshalOption adjusts a single Marshal call.
type MarshalOption func(*marshalOptions)

type marshalOptions struct {
	dest wire.Context
}

// Destination selects the context the reference is marshaled for.
func Destination(c wire.Context) MarshalOption {
	return func(o *marshalOptions) { o.dest = c }
}

// CrossProcess marshals for delivery to another process.
func CrossProcess() MarshalOption {
	return Destination(wire.CrossProcess)
}
