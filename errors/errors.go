package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseMarshal   Phase = "marshal"   // object reference export
	PhaseUnmarshal Phase = "unmarshal" // object reference import
	PhaseEncode    Phase = "encode"    // Go value to call buffer
	PhaseDecode    Phase = "decode"    // call buffer to Go value
	PhaseCall      Phase = "call"      // proxy call forwarding
	PhaseDispatch  Phase = "dispatch"  // apartment delivery and stub invocation
	PhaseRegister  Phase = "register"  // type marshaler and interface registration
	PhaseShutdown  Phase = "shutdown"  // apartment teardown
	PhaseConfig    Phase = "config"    // configuration loading
	PhaseLoad      Phase = "load"      // module loading
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedReference Kind = "malformed_reference"
	KindUnknownObject      Kind = "unknown_object"
	KindAlreadyConsumed    Kind = "already_consumed"
	KindDisconnected       Kind = "disconnected"
	KindWrongApartment     Kind = "wrong_apartment"
	KindCallRejected       Kind = "call_rejected"
	KindOutOfMemory        Kind = "out_of_memory"
	KindNoInterface        Kind = "no_interface"
	KindTypeMismatch       Kind = "type_mismatch"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindInvalidData        Kind = "invalid_data"
	KindInvalidUTF8        Kind = "invalid_utf8"
	KindOverflow           Kind = "overflow"
	KindInvalidVariant     Kind = "invalid_variant"
	KindUnsupported        Kind = "unsupported"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindRegistration       Kind = "registration"
	KindClosed             Kind = "closed"
	KindApplication        Kind = "application"
)

// Sentinels for errors.Is checks against a Kind regardless of Phase.
var (
	ErrMalformedReference = &Error{Kind: KindMalformedReference}
	ErrUnknownObject      = &Error{Kind: KindUnknownObject}
	ErrAlreadyConsumed    = &Error{Kind: KindAlreadyConsumed}
	ErrDisconnected       = &Error{Kind: KindDisconnected}
	ErrWrongApartment     = &Error{Kind: KindWrongApartment}
	ErrCallRejected       = &Error{Kind: KindCallRejected}
	ErrOutOfMemory        = &Error{Kind: KindOutOfMemory}
	ErrNoInterface        = &Error{Kind: KindNoInterface}
	ErrClosed             = &Error{Kind: KindClosed}
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	GoType   string
	WireType string
	Detail   string
	Path     []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.WireType != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.WireType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", wire type ")
			b.WriteString(e.WireType)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("wire type ")
			b.WriteString(e.WireType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.WireType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// WireType sets the wire type name
func (b *Builder) WireType(t string) *Builder {
	b.err.WireType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// MalformedReference creates an error for wire bytes that cannot be decoded
func MalformedReference(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMalformedReference,
		Detail: detail,
		Cause:  cause,
	}
}

// UnknownObject creates a stub table miss error
func UnknownObject(phase Phase, apartmentID, objectID uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnknownObject,
		Detail: fmt.Sprintf("object %d not registered in apartment %d", objectID, apartmentID),
		Value:  objectID,
	}
}

// AlreadyConsumed creates an error for a second unmarshal of a normal reference
func AlreadyConsumed(phase Phase, objectID, ticket uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlreadyConsumed,
		Detail: fmt.Sprintf("reference %d to object %d already consumed", ticket, objectID),
		Value:  ticket,
	}
}

// Disconnected creates an error for calls on a torn down stub or apartment
func Disconnected(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDisconnected,
		Detail: detail,
	}
}

// WrongApartment creates an apartment affinity violation error
func WrongApartment(phase Phase, bound, caller uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindWrongApartment,
		Detail: fmt.Sprintf("proxy bound to apartment %d called from apartment %d", bound, caller),
	}
}

// CallRejected creates a call filter veto error
func CallRejected(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCallRejected,
		Detail: detail,
	}
}

// OutOfMemory creates an allocation failure error
func OutOfMemory(phase Phase, size, limit uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfMemory,
		Detail: fmt.Sprintf("failed to allocate %d bytes (limit %d)", size, limit),
		Value:  size,
	}
}

// NoInterface creates an error for an object that does not implement an interface
func NoInterface(phase Phase, iface string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNoInterface,
		Detail: fmt.Sprintf("object does not implement %s", iface),
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, goType, wireType string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindTypeMismatch,
		Path:     path,
		GoType:   goType,
		WireType: wireType,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// InvalidDiscriminant creates an invalid discriminant error for variants
func InvalidDiscriminant(phase Phase, path []string, disc uint32, maxValid uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidVariant,
		Path:   path,
		Detail: fmt.Sprintf("discriminant %d out of range (max %d)", disc, maxValid),
		Value:  disc,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, offset, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("offset %d out of bounds (length %d)", offset, length),
		Value:  offset,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:    phase,
		Kind:     KindOverflow,
		Path:     path,
		WireType: targetType,
		Detail:   fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:    value,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(what, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseRegister,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s %q", what, name),
		Cause:  cause,
	}
}

// Closed creates an error for operations on a closed runtime or apartment
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", what),
	}
}

// Application wraps an error returned by the real object's method
func Application(detail string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindApplication,
		Detail: detail,
	}
}
