// Package errors provides structured error types for the marshal runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, Go/wire type names, and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
//		Path("args", "0").
//		GoType("string").
//		WireType("u32").
//		Detail("cannot convert string to integer").
//		Build()
//
// Or use convenience constructors for the marshaling taxonomy:
//
//	err := errors.UnknownObject(errors.PhaseUnmarshal, aptID, objID)
//	err := errors.AlreadyConsumed(errors.PhaseUnmarshal, objID, ticket)
//
// Sentinels match on Kind regardless of Phase:
//
//	if errors.Is(err, errors.ErrDisconnected) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
