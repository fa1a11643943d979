// Package abi provides internal helpers for the type marshalers.
//
// # Contents
//
//   - coerce.go: numeric coercion from loosely typed Go values
//   - helpers.go: overflow-safe arithmetic, limits and value validation
//
// This package is internal to typemarshal.
package abi
