//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes reserved past the end of every
	// allocation in blocks managed by this module, as a landing zone for
	// out-of-bounds writes. Zero unless the debug_mem_utils build tag is
	// present.
	DebugMargin int = 0
)

// WriteMagicValue stamps the corruption-detection pattern across the
// DebugMargin bytes at the provided offset from data. A no-op without the
// debug_mem_utils build tag.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue reports whether the pattern written by WriteMagicValue
// is still intact. Always true without the debug_mem_utils build tag.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate runs a full consistency check of the provided object and
// panics if any invariant is broken. A no-op without the debug_mem_utils
// build tag.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 panics if the provided value is not a power of two. A no-op
// without the debug_mem_utils build tag.
func DebugCheckPow2[T Number](value T, name string) {
}
