//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes reserved past the end of every
	// allocation in blocks managed by this module, as a landing zone for
	// out-of-bounds writes. Zero unless the debug_mem_utils build tag is
	// present.
	DebugMargin int = 16

	// corruptionDetectionMagicValue is the 4-byte pattern stamped across each
	// debug margin. An overrun that reaches the margin breaks the pattern.
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue stamps the corruption-detection pattern across the
// DebugMargin bytes at the provided offset from data. Allocators call it once
// per allocation, immediately past the payload.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	words := unsafe.Slice((*uint32)(unsafe.Add(data, offset)), DebugMargin/4)
	for i := range words {
		words[i] = corruptionDetectionMagicValue
	}
}

// ValidateMagicValue reports whether the pattern written by WriteMagicValue
// is still intact. False means something wrote past the end of its
// allocation.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	words := unsafe.Slice((*uint32)(unsafe.Add(data, offset)), DebugMargin/4)
	for _, word := range words {
		if word != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate runs a full consistency check of the provided object and
// panics if any invariant is broken. It gates the hot paths, so it compiles
// to nothing without the debug_mem_utils build tag.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if the provided value is not a power of two. The name
// identifies the value in the panic message.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}
