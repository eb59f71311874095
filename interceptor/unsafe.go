package interceptor

import (
	"unsafe"
)

// memSlice returns a byte slice aliasing n bytes of process memory at addr.
func memSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
