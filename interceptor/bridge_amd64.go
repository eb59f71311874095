package interceptor

import (
	"reflect"
)

// C-ABI entry points the trampoline thunks call into; implemented in
// thunk_amd64.s. They adapt the System V register arguments to the Go
// calling convention and forward to the dispatchers. Listener dispatch
// relies on the intercepted call running on a Go-managed thread.
func enterBridge()
func leaveBridge()

// enterBridgeAddr returns the code address baked into on-enter thunks.
func enterBridgeAddr() uintptr {
	return reflect.ValueOf(enterBridge).Pointer()
}

// leaveBridgeAddr returns the code address baked into on-leave thunks.
func leaveBridgeAddr() uintptr {
	return reflect.ValueOf(leaveBridge).Pointer()
}
