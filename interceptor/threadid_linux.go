package interceptor

import (
	"golang.org/x/sys/unix"
)

// threadID returns the identity of the calling OS thread. Callers which rely
// on per-thread state (ignore regions, invocation lookup) should pin their
// goroutine with runtime.LockOSThread.
func threadID() int {
	return unix.Gettid()
}
