package interceptor

// ThreadService enumerates and controls the peer threads of the process. It
// is consulted while prologues are patched so that no thread observes a
// partially written instruction. The zero service (nil) is valid for
// single-threaded use and for tests.
type ThreadService interface {
	// EnumerateOtherThreads lists every thread of the process except the
	// calling one.
	EnumerateOtherThreads() ([]int, error)
	// Suspend stops the given thread.
	Suspend(tid int) error
	// Resume restarts the given thread.
	Resume(tid int) error
	// GetContext returns the register file of a suspended thread.
	GetContext(tid int) (*CPUContext, error)
	// SetInstructionPointer redirects a suspended thread.
	SetInstructionPointer(tid int, ip uintptr) error
}
