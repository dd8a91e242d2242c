package kernel

import "errors"

// Syscall errors. Every syscall returns one of these (possibly wrapped) or nil.
var (
	ErrBadEnv         = errors.New("bad environment")
	ErrInval          = errors.New("invalid parameter")
	ErrNoMem          = errors.New("out of memory")
	ErrNoFreeEnv      = errors.New("out of environments")
	ErrFault          = errors.New("segmentation fault")
	ErrIPCNotRecv     = errors.New("env is not recving")
	ErrNotImplemented = errors.New("not implemented")
	ErrShutdown       = errors.New("machine is shut down")
)

// ExitReason describes why an env stopped existing.
type ExitReason string

const (
	ExitNormal   ExitReason = "exit"
	ExitPanic    ExitReason = "panic"
	ExitKilled   ExitReason = "killed"
	ExitFault    ExitReason = "fault"
	ExitShutdown ExitReason = "shutdown"
)

// ExitRecord is kept for every destroyed env so that observers can tell how
// it ended.
type ExitRecord struct {
	ID     EnvID
	Name   string
	Reason ExitReason
	Err    error
}
