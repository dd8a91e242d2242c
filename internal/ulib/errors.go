package ulib

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
)

var (
	// ErrNotWrite reports a page fault caused by a read.
	ErrNotWrite = errors.New("faulting access was not a write")
	// ErrNotCOW reports a write fault on a page not marked copy-on-write.
	ErrNotCOW = errors.New("page is not copy-on-write")
	// ErrNoHandler reports a page fault in an env with no handler installed.
	ErrNoHandler = errors.New("no page fault handler")
)

// Kind classifies fatal errors.
type Kind int

const (
	// UnrepairableFault is a page fault the handler refuses to repair.
	UnrepairableFault Kind = iota + 1
	// ResourceExhaustion is running out of frames or env slots.
	ResourceExhaustion
	// MappingFailure is any other failed page or env syscall.
	MappingFailure
)

func (k Kind) String() string {
	switch k {
	case UnrepairableFault:
		return "unrepairable fault"
	case ResourceExhaustion:
		return "resource exhaustion"
	case MappingFailure:
		return "mapping failure"
	default:
		return "unknown"
	}
}

// FatalError is what an env aborts with when the library cannot continue.
// FaultVA and FaultErr are only set for page fault errors.
type FatalError struct {
	Op       string
	Env      kernel.EnvID
	Kind     Kind
	Err      error
	FaultVA  uintptr
	FaultErr uint32
}

func (e *FatalError) Error() string {
	if e.Kind == UnrepairableFault {
		return fmt.Sprintf("[%s] %s: %s at va %08x (%s): %v",
			e.Env, e.Op, e.Kind, e.FaultVA, kernel.DescribeFault(e.FaultErr), e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s: %v", e.Env, e.Op, e.Kind, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// classify maps a syscall error onto a Kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, kernel.ErrNoMem), errors.Is(err, kernel.ErrNoFreeEnv):
		return ResourceExhaustion
	default:
		return MappingFailure
	}
}
