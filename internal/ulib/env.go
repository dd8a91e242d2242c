package ulib

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// Handler handles a page fault delivered to e. A handler that returns has
// repaired the fault; the faulting access is then retried.
type Handler func(e *Env, utf kernel.UTrapframe)

// Env is the user-level library state of one env: the analog of the data a
// C library keeps in its own address space (thisenv, the page fault handler).
// An Env must only be used from the goroutine of the env it belongs to.
type Env struct {
	sys     Syscalls
	this    kernel.EnvInfo
	log     *zap.Logger
	handler Handler
}

// NewEnv binds the library to an env's syscall handle.
func NewEnv(sys Syscalls) *Env {
	e := &Env{}
	e.attach(sys)
	return e
}

// Run adapts main to the kernel's entry point signature.
func Run(main func(e *Env)) kernel.Entry {
	return func(s *kernel.Sys) {
		main(NewEnv(s))
	}
}

// Spawn starts main as a new root env loaded from img.
func Spawn(k *kernel.Kernel, name string, img kernel.Image, main func(e *Env)) (kernel.EnvID, error) {
	return k.Spawn(name, img, Run(main))
}

// attach points e at sys and refreshes thisenv from the kernel.
func (e *Env) attach(sys Syscalls) {
	e.sys = sys
	e.this = sys.EnvInfo(sys.Getenvid())
	e.log = sys.Logger()
}

// ID returns the env's ID.
func (e *Env) ID() kernel.EnvID { return e.this.ID }

// This returns the env's descriptor as of the last refresh.
func (e *Env) This() kernel.EnvInfo { return e.this }

// Sys returns the raw syscall handle.
func (e *Env) Sys() Syscalls { return e.sys }

// Logger returns the env's logger.
func (e *Env) Logger() *zap.Logger { return e.log }

// Context returns a context that ends when the machine shuts down.
func (e *Env) Context() context.Context { return e.sys.Context() }

// Printf formats and writes to the console.
func (e *Env) Printf(format string, args ...any) {
	e.sys.Cputs(fmt.Sprintf(format, args...))
}

// Exit ends the env. It does not return.
func (e *Env) Exit() { e.sys.Exit() }

// fatal logs err and aborts the env. It does not return.
func (e *Env) fatal(err *FatalError) {
	err.Env = e.this.ID
	fields := []zap.Field{
		zap.String("op", err.Op),
		zap.Stringer("kind", err.Kind),
		zap.Error(err.Err),
	}
	if err.Kind == UnrepairableFault {
		fields = append(fields,
			zap.String("va", vaString(err.FaultVA)),
			zap.String("cause", kernel.DescribeFault(err.FaultErr)),
		)
	}
	e.log.Error("fatal", fields...)

	e.sys.Abort(err)
	panic(err)
}

// failed aborts the env because the syscall behind op returned err.
func (e *Env) failed(op string, err error) {
	e.fatal(&FatalError{Op: op, Kind: classify(err), Err: err})
}

// SetPgfaultHandler installs h as the env's page fault handler. The first
// call also allocates the exception stack and registers the upcall with the
// kernel.
func (e *Env) SetPgfaultHandler(h Handler) {
	if e.handler == nil {
		if err := e.sys.PageAlloc(0, mem.UXSTACKTOP-mem.PGSIZE, mem.PermPresent|mem.PermUser|mem.PermWrite); err != nil {
			e.failed("set pgfault handler: alloc exception stack", err)
		}
		if err := e.sys.EnvSetPgfaultUpcall(0, e.upcall); err != nil {
			e.failed("set pgfault handler: set upcall", err)
		}
	}
	e.handler = h
}

// upcall is the entry point the kernel runs on a page fault. It decodes the
// UTrapframe from the exception stack and dispatches to the handler.
func (e *Env) upcall(_ *kernel.Sys, utfva uintptr) {
	e.dispatch(utfva)
}

func (e *Env) dispatch(utfva uintptr) {
	buf := make([]byte, kernel.UTrapframeSize)
	e.sys.Read(utfva, buf)

	utf, err := kernel.DecodeUTrapframe(buf)
	if err != nil {
		e.fatal(&FatalError{Op: "pgfault upcall", Kind: MappingFailure, Err: err})
	}
	if e.handler == nil {
		e.fatal(&FatalError{
			Op:       "pgfault upcall",
			Kind:     UnrepairableFault,
			Err:      ErrNoHandler,
			FaultVA:  uintptr(utf.FaultVA),
			FaultErr: utf.Err,
		})
	}
	e.handler(e, utf)
}

func vaString(va uintptr) string { return fmt.Sprintf("%08x", va) }
