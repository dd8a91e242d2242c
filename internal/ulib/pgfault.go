package ulib

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

const (
	permCOW = mem.PermPresent | mem.PermUser | mem.PermCOW
	permRW  = mem.PermPresent | mem.PermUser | mem.PermWrite
	permRO  = mem.PermPresent | mem.PermUser
)

// pgfault is the copy-on-write fault handler. A write to a page mapped
// P|U|COW gets a private writable copy of the page at the same address;
// every other fault is fatal and nothing is remapped.
//
// The copy is staged at PFTEMP, a single slot per env, so the handler must
// not be re-entered. The kernel never delivers a fault while the upcall is
// running.
func (e *Env) pgfault(utf kernel.UTrapframe) {
	va := uintptr(utf.FaultVA)

	unrepairable := func(err error) {
		e.fatal(&FatalError{
			Op:       "pgfault",
			Kind:     UnrepairableFault,
			Err:      err,
			FaultVA:  va,
			FaultErr: utf.Err,
		})
	}

	if utf.Err&kernel.FECWrite == 0 {
		unrepairable(ErrNotWrite)
	}
	if !e.sys.VPD(mem.PDX(va)).HasFlags(mem.PermPresent) ||
		!e.sys.VPT(mem.PGNUM(va)).HasFlags(permCOW) {
		unrepairable(ErrNotCOW)
	}

	addr := mem.RoundDown(va)

	if err := e.sys.PageAlloc(0, mem.PFTEMP, permRW); err != nil {
		e.failed("pgfault: alloc PFTEMP", err)
	}

	buf := make([]byte, mem.PGSIZE)
	e.sys.Read(addr, buf)
	e.sys.Write(mem.PFTEMP, buf)

	if err := e.sys.PageMap(0, mem.PFTEMP, 0, addr, permRW); err != nil {
		e.failed("pgfault: map copy", err)
	}
	if err := e.sys.PageUnmap(0, mem.PFTEMP); err != nil {
		e.failed("pgfault: unmap PFTEMP", err)
	}

	e.log.Debug("copied on write", zap.String("va", vaString(addr)))
}
