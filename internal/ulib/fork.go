package ulib

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

type forkState int

const (
	forkInitializing forkState = iota
	forkDuplicating
	forkFinalizing
	forkDone
)

func (s forkState) String() string {
	switch s {
	case forkInitializing:
		return "initializing"
	case forkDuplicating:
		return "duplicating"
	case forkFinalizing:
		return "finalizing"
	case forkDone:
		return "done"
	default:
		return "unknown"
	}
}

// Fork creates a child env whose address space is a copy-on-write copy of
// the caller's and returns the child's ID.
//
// The child does not return from Fork. It starts in child, with its own Env,
// once its address space is complete; when child returns the child exits.
// Every failure is fatal to the caller.
func (e *Env) Fork(child func(e *Env)) kernel.EnvID {
	log := e.log.With(zap.Stringer("parent", e.this.ID))
	log.Debug("fork", zap.Stringer("state", forkInitializing))

	e.SetPgfaultHandler((*Env).pgfault)

	kid := &Env{handler: e.handler}
	id, err := e.sys.Exofork(func(s *kernel.Sys) {
		kid.attach(s)
		child(kid)
	})
	if err != nil {
		e.failed("fork: exofork", err)
	}
	log = log.With(zap.Stringer("child", id))

	log.Debug("fork", zap.Stringer("state", forkDuplicating))
	e.duplicate(id)

	log.Debug("fork", zap.Stringer("state", forkFinalizing))
	if err := e.sys.PageAlloc(id, mem.UXSTACKTOP-mem.PGSIZE, permRW); err != nil {
		e.failed("fork: alloc child exception stack", err)
	}
	if err := e.sys.EnvSetPgfaultUpcall(id, kid.upcall); err != nil {
		e.failed("fork: set child upcall", err)
	}
	if err := e.sys.EnvSetStatus(id, kernel.StatusRunnable); err != nil {
		e.failed("fork: start child", err)
	}

	log.Debug("fork", zap.Stringer("state", forkDone))
	return id
}

// duplicate maps every present user page below USTACKTOP into child. Page
// tables that are not present are skipped whole. The exception stack is
// above USTACKTOP and is never shared.
func (e *Env) duplicate(child kernel.EnvID) {
	limit := mem.PGNUM(mem.USTACKTOP)

	for ptn := 0; ptn < mem.PDX(mem.UTOP); ptn++ {
		if !e.sys.VPD(ptn).HasFlags(mem.PermPresent) {
			continue
		}

		first := ptn * mem.NPTENTRIES
		last := min(first+mem.NPTENTRIES, limit)
		for pn := first; pn < last; pn++ {
			if e.sys.VPT(pn).HasFlags(permRO) {
				e.duppage(child, pn)
			}
		}
	}
}

// duppage maps virtual page pn into child at the same address. Writable and
// copy-on-write pages become copy-on-write in both envs; the caller's own
// mapping is remapped even when it is already copy-on-write, so a write
// between the two mappings can never leak into the child. Read-only pages
// are shared read-only. duppage never allocates.
func (e *Env) duppage(child kernel.EnvID, pn int) {
	va := mem.PGADDR(pn)

	if e.sys.VPT(pn).HasAnyFlag(mem.PermWrite | mem.PermCOW) {
		if err := e.sys.PageMap(0, va, child, va, permCOW); err != nil {
			e.failed("duppage: map child "+vaString(va), err)
		}
		if err := e.sys.PageMap(0, va, 0, va, permCOW); err != nil {
			e.failed("duppage: remap "+vaString(va), err)
		}
		return
	}

	if err := e.sys.PageMap(0, va, child, va, permRO); err != nil {
		e.failed("duppage: map child "+vaString(va), err)
	}
}

// SharedFork would create a child sharing every page but the stack with the
// caller. It is not implemented.
func (e *Env) SharedFork(child func(e *Env)) (kernel.EnvID, error) {
	return 0, kernel.ErrNotImplemented
}
