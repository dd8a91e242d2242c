package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// yieldSlice bounds how long Yield sleeps when nothing in the machine
// changes, standing in for the scheduler's time slice.
const yieldSlice = 10 * time.Millisecond

// Sys is the syscall surface as seen by one env. The kernel creates one per
// env goroutine and passes it to the env's Entry; every method acts on
// behalf of that env.
//
// Methods that find the calling env destroyed do not return: the env's
// goroutine exits.
type Sys struct {
	k   *Kernel
	env *Env
	id  EnvID

	// seen is the change channel current when the env last left the kernel.
	// Yield returns as soon as it is closed, so nothing that happens between
	// a failed IPCTrySend and the following Yield is missed.
	seen chan struct{}
}

// enter takes the kernel lock on behalf of a syscall. The caller must
// release it with leave.
func (s *Sys) enter(name string) {
	s.k.mu.Lock()
	if !s.env.alive(s.id) {
		s.k.mu.Unlock()
		runtime.Goexit()
	}

	// A stopped env parks at its next kernel entry until made runnable.
	for s.env.status == StatusNotRunnable {
		ch := s.k.changed
		s.k.mu.Unlock()
		<-ch
		s.k.mu.Lock()
		if !s.env.alive(s.id) {
			s.k.mu.Unlock()
			runtime.Goexit()
		}
	}

	if name != "" {
		s.env.stats.Syscalls++
	}
}

func (s *Sys) leave(name string, err error) {
	s.seen = s.k.changed
	s.k.mu.Unlock()
	if name != "" {
		s.k.metrics.RecordSyscall(name, err)
	}
}

// exitLocked destroys the calling env and terminates its goroutine. The
// kernel lock must be held.
func (s *Sys) exitLocked(reason ExitReason, err error) {
	s.k.destroyLocked(s.env, reason, err)
	s.k.mu.Unlock()
	runtime.Goexit()
}

// Context returns a context that ends when the machine shuts down.
func (s *Sys) Context() context.Context { return s.k.ctx }

// Logger returns a logger tagged with the calling env.
func (s *Sys) Logger() *zap.Logger {
	return s.k.logger.Named("env").With(envField(s.id))
}

// Getenvid returns the calling env's ID.
func (s *Sys) Getenvid() EnvID {
	s.enter("getenvid")
	defer s.leave("getenvid", nil)
	return s.env.id
}

// EnvInfo returns the read-only descriptor of the env table slot that id maps
// to. The descriptor may belong to a different generation than id.
func (s *Sys) EnvInfo(id EnvID) EnvInfo {
	s.enter("")
	defer s.leave("", nil)
	return s.k.envs[ENVX(id)%len(s.k.envs)].info()
}

// Cputs prints str on the machine console.
func (s *Sys) Cputs(str string) {
	s.enter("cputs")
	defer s.leave("cputs", nil)
	_, _ = fmt.Fprint(s.k.console, str)
}

// Exit destroys the calling env. It does not return.
func (s *Sys) Exit() {
	s.enter("exit")
	s.k.metrics.RecordSyscall("exit", nil)
	s.exitLocked(ExitNormal, nil)
}

// Abort destroys the calling env because of an unrecoverable error. It does
// not return.
func (s *Sys) Abort(err error) {
	s.enter("abort")
	s.k.metrics.RecordSyscall("abort", nil)
	s.exitLocked(ExitPanic, err)
}

// EnvDestroy destroys env id, which must be the caller or one of its
// children. Destroying the caller does not return.
func (s *Sys) EnvDestroy(id EnvID) (err error) {
	s.enter("env_destroy")
	e, err := s.k.envid2env(s.env, id, true)
	if err != nil {
		s.leave("env_destroy", err)
		return err
	}

	if e == s.env {
		s.k.metrics.RecordSyscall("env_destroy", nil)
		s.exitLocked(ExitNormal, nil)
	}

	s.k.destroyLocked(e, ExitKilled, nil)
	s.leave("env_destroy", nil)
	return nil
}

// Yield gives up the CPU until something in the machine changes, a time
// slice elapses or ctx is done.
func (s *Sys) Yield(ctx context.Context) error {
	s.enter("yield")
	ch := s.seen
	s.leave("yield", nil)

	timer := time.NewTimer(yieldSlice)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Exofork creates a new env with an empty address space below UTOP, the
// caller as parent and status NotRunnable. When the child is made runnable
// its goroutine starts at resume, which plays the role of "exofork returned
// 0". The parent gets the child's ID.
func (s *Sys) Exofork(resume Entry) (EnvID, error) {
	s.enter("exofork")

	e, err := s.k.allocEnvLocked(s.env.id, s.env.name)
	if err != nil {
		s.leave("exofork", err)
		return 0, err
	}
	e.entry = resume
	s.k.forks++
	s.k.metrics.RecordFork()

	s.k.logger.Debug("exofork", envField(s.env.id), zap.Stringer("child", e.id))
	s.leave("exofork", nil)
	return e.id, nil
}

// EnvSetStatus sets the status of env id to StatusRunnable or
// StatusNotRunnable. The first time an env becomes runnable its goroutine is
// started.
func (s *Sys) EnvSetStatus(id EnvID, status Status) error {
	s.enter("env_set_status")

	if status != StatusRunnable && status != StatusNotRunnable {
		s.leave("env_set_status", ErrInval)
		return ErrInval
	}

	e, err := s.k.envid2env(s.env, id, true)
	if err != nil {
		s.leave("env_set_status", err)
		return err
	}

	if status == StatusRunnable {
		s.k.startLocked(e)
	} else {
		e.status = StatusNotRunnable
		s.k.notifyLocked()
	}

	s.leave("env_set_status", nil)
	return nil
}

// EnvSetPgfaultUpcall installs the user-mode page fault entry point of env
// id.
func (s *Sys) EnvSetPgfaultUpcall(id EnvID, upcall Upcall) error {
	s.enter("env_set_pgfault_upcall")

	e, err := s.k.envid2env(s.env, id, true)
	if err != nil {
		s.leave("env_set_pgfault_upcall", err)
		return err
	}
	e.upcall = upcall

	s.leave("env_set_pgfault_upcall", nil)
	return nil
}

// checkPerm validates permissions passed to page syscalls: PermUser and
// PermPresent are required and nothing outside PermSyscall is allowed.
func checkPerm(perm mem.Perm) error {
	if !perm.Has(mem.PermUser|mem.PermPresent) || perm&^mem.PermSyscall != 0 {
		return ErrInval
	}
	return nil
}

// PageAlloc allocates a zeroed frame and maps it at va in env id with perm,
// replacing any existing mapping.
func (s *Sys) PageAlloc(id EnvID, va uintptr, perm mem.Perm) error {
	s.enter("page_alloc")
	err := s.pageAllocLocked(id, va, perm)
	s.leave("page_alloc", err)
	return err
}

func (s *Sys) pageAllocLocked(id EnvID, va uintptr, perm mem.Perm) error {
	e, err := s.k.envid2env(s.env, id, true)
	if err != nil {
		return err
	}
	if err := checkUserVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}

	f, err := s.k.phys.alloc()
	if err != nil {
		return err
	}
	e.pgdir.insert(s.k.phys, f, va, perm)
	s.k.metrics.SetPagesInUse(s.k.phys.total() - s.k.phys.available())
	return nil
}

// PageMap maps the frame at srcva in env srcid at dstva in env dstid with
// perm. A writable mapping can only be made of a writable source mapping.
func (s *Sys) PageMap(srcid EnvID, srcva uintptr, dstid EnvID, dstva uintptr, perm mem.Perm) error {
	s.enter("page_map")
	err := s.pageMapLocked(srcid, srcva, dstid, dstva, perm)
	s.leave("page_map", err)
	return err
}

func (s *Sys) pageMapLocked(srcid EnvID, srcva uintptr, dstid EnvID, dstva uintptr, perm mem.Perm) error {
	src, err := s.k.envid2env(s.env, srcid, true)
	if err != nil {
		return err
	}
	dst, err := s.k.envid2env(s.env, dstid, true)
	if err != nil {
		return err
	}
	if err := checkUserVA(srcva); err != nil {
		return err
	}
	if err := checkUserVA(dstva); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}

	pte, ok := src.pgdir.lookup(srcva)
	if !ok {
		return ErrInval
	}
	if perm.Has(mem.PermWrite) && !pte.HasFlags(mem.PermWrite) {
		return ErrInval
	}

	dst.pgdir.insert(s.k.phys, pte.Frame(), dstva, perm)
	return nil
}

// PageUnmap removes the mapping at va in env id. Unmapping an unmapped
// address succeeds.
func (s *Sys) PageUnmap(id EnvID, va uintptr) error {
	s.enter("page_unmap")
	err := s.pageUnmapLocked(id, va)
	s.leave("page_unmap", err)
	return err
}

func (s *Sys) pageUnmapLocked(id EnvID, va uintptr) error {
	e, err := s.k.envid2env(s.env, id, true)
	if err != nil {
		return err
	}
	if err := checkUserVA(va); err != nil {
		return err
	}

	e.pgdir.remove(s.k.phys, va)
	s.k.metrics.SetPagesInUse(s.k.phys.total() - s.k.phys.available())
	return nil
}

// VPD returns the calling env's page directory entry at index pdx, as seen
// through the read-only directory mapping.
func (s *Sys) VPD(pdx int) mem.PTE {
	s.enter("")
	defer s.leave("", nil)
	return s.env.pgdir.pde(pdx)
}

// VPT returns the calling env's page table entry for page number pn, as seen
// through the read-only page table mapping. It is zero when the covering
// page table does not exist.
func (s *Sys) VPT(pn int) mem.PTE {
	s.enter("")
	defer s.leave("", nil)
	return s.env.pgdir.pte(pn)
}

// IsShutdown reports whether err means the machine went away under the
// caller.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled)
}
