package ulib

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// Syscalls is the kernel surface the library is built on. *kernel.Sys
// implements it.
type Syscalls interface {
	Getenvid() kernel.EnvID
	EnvInfo(id kernel.EnvID) kernel.EnvInfo
	Context() context.Context
	Logger() *zap.Logger
	Cputs(s string)
	Exit()
	Abort(err error)
	Yield(ctx context.Context) error

	Exofork(resume kernel.Entry) (kernel.EnvID, error)
	EnvSetStatus(id kernel.EnvID, status kernel.Status) error
	EnvSetPgfaultUpcall(id kernel.EnvID, upcall kernel.Upcall) error
	EnvDestroy(id kernel.EnvID) error

	PageAlloc(id kernel.EnvID, va uintptr, perm mem.Perm) error
	PageMap(srcid kernel.EnvID, srcva uintptr, dstid kernel.EnvID, dstva uintptr, perm mem.Perm) error
	PageUnmap(id kernel.EnvID, va uintptr) error

	IPCTrySend(to kernel.EnvID, value uint32, srcva uintptr, perm mem.Perm) error
	IPCRecv(ctx context.Context, dstva uintptr) (kernel.Message, error)

	VPD(pdx int) mem.PTE
	VPT(pn int) mem.PTE

	Read(va uintptr, p []byte)
	Write(va uintptr, p []byte)
	LoadWord(va uintptr) uint32
	StoreWord(va uintptr, v uint32)
}

var _ Syscalls = (*kernel.Sys)(nil)
