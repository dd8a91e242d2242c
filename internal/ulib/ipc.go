package ulib

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/cowfork/internal/kernel"
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// NoPage passed as a page address means no page is sent or wanted.
const NoPage = mem.UTOP

// Send delivers value, and the page at srcva if srcva is below UTOP, to env
// to. It retries until the receiver is waiting, yielding between attempts.
// Errors other than ctx ending are fatal.
func (e *Env) Send(ctx context.Context, to kernel.EnvID, value uint32, srcva uintptr, perm mem.Perm) error {
	for {
		err := e.sys.IPCTrySend(to, value, srcva, perm)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, kernel.ErrIPCNotRecv):
			if err := e.sys.Yield(ctx); err != nil {
				return err
			}
		default:
			e.failed("ipc send to "+to.String(), err)
		}
	}
}

// Recv waits for a message. If dstva is below UTOP a page sent along is
// mapped there.
func (e *Env) Recv(ctx context.Context, dstva uintptr) (kernel.Message, error) {
	return e.sys.IPCRecv(ctx, dstva)
}
