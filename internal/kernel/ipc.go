package kernel

import (
	"context"
	"runtime"

	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// ipcState is the receive half of an env's IPC rendezvous.
type ipcState struct {
	recving bool
	dstva   uintptr
	value   uint32
	from    EnvID
	perm    mem.Perm
}

// Message is what IPCRecv returns.
type Message struct {
	Value uint32
	From  EnvID
	// Perm is the permission of the page mapped at the receiver's dstva, or
	// zero if no page was transferred.
	Perm mem.Perm
}

// IPCTrySend tries once to deliver value to env to. It fails with
// ErrIPCNotRecv if the target is not blocked in IPCRecv.
//
// If srcva is below UTOP the page mapped there is also shared with the
// receiver, at the receiver's dstva and with perm, provided the receiver
// asked for a page. Any env may send to any other env.
func (s *Sys) IPCTrySend(to EnvID, value uint32, srcva uintptr, perm mem.Perm) error {
	s.enter("ipc_try_send")
	err := s.ipcTrySendLocked(to, value, srcva, perm)
	s.leave("ipc_try_send", err)
	if err == nil {
		s.k.metrics.RecordIPC()
	}
	return err
}

func (s *Sys) ipcTrySendLocked(to EnvID, value uint32, srcva uintptr, perm mem.Perm) error {
	target, err := s.k.envid2env(s.env, to, false)
	if err != nil {
		return err
	}
	if !target.ipc.recving {
		return ErrIPCNotRecv
	}

	var sent mem.Perm
	if srcva < mem.UTOP {
		if !mem.Aligned(srcva) {
			return ErrInval
		}
		if err := checkPerm(perm); err != nil {
			return err
		}
		pte, ok := s.env.pgdir.lookup(srcva)
		if !ok {
			return ErrInval
		}
		if perm.Has(mem.PermWrite) && !pte.HasFlags(mem.PermWrite) {
			return ErrInval
		}
		if target.ipc.dstva < mem.UTOP {
			target.pgdir.insert(s.k.phys, pte.Frame(), target.ipc.dstva, perm)
			sent = perm
		}
	}

	target.ipc = ipcState{value: value, from: s.env.id, perm: sent}
	s.k.notifyLocked()
	return nil
}

// IPCRecv blocks until a message arrives, ctx is done or the machine shuts
// down. If dstva is below UTOP the caller is willing to receive a page there.
func (s *Sys) IPCRecv(ctx context.Context, dstva uintptr) (Message, error) {
	s.enter("ipc_recv")

	if dstva < mem.UTOP && !mem.Aligned(dstva) {
		s.leave("ipc_recv", ErrInval)
		return Message{}, ErrInval
	}

	s.env.ipc = ipcState{recving: true, dstva: dstva}
	s.k.notifyLocked()

	for s.env.ipc.recving {
		ch := s.k.changed
		s.k.mu.Unlock()

		select {
		case <-ch:
			s.k.mu.Lock()
		case <-ctx.Done():
			s.k.mu.Lock()
			if s.env.alive(s.id) && s.env.ipc.recving {
				s.env.ipc.recving = false
				s.leave("ipc_recv", ctx.Err())
				return Message{}, ctx.Err()
			}
		}

		if !s.env.alive(s.id) {
			s.k.mu.Unlock()
			runtime.Goexit()
		}
	}

	msg := Message{Value: s.env.ipc.value, From: s.env.ipc.from, Perm: s.env.ipc.perm}
	s.leave("ipc_recv", nil)
	return msg, nil
}
