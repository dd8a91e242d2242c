package kernel

import (
	"fmt"
	"strconv"

	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// EnvID identifies an env as generation<<12 | index. The low LogNEnv bits
// index the env table and the generation counts up from bit 12, so a recycled
// slot never reuses an ID. Zero passed to a syscall means "the calling env".
type EnvID int32

const (
	// LogNEnv is log2 of the largest env table the machine supports.
	LogNEnv = 10
	// NEnv is the largest env table the machine supports.
	NEnv = 1 << LogNEnv

	envGenShift = 12
)

// ENVX returns the env table index encoded in id.
func ENVX(id EnvID) int { return int(id) & (NEnv - 1) }

// String formats the ID the way diagnostics print it.
func (id EnvID) String() string { return fmt.Sprintf("%08x", uint32(id)) }

// MarshalText encodes the ID in its printed form.
func (id EnvID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText parses an ID in its printed form.
func (id *EnvID) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return fmt.Errorf("env id %q: %w", b, ErrInval)
	}
	*id = EnvID(v)
	return nil
}

// Status is the run state of an env.
type Status int

const (
	StatusFree Status = iota
	StatusDying
	StatusRunnable
	StatusRunning
	StatusNotRunnable
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusFree:
		return "free"
	case StatusDying:
		return "dying"
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusNotRunnable:
		return "not-runnable"
	default:
		return "unknown"
	}
}

// Entry is where an env's goroutine starts executing once the env becomes
// runnable. For a forked env it is the resume point captured by Exofork.
type Entry func(s *Sys)

// Upcall is a user-mode page fault entry point. It runs on the faulting env's
// own goroutine with utfva pointing at the UTrapframe the kernel pushed onto
// the env's exception stack.
type Upcall func(s *Sys, utfva uintptr)

// EnvInfo is the read-only view of an env table slot that user code can see.
type EnvInfo struct {
	ID       EnvID
	ParentID EnvID
	Name     string
	Status   Status
}

// EnvStats counts per-env events.
type EnvStats struct {
	Syscalls uint64
	Faults   uint64
	Runs     uint64
}

// Env is a slot in the env table.
type Env struct {
	id       EnvID
	parentID EnvID
	name     string
	status   Status

	pgdir pgdir

	entry    Entry
	upcall   Upcall
	inUpcall bool
	started  bool

	ipc ipcState

	stats EnvStats
}

func (e *Env) info() EnvInfo {
	return EnvInfo{ID: e.id, ParentID: e.parentID, Name: e.name, Status: e.status}
}

// alive reports whether the slot still holds the env with the given ID.
func (e *Env) alive(id EnvID) bool {
	return e.id == id && e.status != StatusFree && e.status != StatusDying
}

// allocEnvLocked takes a free slot and initialises it for a new env.
func (k *Kernel) allocEnvLocked(parentID EnvID, name string) (*Env, error) {
	if len(k.freeEnvs) == 0 {
		return nil, ErrNoFreeEnv
	}

	idx := k.freeEnvs[0]
	k.freeEnvs = k.freeEnvs[1:]
	e := k.envs[idx]

	gen := (e.id + (1 << envGenShift)) &^ (NEnv - 1)
	if gen <= 0 {
		gen = 1 << envGenShift
	}

	*e = Env{
		id:       gen | EnvID(idx),
		parentID: parentID,
		name:     name,
		status:   StatusNotRunnable,
	}

	k.live++
	if k.live > k.maxLive {
		k.maxLive = k.live
	}
	k.metrics.SetEnvsLive(k.live)
	return e, nil
}

// envid2env converts id to an env. If checkperm is set the env must be the
// caller or the caller's immediate child.
func (k *Kernel) envid2env(cur *Env, id EnvID, checkperm bool) (*Env, error) {
	if id == 0 {
		return cur, nil
	}

	if ENVX(id) >= len(k.envs) {
		return nil, ErrBadEnv
	}
	e := k.envs[ENVX(id)]
	if !e.alive(id) {
		return nil, ErrBadEnv
	}
	if checkperm && e != cur && e.parentID != cur.id {
		return nil, ErrBadEnv
	}
	return e, nil
}

// destroyLocked frees an env's address space and returns its slot to the
// free list.
func (k *Kernel) destroyLocked(e *Env, reason ExitReason, err error) {
	if e.status == StatusFree {
		return
	}

	e.pgdir.release(k.phys)
	e.upcall = nil
	e.entry = nil
	e.ipc = ipcState{}
	e.status = StatusFree

	k.recordExitLocked(ExitRecord{ID: e.id, Name: e.name, Reason: reason, Err: err})
	k.freeEnvs = append(k.freeEnvs, ENVX(e.id))
	k.live--

	k.metrics.SetEnvsLive(k.live)
	k.metrics.SetPagesInUse(k.phys.total() - k.phys.available())
	k.metrics.RecordExit(string(reason))

	log := k.logger.With(envField(e.id))
	if err != nil {
		log.Warn("env destroyed", reasonField(reason), errField(err))
	} else {
		log.Info("env destroyed", reasonField(reason))
	}

	// Only the parent may start a child, so one it never started can never
	// run and would hold its slot and frames forever.
	orphanReason, orphanErr := ExitKilled, error(nil)
	if reason == ExitShutdown {
		orphanReason, orphanErr = reason, err
	}
	for _, c := range k.envs {
		if c.status != StatusFree && c.parentID == e.id && !c.started {
			k.destroyLocked(c, orphanReason, orphanErr)
		}
	}

	k.notifyLocked()
}

// recordExitLocked keeps rec, evicting the oldest record once the machine
// holds maxExits of them.
func (k *Kernel) recordExitLocked(rec ExitRecord) {
	k.exitCount++
	if _, ok := k.exits[rec.ID]; !ok {
		k.exitOrder = append(k.exitOrder, rec.ID)
	}
	k.exits[rec.ID] = rec

	for len(k.exitOrder) > k.maxExits {
		delete(k.exits, k.exitOrder[0])
		k.exitOrder = k.exitOrder[1:]
	}
}

// checkUserVA rejects addresses syscalls may not map: unaligned or at or
// above UTOP.
func checkUserVA(va uintptr) error {
	if va >= mem.UTOP || !mem.Aligned(va) {
		return ErrInval
	}
	return nil
}
