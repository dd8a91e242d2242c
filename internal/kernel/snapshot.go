package kernel

import (
	"fmt"

	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

// EnvSnapshot describes one live env.
type EnvSnapshot struct {
	ID        EnvID  `json:"id"`
	ParentID  EnvID  `json:"parent_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Pages     int    `json:"pages"`
	Faults    uint64 `json:"faults"`
	Syscalls  uint64 `json:"syscalls"`
	Recving   bool   `json:"recving"`
	HasUpcall bool   `json:"has_upcall"`
}

// Stats are machine-wide counters.
type Stats struct {
	Live       int    `json:"live"`
	MaxLive    int    `json:"max_live"`
	FreeFrames int    `json:"free_frames"`
	UsedFrames int    `json:"used_frames"`
	Forks      uint64 `json:"forks"`
	Faults     uint64 `json:"faults"`
	Exits      uint64 `json:"exits"`
}

// Snapshot lists every live env in table order.
func (k *Kernel) Snapshot() []EnvSnapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]EnvSnapshot, 0, k.live)
	for _, e := range k.envs {
		if !e.alive(e.id) {
			continue
		}
		out = append(out, EnvSnapshot{
			ID:        e.id,
			ParentID:  e.parentID,
			Name:      e.name,
			Status:    e.status.String(),
			Pages:     e.pgdir.pages(),
			Faults:    e.stats.Faults,
			Syscalls:  e.stats.Syscalls,
			Recving:   e.ipc.recving,
			HasUpcall: e.upcall != nil,
		})
	}
	return out
}

// Stats returns machine-wide counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()

	return Stats{
		Live:       k.live,
		MaxLive:    k.maxLive,
		FreeFrames: k.phys.available(),
		UsedFrames: k.phys.total() - k.phys.available(),
		Forks:      k.forks,
		Faults:     k.faults,
		Exits:      k.exitCount,
	}
}

// Lookup returns the page table entry mapping va in env id.
func (k *Kernel) Lookup(id EnvID, va uintptr) (mem.PTE, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.lookupLocked(id)
	if err != nil {
		return 0, false
	}
	return e.pgdir.lookup(va)
}

// FrameRefs returns the number of mappings of frame f.
func (k *Kernel) FrameRefs(f mem.Frame) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	if int(f) >= len(k.phys.refs) {
		return 0
	}
	return int(k.phys.ref(f))
}

// Peek reads n bytes at va in env id without permission checks or faults.
// The range must not cross a page boundary.
func (k *Kernel) Peek(id EnvID, va uintptr, n int) ([]byte, error) {
	if n < 0 || mem.PGOFF(va)+uintptr(n) > mem.PGSIZE {
		return nil, ErrInval
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	pte, ok := e.pgdir.lookup(va)
	if !ok {
		return nil, fmt.Errorf("peek %08x: %w", va, ErrFault)
	}

	off := mem.PGOFF(va)
	out := make([]byte, n)
	copy(out, k.phys.bytes(pte.Frame())[off:off+uintptr(n)])
	return out, nil
}

// ExitRecord returns how env id ended, if it has and the record has not
// been evicted.
func (k *Kernel) ExitRecord(id EnvID) (ExitRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.exits[id]
	return rec, ok
}

// Exits returns the retained exit records.
func (k *Kernel) Exits() []ExitRecord {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]ExitRecord, 0, len(k.exits))
	for _, rec := range k.exits {
		out = append(out, rec)
	}
	return out
}
