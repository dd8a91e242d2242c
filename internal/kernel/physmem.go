package kernel

import (
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

type page [mem.PGSIZE]byte

// physmem is the machine's pool of physical frames. Frames are reference
// counted: every page table entry pointing at a frame holds one reference and
// the frame returns to the free list when the last one goes away.
//
// Frame 0 is never handed out so that a zero PTE can never alias a real page.
type physmem struct {
	data []*page
	refs []int32
	free []mem.Frame
}

func newPhysmem(frames int) *physmem {
	pm := &physmem{
		data: make([]*page, frames),
		refs: make([]int32, frames),
		free: make([]mem.Frame, 0, frames),
	}
	// Hand out low frames first.
	for f := frames - 1; f >= 1; f-- {
		pm.free = append(pm.free, mem.Frame(f))
	}
	return pm
}

// alloc returns a zeroed frame with a reference count of zero.
func (pm *physmem) alloc() (mem.Frame, error) {
	if len(pm.free) == 0 {
		return 0, ErrNoMem
	}

	f := pm.free[len(pm.free)-1]
	pm.free = pm.free[:len(pm.free)-1]

	if pm.data[f] == nil {
		pm.data[f] = new(page)
	} else {
		*pm.data[f] = page{}
	}
	return f, nil
}

func (pm *physmem) incref(f mem.Frame) {
	pm.refs[f]++
}

func (pm *physmem) decref(f mem.Frame) {
	pm.refs[f]--
	switch {
	case pm.refs[f] == 0:
		pm.free = append(pm.free, f)
	case pm.refs[f] < 0:
		panic("physmem: decref on free frame")
	}
}

// release returns a frame obtained from alloc that never got mapped.
func (pm *physmem) release(f mem.Frame) {
	if pm.refs[f] == 0 {
		pm.free = append(pm.free, f)
	}
}

func (pm *physmem) ref(f mem.Frame) int32 { return pm.refs[f] }

func (pm *physmem) bytes(f mem.Frame) *page { return pm.data[f] }

func (pm *physmem) total() int { return len(pm.data) - 1 }

func (pm *physmem) available() int { return len(pm.free) }
