package kernel

import (
	"github.com/GriffinCanCode/cowfork/internal/kernel/mem"
)

type pageTable [mem.NPTENTRIES]mem.PTE

// pgdir is an env's two-level page table. Page tables are created on demand
// and live until the env is destroyed.
type pgdir struct {
	tables [mem.NPDENTRIES]*pageTable
}

// pdePerm is what a present page directory entry reads as through the
// read-only directory view.
const pdePerm = mem.PermPresent | mem.PermWrite | mem.PermUser

// walk returns a pointer to the PTE for va, allocating the page table if
// create is set. It returns nil if the table is missing and create is false.
func (pd *pgdir) walk(va uintptr, create bool) *mem.PTE {
	pt := pd.tables[mem.PDX(va)]
	if pt == nil {
		if !create {
			return nil
		}
		pt = new(pageTable)
		pd.tables[mem.PDX(va)] = pt
	}
	return &pt[mem.PTX(va)]
}

// lookup returns the entry mapping va if it is present.
func (pd *pgdir) lookup(va uintptr) (mem.PTE, bool) {
	pte := pd.walk(va, false)
	if pte == nil || !pte.HasFlags(mem.PermPresent) {
		return 0, false
	}
	return *pte, true
}

// insert maps frame f at va with perm|PermPresent, replacing any previous
// mapping. Re-inserting the frame already mapped at va only updates the
// permissions.
func (pd *pgdir) insert(pm *physmem, f mem.Frame, va uintptr, perm mem.Perm) {
	pte := pd.walk(va, true)

	// Take the new reference first so that remapping the same frame never
	// drops it to zero.
	pm.incref(f)
	if pte.HasFlags(mem.PermPresent) {
		pm.decref(pte.Frame())
	}
	*pte = mem.MakePTE(f, perm|mem.PermPresent)
}

// remove unmaps va. Unmapping an address with no mapping is a no-op.
func (pd *pgdir) remove(pm *physmem, va uintptr) {
	pte := pd.walk(va, false)
	if pte == nil || !pte.HasFlags(mem.PermPresent) {
		return
	}
	pm.decref(pte.Frame())
	*pte = 0
}

// release drops every mapping and every page table.
func (pd *pgdir) release(pm *physmem) {
	for pdx, pt := range pd.tables {
		if pt == nil {
			continue
		}
		for _, pte := range pt {
			if pte.HasFlags(mem.PermPresent) {
				pm.decref(pte.Frame())
			}
		}
		pd.tables[pdx] = nil
	}
}

// pde returns the page directory entry at index pdx.
func (pd *pgdir) pde(pdx int) mem.PTE {
	if pdx < 0 || pdx >= mem.NPDENTRIES || pd.tables[pdx] == nil {
		return 0
	}
	return mem.MakePTE(0, pdePerm)
}

// pte returns the page table entry for page number pn, or 0 when its page
// table does not exist.
func (pd *pgdir) pte(pn int) mem.PTE {
	if pn < 0 || pn >= mem.NPDENTRIES*mem.NPTENTRIES {
		return 0
	}
	pt := pd.tables[pn/mem.NPTENTRIES]
	if pt == nil {
		return 0
	}
	return pt[pn%mem.NPTENTRIES]
}

// pages counts the present mappings below UTOP.
func (pd *pgdir) pages() int {
	n := 0
	for pdx := 0; pdx < mem.PDX(mem.UTOP); pdx++ {
		pt := pd.tables[pdx]
		if pt == nil {
			continue
		}
		for _, pte := range pt {
			if pte.HasFlags(mem.PermPresent) {
				n++
			}
		}
	}
	return n
}
