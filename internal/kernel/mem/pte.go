package mem

import "strings"

// Perm is a set of page table entry permission bits.
type Perm uint32

const (
	// PermPresent marks a mapping as valid.
	PermPresent Perm = 0x001
	// PermWrite allows writes through the mapping.
	PermWrite Perm = 0x002
	// PermUser allows user-mode access.
	PermUser Perm = 0x004

	// PermAvail are the bits the hardware ignores and user code may use freely.
	PermAvail Perm = 0xE00

	// PermCOW marks a read-only mapping of a frame that may be shared with
	// other envs. It lives in one of the PermAvail bits.
	PermCOW Perm = 0x800

	// PermSyscall is the set of bits user code may pass to page syscalls.
	PermSyscall = PermAvail | PermPresent | PermWrite | PermUser

	permMask Perm = 0xFFF
)

// Has returns true if all the input bits are set.
func (p Perm) Has(bits Perm) bool { return p&bits == bits }

// HasAny returns true if at least one of the input bits is set.
func (p Perm) HasAny(bits Perm) bool { return p&bits != 0 }

// String renders the set in the "PUW-C" style used by diagnostics.
func (p Perm) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		bit Perm
		c   byte
	}{{PermPresent, 'P'}, {PermUser, 'U'}, {PermWrite, 'W'}, {PermCOW, 'C'}} {
		if p.Has(f.bit) {
			sb.WriteByte(f.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// Frame is a physical page index.
type Frame uint32

// Address returns the physical address of the frame.
func (f Frame) Address() uintptr { return uintptr(f) << PGSHIFT }

// PTE is a page table (or page directory) entry: a frame number in the high
// 20 bits and permission bits in the low 12.
type PTE uint32

// MakePTE builds an entry pointing at frame with the given permissions.
func MakePTE(frame Frame, perm Perm) PTE {
	return PTE(uint32(frame)<<PGSHIFT | uint32(perm&permMask))
}

// HasFlags returns true if this entry has all the input bits set.
func (pte PTE) HasFlags(bits Perm) bool { return Perm(pte).Has(bits) }

// HasAnyFlag returns true if this entry has at least one of the input bits set.
func (pte PTE) HasAnyFlag(bits Perm) bool { return Perm(pte).HasAny(bits) }

// SetFlags sets the input bits.
func (pte *PTE) SetFlags(bits Perm) { *pte |= PTE(bits & permMask) }

// ClearFlags unsets the input bits.
func (pte *PTE) ClearFlags(bits Perm) { *pte &^= PTE(bits & permMask) }

// Perm returns the permission bits of the entry.
func (pte PTE) Perm() Perm { return Perm(pte) & permMask }

// Frame returns the physical frame this entry points to.
func (pte PTE) Frame() Frame { return Frame(uint32(pte) >> PGSHIFT) }

// SetFrame updates the entry to point to the given frame, keeping its bits.
func (pte *PTE) SetFrame(f Frame) { *pte = PTE(uint32(f)<<PGSHIFT) | PTE(pte.Perm()) }
