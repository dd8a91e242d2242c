package mem

// Paging geometry of the simulated 32-bit machine: two levels of 1024
// entries each, 4 KiB pages.
const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT

	PTXSHIFT = 12
	PDXSHIFT = 22

	NPDENTRIES = 1024
	NPTENTRIES = 1024

	// PTSIZE is the number of bytes mapped by one page directory entry.
	PTSIZE = PGSIZE * NPTENTRIES
)

// User address space layout.
//
//	ULIM       -> +------------------------------+
//	              |  (unmapped, kernel only)     |
//	UTOP       -> +------------------------------+ UXSTACKTOP
//	              |  user exception stack        | PGSIZE
//	              +------------------------------+
//	              |  empty guard page            | PGSIZE
//	USTACKTOP  -> +------------------------------+
//	              |  normal user stack           |
//	              |  ...                         |
//	UTEXT      -> +------------------------------+
//	              |  PFTEMP at the top           | PTSIZE
//	UTEMP      -> +------------------------------+
//	              |  unmapped                    |
//	0          -> +------------------------------+
const (
	ULIM       uintptr = 0xEF800000
	UTOP       uintptr = 0xEEC00000
	UXSTACKTOP         = UTOP
	USTACKTOP          = UTOP - 2*PGSIZE

	UTEMP  uintptr = PTSIZE
	PFTEMP         = UTEMP + PTSIZE - PGSIZE
	UTEXT  uintptr = 2 * PTSIZE
)

// PGNUM returns the page number of a virtual address.
func PGNUM(va uintptr) int { return int(va >> PTXSHIFT) }

// PDX returns the page directory index of a virtual address.
func PDX(va uintptr) int { return int((va >> PDXSHIFT) & (NPDENTRIES - 1)) }

// PTX returns the page table index of a virtual address.
func PTX(va uintptr) int { return int((va >> PTXSHIFT) & (NPTENTRIES - 1)) }

// PGOFF returns the offset of va within its page.
func PGOFF(va uintptr) uintptr { return va & (PGSIZE - 1) }

// PGADDR returns the virtual address of page number pn.
func PGADDR(pn int) uintptr { return uintptr(pn) << PGSHIFT }

// RoundDown rounds va down to its containing page boundary.
func RoundDown(va uintptr) uintptr { return va &^ (PGSIZE - 1) }

// RoundUp rounds n up to the next page boundary.
func RoundUp(n uintptr) uintptr { return (n + PGSIZE - 1) &^ (PGSIZE - 1) }

// Aligned reports whether va is page aligned.
func Aligned(va uintptr) bool { return PGOFF(va) == 0 }
