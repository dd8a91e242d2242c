// Package mem defines the paging vocabulary shared by the simulated machine
// and user-space code: page geometry, the user address space layout and the
// page table entry format.
//
// Addresses are plain uintptr values inside a 32-bit virtual space. A page
// table entry packs a physical frame number and a Perm set:
//
//	31                  12 11      0
//	+---------------------+--------+
//	|   frame number      |  perm  |
//	+---------------------+--------+
//
// PermCOW is carried in the bits the hardware ignores, so only software
// (the user-level fork library) gives it meaning.
package mem
