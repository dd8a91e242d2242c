// Package kernel simulates a small exokernel-style machine: an env table,
// reference-counted physical frames, per-env two-level page tables, user
// page fault upcalls and rendezvous IPC.
//
// The machine exposes only mechanism. Envs run on their own goroutines and
// talk to the kernel through a *Sys handle; everything policy-like, such as
// fork, lives in user-level libraries built on that handle. The read-only
// views VPD and VPT let user code inspect its own page tables the way the
// uvpd and uvpt mappings do on real hardware.
//
// Memory accesses made through Sys.Read and Sys.Write go through a software
// MMU. An access the page tables forbid raises a page fault, which is
// delivered to the env's registered upcall with a UTrapframe on the env's
// exception stack; the access is retried once the upcall returns.
package kernel
