// Package ulib is the user-level library envs link against. Its centrepiece
// is Fork, a copy-on-write fork built entirely from kernel mechanism: the
// parent creates an empty child with Exofork, maps every page it owns into
// the child read-only (marking writable pages copy-on-write in both envs),
// and installs a page fault handler that gives each side a private copy of a
// page the first time it writes to it.
//
// The library also wraps the kernel's rendezvous IPC. Send retries until the
// receiver is waiting; Recv blocks.
//
// Nothing here is fatal-tolerant. A fault the handler cannot repair or a
// syscall failure in the middle of a fork aborts the env with a *FatalError.
package ulib
