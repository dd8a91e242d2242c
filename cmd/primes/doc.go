// Command primes runs the concurrent prime sieve on a simulated exokernel.
// Every filter stage is an env forked with copy-on-write fork, and numbers
// travel between stages over IPC.
//
// Usage:
//
//	primes -n 100
//	primes -config primes.yaml -metrics
//
// Each prime is printed as "<env id>: <prime>" by the env that found it. With
// -metrics the inspection API (/health, /envs, /stats, /metrics) stays up
// after the pipeline drains, until SIGINT or SIGTERM.
//
// Configuration comes from the environment (MAX_ENVS, PHYS_PAGES, LOG_LEVEL,
// SIEVE_LIMIT, SIEVE_TIMEOUT, PORT, ...), optionally overlaid by a YAML file.
// Flags win over both.
package main
