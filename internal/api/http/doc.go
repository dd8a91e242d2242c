// Package http implements the read-mostly inspection API of a running
// machine: live envs, exit records, counters, and a way to start a prime
// sieve pipeline or kill an env from outside.
package http
