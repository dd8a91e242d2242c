// Package config provides 12-factor configuration management for the
// cowfork machine and its tools.
//
// Configuration is loaded from environment variables with sensible defaults.
// A YAML file can be layered on top with LoadFile, and CLI flags override
// both.
//
// Configuration Sections:
//   - Kernel: machine size (env slots, physical pages)
//   - Logging: log level and output format
//   - Server: inspection HTTP server (disabled by default)
//   - RateLimit: per-IP rate limiting of the inspection server
//   - Sieve: prime sieve demo limit and timeout
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	k, err := kernel.New(kernel.Config{MaxEnvs: cfg.Kernel.MaxEnvs, PhysPages: cfg.Kernel.PhysPages}, logger)
//
// Environment Variables:
//   - MAX_ENVS, PHYS_PAGES
//   - LOG_LEVEL, LOG_DEV
//   - SERVER_ENABLED, PORT, HOST
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - SIEVE_LIMIT, SIEVE_TIMEOUT
package config
