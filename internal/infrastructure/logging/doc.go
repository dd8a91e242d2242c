// Package logging builds the zap logger a machine and its inspection server
// share.
//
// Production logs are JSON, development logs are plain console lines. Both go
// to stderr unless Config.Output says otherwise.
//
// The kernel logs env lifecycle at info, delivered page faults at debug and
// fatal user diagnostics at error, with the fields env, op, va and err.
//
// Example Usage:
//
//	logger, err := logging.New(logging.Config{Level: "info"})
//	k, err := kernel.New(kernel.DefaultConfig(), logger)
package logging
