package models

import "errors"

// Error kinds shared by every component. Returned errors wrap exactly one of
// these so callers can classify them with errors.Is.
var (
	// ErrValidation rejects a unit (transaction, block, chain) whose signature,
	// hash, proof-of-work or ordering does not check out.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate marks an idempotent skip of something already known.
	ErrDuplicate = errors.New("duplicate")
	// ErrRateLimit marks a policy skip.
	ErrRateLimit = errors.New("rate limited")
	// ErrFormat aborts the current operation on malformed records, diffs or
	// unsupported versions.
	ErrFormat = errors.New("malformed input")
	// ErrIntegrity aborts on a checksum mismatch; nothing is applied.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrExhausted is a permanent block pending an admin clear.
	ErrExhausted = errors.New("violation limit exceeded")
)
