package model

import "errors"

// Error taxonomy. Callers match with errors.Is; the concrete message wraps
// these sentinels with context.
var (
	// ErrInvalidPredicate: the predicate is not registered.
	ErrInvalidPredicate = errors.New("invalid predicate")

	// ErrCardinalityViolation: an operation would leave two active claims
	// for a single-cardinality key. Never retried blindly.
	ErrCardinalityViolation = errors.New("cardinality violation")

	// ErrStaleEvidence: an evidence turn is already marked stale. Fail closed.
	ErrStaleEvidence = errors.New("stale evidence")

	// ErrApprovalRequired: an intimate-sensitivity claim is not yet approved.
	ErrApprovalRequired = errors.New("approval required")

	// ErrEpochMismatch: the client operates against a superseded session epoch.
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrDerivationNotFound: no provenance recorded for an entity. Such
	// entities are treated as stale by default.
	ErrDerivationNotFound = errors.New("derivation not found")

	// ErrNotFound: a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
