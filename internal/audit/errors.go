package audit

import "errors"

// Error taxonomy for the audit subsystem. Callers match with errors.Is.
//
// Tampering is intentionally absent: integrity violations are findings in
// a VerificationReport, not errors, so a compromised chain stays fully
// inspectable.
var (
	// ErrValidation marks a malformed append request (missing or invalid
	// required field). Rejected before any sequence number is allocated.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrency marks sequence allocation contention with another
	// writer. The append path retries internally and only surfaces this
	// when the retries are exhausted.
	ErrConcurrency = errors.New("concurrent write conflict")

	// ErrAvailability marks an unreachable or unreadable store. Safe to
	// retry from the caller side.
	ErrAvailability = errors.New("store unavailable")

	// ErrNotFound marks a missing record on direct lookup by log ID.
	// Queries that match nothing return empty results instead.
	ErrNotFound = errors.New("record not found")
)
