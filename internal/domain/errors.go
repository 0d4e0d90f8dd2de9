package domain

import "errors"

// Error taxonomy for the scoring and reporting paths. Callers match with
// errors.Is; wrapping adds the offending field or identifier.
var (
	// ErrInvalidTransaction rejects malformed input. Nothing is persisted.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrDuplicateTransaction rejects a transaction id that already has a
	// decision. Hard rejection, never a retry.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrModelTimeout marks a scorer call that exceeded its deadline.
	// The pipeline degrades to rule-only scoring instead of failing.
	ErrModelTimeout = errors.New("model scoring timeout")

	// ErrUnknownTransaction rejects a report referencing a transaction
	// that was never ingested.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrPageSizeExceeded rejects a query requesting more rows than the
	// configured cap. The caller must paginate.
	ErrPageSizeExceeded = errors.New("page size exceeded")
)
