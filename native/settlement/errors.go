package settlement

import "errors"

// Sentinel errors forming the engine's taxonomy. Every entry point wraps one
// of these with %w so RPC and gateway callers can map failures to stable
// codes. All errors abort the call before any state mutation.
var (
	// ErrValidation marks malformed input: zero amount, self-payment,
	// oversized description or evidence.
	ErrValidation = errors.New("settlement: invalid input")
	// ErrNotFound marks an unknown record identifier.
	ErrNotFound = errors.New("settlement: record not found")
	// ErrUnauthorized marks a caller that is not the required party for the
	// attempted transition.
	ErrUnauthorized = errors.New("settlement: unauthorized caller")
	// ErrInvalidStatus marks an operation invalid for the record's current
	// status, e.g. approving a cancelled record.
	ErrInvalidStatus = errors.New("settlement: invalid status for operation")
	// ErrProofMalformed marks structurally invalid evidence (empty or
	// oversized), distinct from a trust failure.
	ErrProofMalformed = errors.New("settlement: malformed evidence")
	// ErrProofRejected marks evidence that failed verification.
	ErrProofRejected = errors.New("settlement: proof rejected")
	// ErrAlreadySettled marks a second release/refund attempt on a record
	// whose escrow has already been debited.
	ErrAlreadySettled = errors.New("settlement: escrow already settled")
	// ErrEscrowInvariant marks an attempted debit exceeding the tracked
	// escrow balance. This is a fatal invariant violation, never clamped.
	ErrEscrowInvariant = errors.New("settlement: escrow invariant violation")
)
