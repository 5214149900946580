package settlement

import (
	"encoding/hex"
	"strconv"

	"proofpay/core/types"
)

const (
	EventTypeRecordCreated  = "settlement.record.created"
	EventTypeProofSubmitted = "settlement.record.proof_submitted"
	EventTypeProofRejected  = "settlement.record.proof_rejected"
	EventTypeReleased       = "settlement.record.released"
	EventTypeRefunded       = "settlement.record.refunded"
	EventTypeCancelled      = "settlement.record.cancelled"
	EventTypeRejected       = "settlement.record.rejected"
	EventTypeDisputed       = "settlement.record.disputed"
	EventTypeResolved       = "settlement.record.resolved"
	EventTypeExpired        = "settlement.record.expired"
)

// NewCreatedEvent returns the canonical payload for a newly created record.
func NewCreatedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeRecordCreated, r, "") }

// NewProofSubmittedEvent returns the payload emitted when evidence is stored.
func NewProofSubmittedEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypeProofSubmitted, r, "")
}

// NewProofRejectedEvent returns the payload emitted when the payer rejects
// submitted evidence and the record returns to open.
func NewProofRejectedEvent(r *Record) *types.Event {
	return newRecordEvent(EventTypeProofRejected, r, "")
}

// NewReleasedEvent returns the payload for a release of escrow to the payee.
func NewReleasedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeReleased, r, "") }

// NewRefundedEvent returns the payload for a refund back to the payer.
func NewRefundedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeRefunded, r, "") }

// NewCancelledEvent returns the payload emitted when the payer cancels.
func NewCancelledEvent(r *Record) *types.Event { return newRecordEvent(EventTypeCancelled, r, "") }

// NewRejectedEvent returns the payload emitted when the rejection limit
// terminates a record.
func NewRejectedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeRejected, r, "") }

// NewDisputedEvent returns the payload emitted when a record is disputed.
func NewDisputedEvent(r *Record) *types.Event { return newRecordEvent(EventTypeDisputed, r, "") }

// NewResolvedEvent returns the payload emitted when the arbiter resolves a
// dispute; outcome is "payee_wins" or "payer_wins".
func NewResolvedEvent(r *Record, outcome string) *types.Event {
	return newRecordEvent(EventTypeResolved, r, outcome)
}

// NewExpiredEvent returns the payload emitted when a deadline refund fires.
func NewExpiredEvent(r *Record) *types.Event { return newRecordEvent(EventTypeExpired, r, "") }

func newRecordEvent(eventType string, r *Record, outcome string) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeRecord(r)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["payer"] = hex.EncodeToString(sanitized.Payer[:])
	attrs["payee"] = hex.EncodeToString(sanitized.Payee[:])
	attrs["denom"] = sanitized.Denom
	attrs["amount"] = sanitized.Amount.String()
	attrs["policy"] = sanitized.Policy.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.Deadline != 0 {
		attrs["deadline"] = strconv.FormatInt(sanitized.Deadline, 10)
	}
	if sanitized.ReleaseAfter != 0 {
		attrs["releaseAfter"] = strconv.FormatInt(sanitized.ReleaseAfter, 10)
	}
	if outcome != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
