package settlement

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a settlement record.
type Status uint8

const (
	// StatusOpen marks a record awaiting proof submission.
	StatusOpen Status = iota
	// StatusProofSubmitted marks a record whose evidence awaits counterpart review.
	StatusProofSubmitted
	// StatusPendingRelease marks a hybrid record inside its dispute window.
	StatusPendingRelease
	// StatusDisputed marks a record frozen pending arbitration.
	StatusDisputed
	// StatusCompleted marks funds released to the payee. Terminal.
	StatusCompleted
	// StatusRefunded marks funds returned to the payer. Terminal.
	StatusRefunded
	// StatusCancelled marks a payer-cancelled record. Terminal.
	StatusCancelled
	// StatusRejected marks a record terminated after repeated proof rejection. Terminal.
	StatusRejected
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusRejected
}

// String returns the canonical lowercase name used in events and RPC payloads.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusProofSubmitted:
		return "proof_submitted"
	case StatusPendingRelease:
		return "pending_release"
	case StatusDisputed:
		return "disputed"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ProofPolicy determines what evidence gates release of the escrow.
type ProofPolicy uint8

const (
	// PolicyNone requires no evidence; creation settles immediately.
	PolicyNone ProofPolicy = iota
	// PolicyManual accepts free-form evidence approved by the payer.
	PolicyManual
	// PolicyEvidenceHash accepts a content hash (photo/document/location)
	// approved by the payer.
	PolicyEvidenceHash
	// PolicyCryptographic accepts an attestation verified synchronously;
	// acceptance releases in the same call.
	PolicyCryptographic
	// PolicyHybrid accepts an attestation but defers release by a dispute
	// window during which either party may contest.
	PolicyHybrid
)

// Valid reports whether the policy value is within the supported range.
func (p ProofPolicy) Valid() bool {
	return p <= PolicyHybrid
}

// RequiresReview reports whether acceptance is a human decision rather than a
// verifier outcome.
func (p ProofPolicy) RequiresReview() bool {
	return p == PolicyManual || p == PolicyEvidenceHash
}

// String returns the canonical lowercase policy name.
func (p ProofPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyManual:
		return "manual"
	case PolicyEvidenceHash:
		return "evidence_hash"
	case PolicyCryptographic:
		return "cryptographic"
	case PolicyHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseProofPolicy converts the canonical lowercase name back into a policy.
func ParseProofPolicy(name string) (ProofPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return PolicyNone, nil
	case "manual":
		return PolicyManual, nil
	case "evidence_hash":
		return PolicyEvidenceHash, nil
	case "cryptographic":
		return PolicyCryptographic, nil
	case "hybrid":
		return PolicyHybrid, nil
	default:
		return 0, fmt.Errorf("%w: unknown proof policy %q", ErrValidation, name)
	}
}

const (
	// MaxDescriptionLength bounds the free-form record description.
	MaxDescriptionLength = 500
	// MaxEvidenceSize bounds submitted evidence blobs.
	MaxEvidenceSize = 10_000
	// MaxDisputeReasonLength bounds the dispute reason text.
	MaxDisputeReasonLength = 200
	// MaxEndpointLength bounds the expected attestation endpoint.
	MaxEndpointLength = 200
)

// Record captures a single conditional payment or task bounty tracked by the
// engine. Identifiers are assigned from a monotonic state counter and records
// are never deleted; terminal states are retained for history queries.
type Record struct {
	ID            uint64
	Payer         [20]byte
	Payee         [20]byte
	Denom         string
	Amount        *big.Int
	Description   string
	Policy        ProofPolicy
	Endpoint      string // expected attestation endpoint, cryptographic/hybrid only
	Evidence      []byte
	Status        Status
	CreatedAt     int64
	Deadline      int64 // unix seconds, 0 = no deadline
	DisputeWindow int64 // seconds, hybrid only
	ReleaseAfter  int64 // stamped when a hybrid attestation is accepted
	VerifiedAt    int64
	CompletedAt   int64
	Rejections    uint32
	DisputeReason string
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if len(r.Evidence) > 0 {
		clone.Evidence = append([]byte(nil), r.Evidence...)
	}
	return &clone
}

// NormalizeDenom ensures the provided denomination matches a supported value
// and returns the canonical uppercase form.
func NormalizeDenom(denom string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(denom))
	switch trimmed {
	case "PAY", "USDQ":
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: unsupported denomination %q", ErrValidation, denom)
	}
}

// SanitizeRecord validates and normalises the supplied record, returning a
// cloned instance with canonical denom casing and a non-nil amount. The
// function does not mutate the original value.
func SanitizeRecord(r *Record) (*Record, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil record", ErrValidation)
	}
	clone := r.Clone()
	denom, err := NormalizeDenom(clone.Denom)
	if err != nil {
		return nil, err
	}
	clone.Denom = denom
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	}
	if len(clone.Description) > MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLength)
	}
	if len(clone.Endpoint) > MaxEndpointLength {
		return nil, fmt.Errorf("%w: endpoint exceeds %d characters", ErrValidation, MaxEndpointLength)
	}
	if len(clone.Evidence) > MaxEvidenceSize {
		return nil, fmt.Errorf("%w: evidence exceeds %d bytes", ErrValidation, MaxEvidenceSize)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %d", ErrValidation, clone.Status)
	}
	if !clone.Policy.Valid() {
		return nil, fmt.Errorf("%w: invalid proof policy %d", ErrValidation, clone.Policy)
	}
	return clone, nil
}

// Stats aggregates engine-wide counters maintained per mutating call.
type Stats struct {
	TotalRecords  uint64
	TotalSettled  uint64
	TotalDisputed uint64
	VolumeByDenom []DenomVolume
}

// DenomVolume tracks cumulative created volume per denomination.
type DenomVolume struct {
	Denom  string
	Amount *big.Int
}

// AddVolume accumulates created volume for a denomination.
func (s *Stats) AddVolume(denom string, amount *big.Int) {
	if s == nil || amount == nil {
		return
	}
	for i := range s.VolumeByDenom {
		if s.VolumeByDenom[i].Denom == denom {
			current := s.VolumeByDenom[i].Amount
			if current == nil {
				current = big.NewInt(0)
			}
			s.VolumeByDenom[i].Amount = new(big.Int).Add(current, amount)
			return
		}
	}
	s.VolumeByDenom = append(s.VolumeByDenom, DenomVolume{Denom: denom, Amount: new(big.Int).Set(amount)})
}

// Clone returns a deep copy of the stats snapshot.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return nil
	}
	clone := &Stats{
		TotalRecords:  s.TotalRecords,
		TotalSettled:  s.TotalSettled,
		TotalDisputed: s.TotalDisputed,
	}
	if len(s.VolumeByDenom) > 0 {
		clone.VolumeByDenom = make([]DenomVolume, len(s.VolumeByDenom))
		for i, vol := range s.VolumeByDenom {
			amount := big.NewInt(0)
			if vol.Amount != nil {
				amount = new(big.Int).Set(vol.Amount)
			}
			clone.VolumeByDenom[i] = DenomVolume{Denom: vol.Denom, Amount: amount}
		}
	}
	return clone
}
