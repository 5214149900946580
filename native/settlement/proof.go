package settlement

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Outcome is the tri-state result of evaluating evidence against a policy.
type Outcome uint8

const (
	// OutcomeNotApplicable means the policy carries no verification step.
	OutcomeNotApplicable Outcome = iota
	// OutcomeAccepted means the attestation validated successfully.
	OutcomeAccepted
	// OutcomeRejected means the attestation failed verification.
	OutcomeRejected
)

// ProofContext carries the record-bound values an attestation must commit to.
type ProofContext struct {
	RecordID uint64
	Payee    [20]byte
	Endpoint string
}

// Verifier evaluates cryptographic attestations. Implementations must be
// deterministic and free of mutation; the engine only consumes the outcome
// and a reason. Real TLS-proof verification lives behind this boundary.
type Verifier interface {
	Verify(evidence []byte, proofCtx ProofContext) (Outcome, string)
}

// CheckEvidence performs the structural checks shared by every policy:
// non-empty and bounded size. Structural failures surface as ErrProofMalformed
// so callers can distinguish input errors from trust failures.
func CheckEvidence(policy ProofPolicy, evidence []byte) error {
	if policy == PolicyNone {
		return fmt.Errorf("%w: policy requires no evidence", ErrValidation)
	}
	if len(evidence) == 0 {
		return fmt.Errorf("%w: evidence must not be empty", ErrProofMalformed)
	}
	if len(evidence) > MaxEvidenceSize {
		return fmt.Errorf("%w: evidence exceeds %d bytes", ErrProofMalformed, MaxEvidenceSize)
	}
	return nil
}

// Attestation is the wire form of a cryptographic proof: a signature from a
// trusted attestor over the record-bound digest. The engine never inspects
// the underlying TLS transcript; the attestor vouches for it.
type Attestation struct {
	Endpoint     string
	EvidenceHash [32]byte
	Signature    []byte // 65-byte [R || S || V] secp256k1 signature
}

// EncodeAttestation serialises an attestation into an evidence blob.
func EncodeAttestation(att *Attestation) ([]byte, error) {
	if att == nil {
		return nil, fmt.Errorf("%w: nil attestation", ErrValidation)
	}
	return rlp.EncodeToBytes(att)
}

// DecodeAttestation parses an evidence blob back into an attestation.
func DecodeAttestation(evidence []byte) (*Attestation, error) {
	att := &Attestation{}
	if err := rlp.DecodeBytes(evidence, att); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofMalformed, err)
	}
	return att, nil
}

// AttestationDigest computes the keccak256 digest an attestor signs: domain
// tag, record identifier, payee, endpoint and evidence hash.
func AttestationDigest(proofCtx ProofContext, evidenceHash [32]byte) [32]byte {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], proofCtx.RecordID)
	digest := ethcrypto.Keccak256(
		[]byte("proofpay.attestation.v1"),
		idBytes[:],
		proofCtx.Payee[:],
		[]byte(proofCtx.Endpoint),
		evidenceHash[:],
	)
	var out [32]byte
	copy(out[:], digest)
	return out
}

// AttestorVerifier accepts attestations signed by a configured trusted
// attestor key. It recovers the signer from the signature and compares it to
// the trusted address.
type AttestorVerifier struct {
	attestor [20]byte
}

// NewAttestorVerifier builds a verifier trusting the supplied attestor address.
func NewAttestorVerifier(attestor [20]byte) *AttestorVerifier {
	return &AttestorVerifier{attestor: attestor}
}

// Verify implements the Verifier interface.
func (v *AttestorVerifier) Verify(evidence []byte, proofCtx ProofContext) (Outcome, string) {
	if v == nil || v.attestor == ([20]byte{}) {
		return OutcomeRejected, "attestor not configured"
	}
	att, err := DecodeAttestation(evidence)
	if err != nil {
		return OutcomeRejected, err.Error()
	}
	if len(att.Signature) != 65 {
		return OutcomeRejected, "signature must be 65 bytes"
	}
	if proofCtx.Endpoint != "" && att.Endpoint != proofCtx.Endpoint {
		return OutcomeRejected, fmt.Sprintf("attestation endpoint %q does not match expected %q", att.Endpoint, proofCtx.Endpoint)
	}
	digest := AttestationDigest(proofCtx, att.EvidenceHash)
	pub, err := ethcrypto.SigToPub(digest[:], att.Signature)
	if err != nil {
		return OutcomeRejected, fmt.Sprintf("signature recovery failed: %v", err)
	}
	signer := ethcrypto.PubkeyToAddress(*pub)
	if !bytes.Equal(signer[:], v.attestor[:]) {
		return OutcomeRejected, "attestation signed by untrusted key"
	}
	return OutcomeAccepted, ""
}

// StaticVerifier is a deterministic test double returning a configured
// outcome. Selected by configuration in place of the attestor integration.
type StaticVerifier struct {
	Outcome Outcome
	Reason  string
}

// Verify implements the Verifier interface.
func (v StaticVerifier) Verify([]byte, ProofContext) (Outcome, string) {
	return v.Outcome, v.Reason
}
