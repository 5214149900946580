package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"proofpay/core/events"
	"proofpay/core/types"
)

var (
	errNilState    = errors.New("settlement engine: state not configured")
	errNilVerifier = errors.New("settlement engine: proof verifier not configured")
	errNilArbiter  = errors.New("settlement engine: arbiter not configured")
)

const (
	// DefaultDisputeWindow is applied to hybrid records created without an
	// explicit window.
	DefaultDisputeWindow int64 = 24 * 60 * 60
	// DefaultMaxRejections terminates a record after this many proof
	// rejections, refunding the payer.
	DefaultMaxRejections uint32 = 3
)

type engineState interface {
	RecordPut(*Record) error
	RecordGet(id uint64) (*Record, bool)
	RecordNextID() (uint64, error)
	RecordIndexAdd(addr [20]byte, id uint64) error
	RecordsByParticipant(addr [20]byte) ([]uint64, error)
	EscrowCredit(id uint64, denom string, amt *big.Int) error
	EscrowDebit(id uint64, denom string, amt *big.Int) error
	EscrowBalance(id uint64, denom string) (*big.Int, error)
	EscrowVaultAddress(denom string) ([20]byte, error)
	StatsGet() (*Stats, error)
	StatsPut(*Stats) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e settlementEvent) Event() *types.Event { return e.evt }

// Engine wires the settlement business logic with external state, the proof
// verifier and event emitters. Calls are expected to be serialized by the
// host; the engine still re-checks persisted status on every transition so
// replayed calls are rejected rather than double-applied.
type Engine struct {
	state         engineState
	emitter       events.Emitter
	verifier      Verifier
	arbiter       [20]byte
	disputeWindow int64
	maxRejections uint32
	nowFn         func() int64
}

// NewEngine creates a settlement engine with a no-op emitter and default
// dispute window and rejection limit. Callers configure state, verifier and
// arbiter before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:       events.NoopEmitter{},
		disputeWindow: DefaultDisputeWindow,
		maxRejections: DefaultMaxRejections,
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVerifier configures the attestation verifier consulted for the
// cryptographic and hybrid policies.
func (e *Engine) SetVerifier(v Verifier) { e.verifier = v }

// SetArbiter configures the designated dispute arbiter.
func (e *Engine) SetArbiter(addr [20]byte) { e.arbiter = addr }

// SetDisputeWindow overrides the default window applied to hybrid records
// created without an explicit one. Zero restores the default.
func (e *Engine) SetDisputeWindow(seconds int64) {
	if seconds <= 0 {
		e.disputeWindow = DefaultDisputeWindow
		return
	}
	e.disputeWindow = seconds
}

// SetMaxRejections overrides the rejection limit. Zero restores the default.
func (e *Engine) SetMaxRejections(limit uint32) {
	if limit == 0 {
		limit = DefaultMaxRejections
	}
	e.maxRejections = limit
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(settlementEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{}
	}
	return acc
}

func (e *Engine) loadRecord(id uint64) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok := e.state.RecordGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return record, nil
}

func (e *Engine) storeRecord(r *Record) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.RecordPut(r)
}

// transferToken moves funds between two ledger accounts. This is the host
// transfer primitive: the engine never mints or burns, it only moves balances.
func (e *Engine) transferToken(from, to [20]byte, denom string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrValidation)
	}
	normalized, err := NormalizeDenom(denom)
	if err != nil {
		return err
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	fromBal := fromAcc.Balance(normalized)
	if fromBal.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrValidation)
	}
	fromAcc.SetBalance(normalized, new(big.Int).Sub(fromBal, amt))
	toAcc.SetBalance(normalized, new(big.Int).Add(toAcc.Balance(normalized), amt))
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// Create validates, escrows and persists a new record. For PolicyNone the
// record settles in the same call: escrow is held and released to the payee
// before returning. All preconditions, including the payer's balance, are
// checked before the first mutation. A non-empty endpoint pins the attestation
// origin for cryptographic and hybrid records.
func (e *Engine) Create(payer, payee [20]byte, denom string, amount *big.Int, description string, policy ProofPolicy, deadline, disputeWindow int64, endpoint string) (*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeDenom(denom)
	if err != nil {
		return nil, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if payer == ([20]byte{}) || payee == ([20]byte{}) {
		return nil, fmt.Errorf("%w: payer and payee required", ErrValidation)
	}
	if payer == payee {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrValidation)
	}
	if len(description) > MaxDescriptionLength {
		return nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLength)
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: invalid proof policy %d", ErrValidation, policy)
	}
	now := e.now()
	if deadline != 0 && deadline < now {
		return nil, fmt.Errorf("%w: deadline before creation time", ErrValidation)
	}
	switch policy {
	case PolicyHybrid:
		if disputeWindow == 0 {
			disputeWindow = e.disputeWindow
		}
		if disputeWindow <= 0 {
			return nil, fmt.Errorf("%w: dispute window must be positive", ErrValidation)
		}
	default:
		if disputeWindow != 0 {
			return nil, fmt.Errorf("%w: dispute window only valid for hybrid policy", ErrValidation)
		}
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" && policy != PolicyCryptographic && policy != PolicyHybrid {
		return nil, fmt.Errorf("%w: endpoint only valid for cryptographic and hybrid policies", ErrValidation)
	}
	if len(endpoint) > MaxEndpointLength {
		return nil, fmt.Errorf("%w: endpoint exceeds %d characters", ErrValidation, MaxEndpointLength)
	}
	payerAcc, err := e.state.GetAccount(payer[:])
	if err != nil {
		return nil, err
	}
	if ensureAccount(payerAcc).Balance(normalized).Cmp(amt) < 0 {
		return nil, fmt.Errorf("%w: insufficient balance to fund escrow", ErrValidation)
	}
	vault, err := e.state.EscrowVaultAddress(normalized)
	if err != nil {
		return nil, err
	}
	id, err := e.state.RecordNextID()
	if err != nil {
		return nil, err
	}
	record := &Record{
		ID:            id,
		Payer:         payer,
		Payee:         payee,
		Denom:         normalized,
		Amount:        amt,
		Description:   description,
		Policy:        policy,
		Endpoint:      endpoint,
		Status:        StatusOpen,
		CreatedAt:     now,
		Deadline:      deadline,
		DisputeWindow: disputeWindow,
	}
	if err := e.transferToken(payer, vault, normalized, amt); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(id, normalized, amt); err != nil {
		return nil, err
	}
	if err := e.storeRecord(record); err != nil {
		return nil, err
	}
	if err := e.state.RecordIndexAdd(payer, id); err != nil {
		return nil, err
	}
	if err := e.state.RecordIndexAdd(payee, id); err != nil {
		return nil, err
	}
	if err := e.bumpStats(func(s *Stats) {
		s.TotalRecords++
		s.AddVolume(normalized, amt)
	}); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(record))
	if policy == PolicyNone {
		if err := e.release(record); err != nil {
			return nil, err
		}
	}
	return record.Clone(), nil
}

// SubmitProof stores evidence for a record. Only the payee may submit. For
// the cryptographic and hybrid policies the verifier runs synchronously: a
// rejected attestation aborts with no state change; an accepted attestation
// releases immediately (cryptographic) or opens the dispute window (hybrid).
func (e *Engine) SubmitProof(caller [20]byte, id uint64, evidence []byte) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status != StatusOpen {
		return fmt.Errorf("%w: cannot submit proof in status %s", ErrInvalidStatus, record.Status)
	}
	if caller != record.Payee {
		return fmt.Errorf("%w: only the payee may submit proof", ErrUnauthorized)
	}
	if err := CheckEvidence(record.Policy, evidence); err != nil {
		return err
	}
	now := e.now()
	switch record.Policy {
	case PolicyCryptographic, PolicyHybrid:
		if e.verifier == nil {
			return errNilVerifier
		}
		outcome, reason := e.verifier.Verify(evidence, ProofContext{RecordID: record.ID, Payee: record.Payee, Endpoint: record.Endpoint})
		if outcome != OutcomeAccepted {
			if reason == "" {
				reason = "attestation not accepted"
			}
			return fmt.Errorf("%w: %s", ErrProofRejected, reason)
		}
		record.Evidence = append([]byte(nil), evidence...)
		record.VerifiedAt = now
		if record.Policy == PolicyCryptographic {
			if err := e.storeRecord(record); err != nil {
				return err
			}
			e.emit(NewProofSubmittedEvent(record))
			return e.release(record)
		}
		record.Status = StatusPendingRelease
		record.ReleaseAfter = now + record.DisputeWindow
		if err := e.storeRecord(record); err != nil {
			return err
		}
		e.emit(NewProofSubmittedEvent(record))
		return nil
	default:
		record.Evidence = append([]byte(nil), evidence...)
		record.Status = StatusProofSubmitted
		if err := e.storeRecord(record); err != nil {
			return err
		}
		e.emit(NewProofSubmittedEvent(record))
		return nil
	}
}

// Approve accepts submitted evidence and releases escrow to the payee. Only
// the payer reviews; this is the single authorization rule for every manual
// and evidence-hash record.
func (e *Engine) Approve(caller [20]byte, id uint64) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status != StatusProofSubmitted {
		return fmt.Errorf("%w: cannot approve in status %s", ErrInvalidStatus, record.Status)
	}
	if !record.Policy.RequiresReview() {
		return fmt.Errorf("%w: policy %s is not reviewable", ErrInvalidStatus, record.Policy)
	}
	if caller != record.Payer {
		return fmt.Errorf("%w: only the payer may approve", ErrUnauthorized)
	}
	return e.release(record)
}

// Reject declines submitted evidence. The record returns to open for
// resubmission with its evidence cleared; once the rejection limit is
// reached the record terminates as rejected and escrow refunds the payer.
func (e *Engine) Reject(caller [20]byte, id uint64) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status != StatusProofSubmitted {
		return fmt.Errorf("%w: cannot reject in status %s", ErrInvalidStatus, record.Status)
	}
	if !record.Policy.RequiresReview() {
		return fmt.Errorf("%w: policy %s is not reviewable", ErrInvalidStatus, record.Policy)
	}
	if caller != record.Payer {
		return fmt.Errorf("%w: only the payer may reject", ErrUnauthorized)
	}
	record.Rejections++
	if record.Rejections >= e.maxRejections {
		return e.refund(record, StatusRejected, NewRejectedEvent)
	}
	record.Evidence = nil
	record.Status = StatusOpen
	if err := e.storeRecord(record); err != nil {
		return err
	}
	e.emit(NewProofRejectedEvent(record))
	return nil
}

// ReleaseIfWindowElapsed finalizes a hybrid record once its dispute window
// has passed. Permissionless: any caller may poll. Before the window elapses
// the call is a no-op, not an error. A record already completed is treated
// as an idempotent success.
func (e *Engine) ReleaseIfWindowElapsed(id uint64) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status == StatusCompleted {
		return nil
	}
	if record.Status != StatusPendingRelease {
		return fmt.Errorf("%w: cannot release in status %s", ErrInvalidStatus, record.Status)
	}
	if e.now() < record.ReleaseAfter {
		return nil
	}
	return e.release(record)
}

// Dispute freezes a hybrid record pending arbitration. Either participant
// may raise it, only while the record is pending release and the window has
// not elapsed.
func (e *Engine) Dispute(caller [20]byte, id uint64, reason string) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status != StatusPendingRelease {
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidStatus, record.Status)
	}
	if e.now() >= record.ReleaseAfter {
		return fmt.Errorf("%w: dispute window has elapsed", ErrInvalidStatus)
	}
	if caller != record.Payer && caller != record.Payee {
		return fmt.Errorf("%w: only a participant may dispute", ErrUnauthorized)
	}
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return fmt.Errorf("%w: dispute reason required", ErrValidation)
	}
	if len(trimmed) > MaxDisputeReasonLength {
		return fmt.Errorf("%w: dispute reason exceeds %d characters", ErrValidation, MaxDisputeReasonLength)
	}
	record.Status = StatusDisputed
	record.DisputeReason = trimmed
	if err := e.storeRecord(record); err != nil {
		return err
	}
	if err := e.bumpStats(func(s *Stats) { s.TotalDisputed++ }); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(record))
	return nil
}

// Dispute resolution outcomes accepted by ResolveDispute.
const (
	OutcomePayeeWins = "payee_wins"
	OutcomePayerWins = "payer_wins"
)

// ResolveDispute settles a disputed record according to the arbiter's binary
// decision: payee_wins releases, payer_wins refunds. Only the configured
// arbiter may resolve.
func (e *Engine) ResolveDispute(caller [20]byte, id uint64, outcome string) error {
	if e != nil && e.arbiter == ([20]byte{}) {
		return errNilArbiter
	}
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return fmt.Errorf("%w: record %d", ErrAlreadySettled, id)
	}
	if record.Status != StatusDisputed {
		return fmt.Errorf("%w: cannot resolve in status %s", ErrInvalidStatus, record.Status)
	}
	if caller != e.arbiter {
		return fmt.Errorf("%w: only the arbiter may resolve", ErrUnauthorized)
	}
	normalized := strings.ToLower(strings.TrimSpace(outcome))
	switch normalized {
	case OutcomePayeeWins:
		if err := e.release(record); err != nil {
			return err
		}
	case OutcomePayerWins:
		if err := e.refund(record, StatusRefunded, NewRefundedEvent); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: invalid resolution outcome %q", ErrValidation, outcome)
	}
	e.emit(NewResolvedEvent(record, normalized))
	return nil
}

// Cancel terminates a record before its proof has been verified, refunding
// the payer. A record whose attestation was already accepted cannot be
// cancelled unilaterally.
func (e *Engine) Cancel(caller [20]byte, id uint64) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return fmt.Errorf("%w: record %d", ErrAlreadySettled, id)
	}
	if record.Status != StatusOpen && record.Status != StatusProofSubmitted {
		return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidStatus, record.Status)
	}
	if caller != record.Payer {
		return fmt.Errorf("%w: only the payer may cancel", ErrUnauthorized)
	}
	return e.refund(record, StatusCancelled, NewCancelledEvent)
}

// RefundIfExpired refunds the payer once the record's deadline has passed
// without a verified proof. Permissionless: any caller may poll. Before the
// deadline the call is a no-op, not an error.
func (e *Engine) RefundIfExpired(id uint64) error {
	record, err := e.loadRecord(id)
	if err != nil {
		return err
	}
	if record.Status == StatusRefunded {
		return nil
	}
	if record.Status != StatusOpen && record.Status != StatusProofSubmitted {
		return fmt.Errorf("%w: cannot expire in status %s", ErrInvalidStatus, record.Status)
	}
	if record.Deadline == 0 {
		return fmt.Errorf("%w: record has no deadline", ErrValidation)
	}
	if e.now() < record.Deadline {
		return nil
	}
	return e.refund(record, StatusRefunded, NewExpiredEvent)
}

// release debits the escrow and pays the payee, marking the record completed.
// Exactly one of release/refund succeeds per record: the escrow debit fails
// once the balance has been consumed.
func (e *Engine) release(record *Record) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", ErrValidation)
	}
	if record.Status.Terminal() {
		return fmt.Errorf("%w: record %d", ErrAlreadySettled, record.ID)
	}
	vault, err := e.state.EscrowVaultAddress(record.Denom)
	if err != nil {
		return err
	}
	amount := cloneBigInt(record.Amount)
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := e.state.EscrowDebit(record.ID, record.Denom, amount); err != nil {
		return err
	}
	if err := e.transferToken(vault, record.Payee, record.Denom, amount); err != nil {
		return err
	}
	record.Status = StatusCompleted
	record.CompletedAt = e.now()
	if err := e.storeRecord(record); err != nil {
		return err
	}
	if err := e.bumpStats(func(s *Stats) { s.TotalSettled++ }); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(record))
	return nil
}

// refund debits the escrow and returns funds to the payer, marking the
// record with the supplied terminal status.
func (e *Engine) refund(record *Record, status Status, eventFn func(*Record) *types.Event) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", ErrValidation)
	}
	if record.Status.Terminal() {
		return fmt.Errorf("%w: record %d", ErrAlreadySettled, record.ID)
	}
	vault, err := e.state.EscrowVaultAddress(record.Denom)
	if err != nil {
		return err
	}
	amount := cloneBigInt(record.Amount)
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := e.state.EscrowDebit(record.ID, record.Denom, amount); err != nil {
		return err
	}
	if err := e.transferToken(vault, record.Payer, record.Denom, amount); err != nil {
		return err
	}
	record.Status = status
	record.CompletedAt = e.now()
	if err := e.storeRecord(record); err != nil {
		return err
	}
	if err := e.bumpStats(func(s *Stats) { s.TotalSettled++ }); err != nil {
		return err
	}
	e.emit(eventFn(record))
	return nil
}

func (e *Engine) bumpStats(update func(*Stats)) error {
	stats, err := e.state.StatsGet()
	if err != nil {
		return err
	}
	if stats == nil {
		stats = &Stats{}
	}
	update(stats)
	return e.state.StatsPut(stats)
}

// Get returns a copy of the record with the supplied identifier.
func (e *Engine) Get(id uint64) (*Record, error) {
	record, err := e.loadRecord(id)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// ListFor returns every record the account participates in, ordered by
// ascending identifier.
func (e *Engine) ListFor(addr [20]byte) ([]*Record, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.RecordsByParticipant(addr)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		record, ok := e.state.RecordGet(id)
		if !ok {
			return nil, fmt.Errorf("%w: indexed id %d", ErrNotFound, id)
		}
		records = append(records, record.Clone())
	}
	return records, nil
}

// ListPendingFor returns the account's non-terminal records, ordered by
// ascending identifier.
func (e *Engine) ListPendingFor(addr [20]byte) ([]*Record, error) {
	records, err := e.ListFor(addr)
	if err != nil {
		return nil, err
	}
	pending := records[:0]
	for _, record := range records {
		if !record.Status.Terminal() {
			pending = append(pending, record)
		}
	}
	return pending, nil
}

// PendingInbound sums the unreleased amounts across records where the account
// is the payee-designate. Must reconcile with the escrow vault at all times.
func (e *Engine) PendingInbound(addr [20]byte, denom string) (*big.Int, error) {
	normalized, err := NormalizeDenom(denom)
	if err != nil {
		return nil, err
	}
	records, err := e.ListFor(addr)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, record := range records {
		if record.Payee != addr || record.Denom != normalized {
			continue
		}
		if record.Status.Terminal() {
			continue
		}
		total.Add(total, record.Amount)
	}
	return total, nil
}

// StatsSnapshot returns a copy of the aggregate counters.
func (e *Engine) StatsSnapshot() (*Stats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stats, err := e.state.StatsGet()
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &Stats{}, nil
	}
	return stats.Clone(), nil
}
