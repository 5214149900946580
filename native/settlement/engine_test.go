package settlement

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"proofpay/core/events"
	"proofpay/core/types"
)

type mockState struct {
	records      map[uint64]*Record
	accounts     map[[20]byte]*types.Account
	escrow       map[uint64]*big.Int
	participants map[[20]byte][]uint64
	stats        *Stats
	nextID       uint64
	vaults       map[string][20]byte
}

func newMockState() *mockState {
	return &mockState{
		records:      make(map[uint64]*Record),
		accounts:     make(map[[20]byte]*types.Account),
		escrow:       make(map[uint64]*big.Int),
		participants: make(map[[20]byte][]uint64),
		vaults:       make(map[string][20]byte),
	}
}

func (m *mockState) RecordPut(r *Record) error {
	if r == nil {
		return errors.New("nil record")
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *mockState) RecordGet(id uint64) (*Record, bool) {
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *mockState) RecordNextID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) RecordIndexAdd(addr [20]byte, id uint64) error {
	for _, existing := range m.participants[addr] {
		if existing == id {
			return nil
		}
	}
	m.participants[addr] = append(m.participants[addr], id)
	return nil
}

func (m *mockState) RecordsByParticipant(addr [20]byte) ([]uint64, error) {
	return append([]uint64(nil), m.participants[addr]...), nil
}

func (m *mockState) EscrowCredit(id uint64, denom string, amt *big.Int) error {
	bal, ok := m.escrow[id]
	if !ok {
		bal = big.NewInt(0)
	}
	m.escrow[id] = new(big.Int).Add(bal, amt)
	return nil
}

func (m *mockState) EscrowDebit(id uint64, denom string, amt *big.Int) error {
	bal, ok := m.escrow[id]
	if !ok || bal.Cmp(amt) < 0 {
		return ErrEscrowInvariant
	}
	m.escrow[id] = new(big.Int).Sub(bal, amt)
	return nil
}

func (m *mockState) EscrowBalance(id uint64, denom string) (*big.Int, error) {
	bal, ok := m.escrow[id]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (m *mockState) EscrowVaultAddress(denom string) ([20]byte, error) {
	vault, ok := m.vaults[denom]
	if !ok {
		vault = newTestAddress(0xee)
		vault[19] = byte(len(m.vaults) + 1)
		m.vaults[denom] = vault
	}
	return vault, nil
}

func (m *mockState) StatsGet() (*Stats, error) {
	if m.stats == nil {
		return &Stats{}, nil
	}
	return m.stats.Clone(), nil
}

func (m *mockState) StatsPut(s *Stats) error {
	m.stats = s.Clone()
	return nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{}, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) fund(addr [20]byte, denom string, amount int64) {
	acc, _ := m.GetAccount(addr[:])
	acc.SetBalance(denom, big.NewInt(amount))
	_ = m.PutAccount(addr[:], acc)
}

func (m *mockState) balance(addr [20]byte, denom string) *big.Int {
	acc, _ := m.GetAccount(addr[:])
	return acc.Balance(denom)
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	se, ok := evt.(interface{ Event() *types.Event })
	if ok {
		c.events = append(c.events, se.Event())
	}
}

func (c *capturingEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	engine.SetArbiter(newTestAddress(0xaa))
	engine.SetNowFunc(func() int64 { return 1_000 })
	return engine, state, emitter
}

func TestCreateHoldsEscrow(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "pay", big.NewInt(200), "design work", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), record.ID)
	require.Equal(t, StatusOpen, record.Status)
	require.Equal(t, "PAY", record.Denom)

	require.Equal(t, int64(300), state.balance(payer, "PAY").Int64())
	escrowBal, err := state.EscrowBalance(record.ID, "PAY")
	require.NoError(t, err)
	require.Equal(t, int64(200), escrowBal.Int64())
	require.Equal(t, []string{EventTypeRecordCreated}, emitter.types())

	stats, err := engine.StatsSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalRecords)
}

func TestCreateValidation(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	_, err := engine.Create(payer, payer, "PAY", big.NewInt(10), "", PolicyManual, 0, 0, "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = engine.Create(payer, payee, "PAY", big.NewInt(0), "", PolicyManual, 0, 0, "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = engine.Create(payer, payee, "DOGE", big.NewInt(10), "", PolicyManual, 0, 0, "")
	require.ErrorIs(t, err, ErrValidation)

	_, err = engine.Create(payer, payee, "PAY", big.NewInt(10_000), "", PolicyManual, 0, 0, "")
	require.ErrorIs(t, err, ErrValidation)

	// deadline in the past
	_, err = engine.Create(payer, payee, "PAY", big.NewInt(10), "", PolicyManual, 500, 0, "")
	require.ErrorIs(t, err, ErrValidation)

	// dispute window outside the hybrid policy
	_, err = engine.Create(payer, payee, "PAY", big.NewInt(10), "", PolicyManual, 0, 600, "")
	require.ErrorIs(t, err, ErrValidation)

	long := make([]byte, MaxDescriptionLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = engine.Create(payer, payee, "PAY", big.NewInt(10), string(long), PolicyManual, 0, 0, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateNonePolicySettlesImmediately(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(200), "tip", PolicyNone, 0, 0, "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, record.Status)
	require.Equal(t, int64(200), state.balance(payee, "PAY").Int64())

	escrowBal, err := state.EscrowBalance(record.ID, "PAY")
	require.NoError(t, err)
	require.Zero(t, escrowBal.Sign())
	require.Equal(t, []string{EventTypeRecordCreated, EventTypeReleased}, emitter.types())

	stats, err := engine.StatsSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalSettled)
}

func TestManualApproveReleases(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("delivered at link")))
	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusProofSubmitted, stored.Status)

	require.NoError(t, engine.Approve(payer, record.ID))
	stored, err = engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, int64(100), state.balance(payee, "PAY").Int64())
	require.Equal(t, []string{EventTypeRecordCreated, EventTypeProofSubmitted, EventTypeReleased}, emitter.types())
}

func TestApproveTwiceFails(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("done")))
	require.NoError(t, engine.Approve(payer, record.ID))

	err = engine.Approve(payer, record.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.Equal(t, int64(100), state.balance(payee, "PAY").Int64())
}

func TestSubmitProofAuthorization(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	outsider := newTestAddress(0x03)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)

	require.ErrorIs(t, engine.SubmitProof(payer, record.ID, []byte("x")), ErrUnauthorized)
	require.ErrorIs(t, engine.SubmitProof(outsider, record.ID, []byte("x")), ErrUnauthorized)
	require.ErrorIs(t, engine.Approve(payee, record.ID), ErrInvalidStatus)

	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("done")))
	require.ErrorIs(t, engine.Approve(payee, record.ID), ErrUnauthorized)
	require.ErrorIs(t, engine.Approve(outsider, record.ID), ErrUnauthorized)
}

func TestSubmitProofValidation(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)

	require.ErrorIs(t, engine.SubmitProof(payee, record.ID, nil), ErrProofMalformed)
	oversized := make([]byte, MaxEvidenceSize+1)
	require.ErrorIs(t, engine.SubmitProof(payee, record.ID, oversized), ErrProofMalformed)

	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("done")))
	require.ErrorIs(t, engine.SubmitProof(payee, record.ID, []byte("again")), ErrInvalidStatus)
}

func TestRejectReturnsToOpen(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("draft")))
	require.NoError(t, engine.Reject(payer, record.ID))

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, stored.Status)
	require.Empty(t, stored.Evidence)
	require.Equal(t, uint32(1), stored.Rejections)
	require.Contains(t, emitter.types(), EventTypeProofRejected)

	// resubmission is allowed after a rejection
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("final")))
}

func TestRejectionLimitRefundsPayer(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	for i := 0; i < int(DefaultMaxRejections); i++ {
		require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attempt")))
		require.NoError(t, engine.Reject(payer, record.ID))
	}

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, stored.Status)
	require.Equal(t, int64(500), state.balance(payer, "PAY").Int64())
	require.Zero(t, state.balance(payee, "PAY").Sign())
	require.Contains(t, emitter.types(), EventTypeRejected)
}

func TestCancelRefundsPayer(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(120), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)

	require.ErrorIs(t, engine.Cancel(payee, record.ID), ErrUnauthorized)
	require.NoError(t, engine.Cancel(payer, record.ID))

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, stored.Status)
	require.Equal(t, int64(500), state.balance(payer, "PAY").Int64())
	require.Contains(t, emitter.types(), EventTypeCancelled)

	require.ErrorIs(t, engine.Cancel(payer, record.ID), ErrAlreadySettled)
}

func TestRefundIfExpired(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	outsider := newTestAddress(0x03)
	_ = outsider
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 2_000, 0, "")
	require.NoError(t, err)

	// before the deadline the call is a quiet no-op
	require.NoError(t, engine.RefundIfExpired(record.ID))
	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, stored.Status)

	engine.SetNowFunc(func() int64 { return 2_000 })
	require.NoError(t, engine.RefundIfExpired(record.ID))
	stored, err = engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, stored.Status)
	require.Equal(t, int64(500), state.balance(payer, "PAY").Int64())
	require.Contains(t, emitter.types(), EventTypeExpired)

	// a second sweep is an idempotent success
	require.NoError(t, engine.RefundIfExpired(record.ID))
	require.Equal(t, int64(500), state.balance(payer, "PAY").Int64())
}

func TestRefundIfExpiredRequiresDeadline(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	require.ErrorIs(t, engine.RefundIfExpired(record.ID), ErrValidation)
}

func TestCryptographicProofReleasesImmediately(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(250), "api call", PolicyCryptographic, 0, 0, "")
	require.NoError(t, err)

	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attestation-bytes")))
	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, int64(1_000), stored.VerifiedAt)
	require.Equal(t, int64(250), state.balance(payee, "PAY").Int64())
	require.Equal(t, []string{EventTypeRecordCreated, EventTypeProofSubmitted, EventTypeReleased}, emitter.types())
}

func TestCryptographicProofRejectedLeavesRecordOpen(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeRejected, Reason: "endpoint mismatch"})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(250), "api call", PolicyCryptographic, 0, 0, "")
	require.NoError(t, err)

	err = engine.SubmitProof(payee, record.ID, []byte("bad attestation"))
	require.ErrorIs(t, err, ErrProofRejected)
	require.Contains(t, err.Error(), "endpoint mismatch")

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, stored.Status)
	require.Empty(t, stored.Evidence)
	require.Zero(t, state.balance(payee, "PAY").Sign())
}

func TestHybridWindowRelease(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(300), "delivery", PolicyHybrid, 0, 600, "")
	require.NoError(t, err)

	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attestation")))
	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingRelease, stored.Status)
	require.Equal(t, int64(1_600), stored.ReleaseAfter)

	// window still open: no-op, no funds move
	require.NoError(t, engine.ReleaseIfWindowElapsed(record.ID))
	require.Zero(t, state.balance(payee, "PAY").Sign())

	engine.SetNowFunc(func() int64 { return 1_600 })
	require.NoError(t, engine.ReleaseIfWindowElapsed(record.ID))
	stored, err = engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, int64(300), state.balance(payee, "PAY").Int64())

	// idempotent after completion
	require.NoError(t, engine.ReleaseIfWindowElapsed(record.ID))
	require.Equal(t, int64(300), state.balance(payee, "PAY").Int64())
}

func TestHybridDefaultWindow(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(10), "delivery", PolicyHybrid, 0, 0, "")
	require.NoError(t, err)
	require.Equal(t, DefaultDisputeWindow, record.DisputeWindow)
}

func TestDisputeAndResolvePayeeWins(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	arbiter := newTestAddress(0xaa)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(300), "delivery", PolicyHybrid, 0, 600, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attestation")))

	require.ErrorIs(t, engine.Dispute(newTestAddress(0x03), record.ID, "not my deal"), ErrUnauthorized)
	require.ErrorIs(t, engine.Dispute(payer, record.ID, ""), ErrValidation)
	require.NoError(t, engine.Dispute(payer, record.ID, "item never arrived"))

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, stored.Status)
	require.Equal(t, "item never arrived", stored.DisputeReason)

	// the timer is frozen while disputed
	engine.SetNowFunc(func() int64 { return 5_000 })
	require.ErrorIs(t, engine.ReleaseIfWindowElapsed(record.ID), ErrInvalidStatus)

	require.ErrorIs(t, engine.ResolveDispute(payer, record.ID, OutcomePayeeWins), ErrUnauthorized)
	require.NoError(t, engine.ResolveDispute(arbiter, record.ID, OutcomePayeeWins))

	stored, err = engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, int64(300), state.balance(payee, "PAY").Int64())
	require.Contains(t, emitter.types(), EventTypeDisputed)
	require.Contains(t, emitter.types(), EventTypeResolved)

	require.ErrorIs(t, engine.ResolveDispute(arbiter, record.ID, OutcomePayeeWins), ErrAlreadySettled)
}

func TestResolvePayerWinsRefunds(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	arbiter := newTestAddress(0xaa)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(300), "delivery", PolicyHybrid, 0, 600, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attestation")))
	require.NoError(t, engine.Dispute(payee, record.ID, "payer is stalling"))

	require.ErrorIs(t, engine.ResolveDispute(arbiter, record.ID, "split"), ErrValidation)
	require.NoError(t, engine.ResolveDispute(arbiter, record.ID, OutcomePayerWins))

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, stored.Status)
	require.Equal(t, int64(500), state.balance(payer, "PAY").Int64())
	require.Zero(t, state.balance(payee, "PAY").Sign())

	stats, err := engine.StatsSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalDisputed)
	require.Equal(t, uint64(1), stats.TotalSettled)
}

func TestDisputeAfterWindowElapsed(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(300), "delivery", PolicyHybrid, 0, 600, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attestation")))

	engine.SetNowFunc(func() int64 { return 1_600 })
	require.ErrorIs(t, engine.Dispute(payer, record.ID, "too late"), ErrInvalidStatus)
}

func TestCancelAfterVerificationRejected(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(300), "delivery", PolicyHybrid, 0, 600, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("attestation")))

	require.ErrorIs(t, engine.Cancel(payer, record.ID), ErrInvalidStatus)
}

func TestQueries(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	other := newTestAddress(0x03)
	state.fund(payer, "PAY", 1_000)
	state.fund(other, "PAY", 1_000)

	first, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "one", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	second, err := engine.Create(other, payee, "PAY", big.NewInt(200), "two", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	third, err := engine.Create(payer, other, "PAY", big.NewInt(50), "three", PolicyManual, 0, 0, "")
	require.NoError(t, err)

	records, err := engine.ListFor(payee)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, first.ID, records[0].ID)
	require.Equal(t, second.ID, records[1].ID)

	require.NoError(t, engine.Cancel(payer, first.ID))

	pending, err := engine.ListPendingFor(payee)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, second.ID, pending[0].ID)

	inbound, err := engine.PendingInbound(payee, "PAY")
	require.NoError(t, err)
	require.Equal(t, int64(200), inbound.Int64())

	inbound, err = engine.PendingInbound(other, "PAY")
	require.NoError(t, err)
	require.Equal(t, int64(50), inbound.Int64())
	_ = third

	_, err = engine.Get(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEscrowDebitExactlyOnce(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	record, err := engine.Create(payer, payee, "PAY", big.NewInt(100), "logo", PolicyManual, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, []byte("done")))
	require.NoError(t, engine.Approve(payer, record.ID))

	// force the record back to a releasable status behind the engine's
	// back: the escrow ledger still refuses a second debit
	tampered, ok := state.RecordGet(record.ID)
	require.True(t, ok)
	tampered.Status = StatusProofSubmitted
	require.NoError(t, state.RecordPut(tampered))
	require.ErrorIs(t, engine.Approve(payer, record.ID), ErrEscrowInvariant)
	require.Equal(t, int64(100), state.balance(payee, "PAY").Int64())
}

func TestCreateRejectsEndpointForReviewPolicies(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	_, err := engine.Create(payer, payee, "PAY", big.NewInt(10), "", PolicyManual, 0, 0, "https://api.example.com")
	require.ErrorIs(t, err, ErrValidation)

	_, err = engine.Create(payer, payee, "PAY", big.NewInt(10), "", PolicyNone, 0, 0, "https://api.example.com")
	require.ErrorIs(t, err, ErrValidation)
}

func TestEndpointBindsAttestation(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	attestorAddr := ethcrypto.PubkeyToAddress(key.PublicKey)
	var trusted [20]byte
	copy(trusted[:], attestorAddr[:])

	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(NewAttestorVerifier(trusted))
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.fund(payer, "PAY", 500)

	endpoint := "https://api.example.com/v1/orders/1"
	record, err := engine.Create(payer, payee, "PAY", big.NewInt(250), "api call", PolicyCryptographic, 0, 0, endpoint)
	require.NoError(t, err)
	require.Equal(t, endpoint, record.Endpoint)

	var evidenceHash [32]byte
	copy(evidenceHash[:], ethcrypto.Keccak256([]byte("transcript")))

	// attestation vouching for a different endpoint fails the binding
	wrongCtx := ProofContext{RecordID: record.ID, Payee: payee, Endpoint: "https://other.example.com"}
	digest := AttestationDigest(wrongCtx, evidenceHash)
	sig, err := ethcrypto.Sign(digest[:], key)
	require.NoError(t, err)
	blob, err := EncodeAttestation(&Attestation{Endpoint: wrongCtx.Endpoint, EvidenceHash: evidenceHash, Signature: sig})
	require.NoError(t, err)
	err = engine.SubmitProof(payee, record.ID, blob)
	require.ErrorIs(t, err, ErrProofRejected)
	require.Contains(t, err.Error(), "endpoint")

	// attestation for the pinned endpoint releases
	boundCtx := ProofContext{RecordID: record.ID, Payee: payee, Endpoint: endpoint}
	digest = AttestationDigest(boundCtx, evidenceHash)
	sig, err = ethcrypto.Sign(digest[:], key)
	require.NoError(t, err)
	blob, err = EncodeAttestation(&Attestation{Endpoint: endpoint, EvidenceHash: evidenceHash, Signature: sig})
	require.NoError(t, err)
	require.NoError(t, engine.SubmitProof(payee, record.ID, blob))

	stored, err := engine.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
	require.Equal(t, int64(250), state.balance(payee, "PAY").Int64())
}

func TestEscrowReconciliationUnderRandomOperations(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	engine.SetVerifier(StaticVerifier{Outcome: OutcomeAccepted})
	now := int64(1_000)
	engine.SetNowFunc(func() int64 { return now })
	arbiter := newTestAddress(0xaa)

	const perAccount = 100_000
	actors := [][20]byte{newTestAddress(0x01), newTestAddress(0x02), newTestAddress(0x03)}
	denoms := []string{"PAY", "USDQ"}
	for _, actor := range actors {
		for _, denom := range denoms {
			state.fund(actor, denom, perAccount)
		}
	}

	rng := rand.New(rand.NewSource(42))
	policies := []ProofPolicy{PolicyNone, PolicyManual, PolicyEvidenceHash, PolicyCryptographic, PolicyHybrid}

	// after every operation the vault must hold exactly the sum of
	// non-terminal record amounts per denom, and no funds may leak
	reconcile := func(step int) {
		for _, denom := range denoms {
			vault, err := state.EscrowVaultAddress(denom)
			require.NoError(t, err)
			held := big.NewInt(0)
			for _, record := range state.records {
				if record.Denom == denom && !record.Status.Terminal() {
					held.Add(held, record.Amount)
				}
			}
			require.Zero(t, state.balance(vault, denom).Cmp(held),
				"step %d: vault %s holds %s, open records sum to %s", step, denom, state.balance(vault, denom), held)

			total := new(big.Int).Set(state.balance(vault, denom))
			for _, actor := range actors {
				total.Add(total, state.balance(actor, denom))
			}
			require.Equal(t, int64(perAccount*len(actors)), total.Int64(),
				"step %d: %s supply changed", step, denom)
		}
	}

	randomID := func() (uint64, *Record, bool) {
		if state.nextID == 0 {
			return 0, nil, false
		}
		id := uint64(rng.Intn(int(state.nextID))) + 1
		record, ok := state.records[id]
		return id, record, ok
	}

	for i := 0; i < 400; i++ {
		switch rng.Intn(10) {
		case 0, 1, 2:
			payer := actors[rng.Intn(len(actors))]
			payee := actors[rng.Intn(len(actors))]
			policy := policies[rng.Intn(len(policies))]
			window := int64(0)
			if policy == PolicyHybrid {
				window = int64(rng.Intn(500) + 100)
			}
			deadline := int64(0)
			if rng.Intn(3) == 0 {
				deadline = now + int64(rng.Intn(1_000)+1)
			}
			amount := big.NewInt(int64(rng.Intn(900) + 100))
			_, _ = engine.Create(payer, payee, denoms[rng.Intn(len(denoms))], amount, "", policy, deadline, window, "")
		case 3:
			if id, record, ok := randomID(); ok {
				_ = engine.SubmitProof(record.Payee, id, []byte("evidence"))
			}
		case 4:
			if id, record, ok := randomID(); ok {
				_ = engine.Approve(record.Payer, id)
			}
		case 5:
			if id, record, ok := randomID(); ok {
				_ = engine.Reject(record.Payer, id)
			}
		case 6:
			if id, record, ok := randomID(); ok {
				_ = engine.Cancel(record.Payer, id)
			}
		case 7:
			if id, record, ok := randomID(); ok {
				_ = engine.Dispute(record.Payer, id, "late")
				if rng.Intn(2) == 0 {
					outcome := OutcomePayeeWins
					if rng.Intn(2) == 0 {
						outcome = OutcomePayerWins
					}
					_ = engine.ResolveDispute(arbiter, id, outcome)
				}
			}
		case 8:
			if id, _, ok := randomID(); ok {
				_ = engine.ReleaseIfWindowElapsed(id)
				_ = engine.RefundIfExpired(id)
			}
		case 9:
			now += int64(rng.Intn(400))
		}
		reconcile(i)
	}
	require.NotZero(t, state.nextID)
}
