package core

import (
	"math/big"
	"sync"

	"proofpay/core/events"
	"proofpay/core/state"
	"proofpay/core/types"
	"proofpay/native/identity"
	"proofpay/native/settlement"
	"proofpay/storage"
)

// Node owns the state database and exposes the settlement and identity
// operations the RPC layer calls. A single mutex serializes every mutating
// call; engines are constructed per call against the shared manager, so no
// engine instance outlives the lock that guards it.
type Node struct {
	stateMu sync.Mutex

	db      storage.Database
	manager *state.Manager
	emitter events.Emitter

	arbiter       [20]byte
	verifier      settlement.Verifier
	maxRejections uint32
	disputeWindow int64
	nowFn         func() int64
}

// NewNode wires a node over the supplied database.
func NewNode(db storage.Database) (*Node, error) {
	return &Node{
		db:      db,
		manager: state.NewManager(db),
		emitter: events.NoopEmitter{},
	}, nil
}

// SetEventEmitter routes engine events to the supplied emitter.
func (n *Node) SetEventEmitter(emitter events.Emitter) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n.emitter = emitter
}

// SetArbiter configures the dispute arbiter address.
func (n *Node) SetArbiter(addr [20]byte) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.arbiter = addr
}

// SetProofVerifier configures the attestation verifier.
func (n *Node) SetProofVerifier(v settlement.Verifier) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.verifier = v
}

// SetMaxRejections overrides the proof rejection limit. Zero keeps the
// engine default.
func (n *Node) SetMaxRejections(limit uint32) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.maxRejections = limit
}

// SetDisputeWindow overrides the default dispute window applied to hybrid
// records created without an explicit one. Zero keeps the engine default.
func (n *Node) SetDisputeWindow(seconds int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.disputeWindow = seconds
}

// SetNowFunc overrides the time source for every engine the node builds.
// Primarily intended for tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.nowFn = now
}

func (n *Node) newSettlementEngine() *settlement.Engine {
	engine := settlement.NewEngine()
	engine.SetState(n.manager)
	engine.SetEmitter(n.emitter)
	engine.SetArbiter(n.arbiter)
	engine.SetVerifier(n.verifier)
	if n.maxRejections != 0 {
		engine.SetMaxRejections(n.maxRejections)
	}
	if n.disputeWindow > 0 {
		engine.SetDisputeWindow(n.disputeWindow)
	}
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}
	return engine
}

func (n *Node) newIdentityEngine() *identity.Engine {
	engine := identity.NewEngine()
	engine.SetState(n.manager)
	engine.SetEmitter(n.emitter)
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}
	return engine
}

// SettlementCreate opens a new record, escrowing the amount from the payer.
func (n *Node) SettlementCreate(payer, payee [20]byte, denom string, amount *big.Int, description string, policy settlement.ProofPolicy, deadline, disputeWindow int64, endpoint string) (*settlement.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().Create(payer, payee, denom, amount, description, policy, deadline, disputeWindow, endpoint)
}

// SettlementSubmitProof records evidence for a record.
func (n *Node) SettlementSubmitProof(caller [20]byte, id uint64, evidence []byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().SubmitProof(caller, id, evidence)
}

// SettlementApprove accepts submitted evidence, releasing to the payee.
func (n *Node) SettlementApprove(caller [20]byte, id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().Approve(caller, id)
}

// SettlementReject declines submitted evidence.
func (n *Node) SettlementReject(caller [20]byte, id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().Reject(caller, id)
}

// SettlementDispute freezes a pending-release record for arbitration.
func (n *Node) SettlementDispute(caller [20]byte, id uint64, reason string) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().Dispute(caller, id, reason)
}

// SettlementResolveDispute settles a disputed record per the arbiter ruling.
func (n *Node) SettlementResolveDispute(caller [20]byte, id uint64, outcome string) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().ResolveDispute(caller, id, outcome)
}

// SettlementCancel refunds an unproven record at the payer's request.
func (n *Node) SettlementCancel(caller [20]byte, id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().Cancel(caller, id)
}

// SettlementRelease sweeps a hybrid record whose dispute window has elapsed.
func (n *Node) SettlementRelease(id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().ReleaseIfWindowElapsed(id)
}

// SettlementRefundExpired sweeps a record whose deadline has passed.
func (n *Node) SettlementRefundExpired(id uint64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().RefundIfExpired(id)
}

// SettlementSweep walks every record and settles the ones that became
// eligible by the passage of time: hybrid records past their dispute window
// are released and unproven records past their deadline are refunded. It
// returns the number of records moved either way.
func (n *Node) SettlementSweep() (released, refunded int, err error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	last, err := n.manager.RecordLastID()
	if err != nil {
		return 0, 0, err
	}
	engine := n.newSettlementEngine()
	for id := uint64(1); id <= last; id++ {
		record, ok := n.manager.RecordGet(id)
		if !ok || record.Status.Terminal() {
			continue
		}
		switch record.Status {
		case settlement.StatusPendingRelease:
			if err := engine.ReleaseIfWindowElapsed(id); err != nil {
				return released, refunded, err
			}
			if after, ok := n.manager.RecordGet(id); ok && after.Status == settlement.StatusCompleted {
				released++
			}
		case settlement.StatusOpen, settlement.StatusProofSubmitted:
			if record.Deadline == 0 {
				continue
			}
			if err := engine.RefundIfExpired(id); err != nil {
				return released, refunded, err
			}
			if after, ok := n.manager.RecordGet(id); ok && after.Status == settlement.StatusRefunded {
				refunded++
			}
		}
	}
	return released, refunded, nil
}

// SettlementGet returns a record by identifier.
func (n *Node) SettlementGet(id uint64) (*settlement.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().Get(id)
}

// SettlementListFor returns every record an address participates in.
func (n *Node) SettlementListFor(addr [20]byte) ([]*settlement.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().ListFor(addr)
}

// SettlementListPendingFor returns an address's non-terminal records.
func (n *Node) SettlementListPendingFor(addr [20]byte) ([]*settlement.Record, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().ListPendingFor(addr)
}

// SettlementPendingInbound sums the unreleased amounts payable to an address.
func (n *Node) SettlementPendingInbound(addr [20]byte, denom string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().PendingInbound(addr, denom)
}

// SettlementStats returns the aggregate counters.
func (n *Node) SettlementStats() (*settlement.Stats, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newSettlementEngine().StatsSnapshot()
}

// IdentityRegister claims a username for an address and stamps it on the
// ledger account so balance queries report it.
func (n *Node) IdentityRegister(addr [20]byte, username string) (*identity.UsernameRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	record, err := n.newIdentityEngine().Register(addr, username)
	if err != nil {
		return nil, err
	}
	account, err := n.manager.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	if account.Username != record.Username {
		account.Username = record.Username
		if err := n.manager.PutAccount(addr[:], account); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// IdentityResolve returns the registration for a username.
func (n *Node) IdentityResolve(username string) (*identity.UsernameRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newIdentityEngine().Resolve(username)
}

// IdentityReverse returns the username held by an address.
func (n *Node) IdentityReverse(addr [20]byte) (*identity.UsernameRecord, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newIdentityEngine().Reverse(addr)
}

// IdentityAvailable reports whether a username can still be claimed.
func (n *Node) IdentityAvailable(username string) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.newIdentityEngine().IsAvailable(username)
}

// GetAccount returns the ledger account stored for an address.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.manager.GetAccount(addr)
}

// Mint credits an account balance. Exposed for genesis funding and tests;
// the settlement engine itself never mints.
func (n *Node) Mint(addr []byte, denom string, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	normalized, err := settlement.NormalizeDenom(denom)
	if err != nil {
		return err
	}
	account, err := n.manager.GetAccount(addr)
	if err != nil {
		return err
	}
	account.SetBalance(normalized, new(big.Int).Add(account.Balance(normalized), amount))
	return n.manager.PutAccount(addr, account)
}

// Close releases the underlying database.
func (n *Node) Close() error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.db == nil {
		return nil
	}
	return n.db.Close()
}
