package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"proofpay/native/settlement"
)

var (
	settlementRecordPrefix      = []byte("settlement/record/")
	settlementParticipantPrefix = []byte("settlement/participant/")
	settlementEscrowPrefix      = []byte("settlement/escrow/")
	settlementSequenceKey       = []byte("settlement/seq")
	settlementStatsKey          = []byte("settlement/stats")
	settlementVaultDomain       = []byte("proofpay/vault/")
)

// storedRecord is the persisted shape of a settlement record. Timestamps are
// stored unsigned for RLP.
type storedRecord struct {
	ID            uint64
	Payer         [20]byte
	Payee         [20]byte
	Denom         string
	Amount        *big.Int
	Description   string
	Policy        uint8
	Endpoint      string
	Evidence      []byte
	Status        uint8
	CreatedAt     uint64
	Deadline      uint64
	DisputeWindow uint64
	ReleaseAfter  uint64
	VerifiedAt    uint64
	CompletedAt   uint64
	Rejections    uint32
	DisputeReason string
}

type storedStats struct {
	TotalRecords  uint64
	TotalSettled  uint64
	TotalDisputed uint64
	VolumeByDenom []storedDenomVolume
}

type storedDenomVolume struct {
	Denom  string
	Amount *big.Int
}

func recordToStored(r *settlement.Record) *storedRecord {
	amount := big.NewInt(0)
	if r.Amount != nil {
		amount = new(big.Int).Set(r.Amount)
	}
	return &storedRecord{
		ID:            r.ID,
		Payer:         r.Payer,
		Payee:         r.Payee,
		Denom:         r.Denom,
		Amount:        amount,
		Description:   r.Description,
		Policy:        uint8(r.Policy),
		Endpoint:      r.Endpoint,
		Evidence:      append([]byte(nil), r.Evidence...),
		Status:        uint8(r.Status),
		CreatedAt:     uint64(r.CreatedAt),
		Deadline:      uint64(r.Deadline),
		DisputeWindow: uint64(r.DisputeWindow),
		ReleaseAfter:  uint64(r.ReleaseAfter),
		VerifiedAt:    uint64(r.VerifiedAt),
		CompletedAt:   uint64(r.CompletedAt),
		Rejections:    r.Rejections,
		DisputeReason: r.DisputeReason,
	}
}

func recordFromStored(s *storedRecord) *settlement.Record {
	amount := big.NewInt(0)
	if s.Amount != nil {
		amount = new(big.Int).Set(s.Amount)
	}
	return &settlement.Record{
		ID:            s.ID,
		Payer:         s.Payer,
		Payee:         s.Payee,
		Denom:         s.Denom,
		Amount:        amount,
		Description:   s.Description,
		Policy:        settlement.ProofPolicy(s.Policy),
		Endpoint:      s.Endpoint,
		Evidence:      append([]byte(nil), s.Evidence...),
		Status:        settlement.Status(s.Status),
		CreatedAt:     int64(s.CreatedAt),
		Deadline:      int64(s.Deadline),
		DisputeWindow: int64(s.DisputeWindow),
		ReleaseAfter:  int64(s.ReleaseAfter),
		VerifiedAt:    int64(s.VerifiedAt),
		CompletedAt:   int64(s.CompletedAt),
		Rejections:    s.Rejections,
		DisputeReason: s.DisputeReason,
	}
}

func recordKey(id uint64) []byte {
	key := append([]byte{}, settlementRecordPrefix...)
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	return append(key, idBytes[:]...)
}

func participantKey(addr [20]byte) []byte {
	return append(append([]byte{}, settlementParticipantPrefix...), addr[:]...)
}

func escrowKey(id uint64, denom string) []byte {
	key := append([]byte{}, settlementEscrowPrefix...)
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	key = append(key, idBytes[:]...)
	key = append(key, '/')
	return append(key, denom...)
}

// RecordPut persists the settlement record.
func (m *Manager) RecordPut(r *settlement.Record) error {
	if r == nil {
		return fmt.Errorf("state: nil settlement record")
	}
	return m.KVPut(recordKey(r.ID), recordToStored(r))
}

// RecordGet loads the settlement record with the supplied identifier.
func (m *Manager) RecordGet(id uint64) (*settlement.Record, bool) {
	stored := &storedRecord{}
	ok, err := m.KVGet(recordKey(id), stored)
	if err != nil || !ok {
		return nil, false
	}
	return recordFromStored(stored), true
}

// RecordNextID increments and returns the monotonic record sequence.
// Identifiers start at 1.
func (m *Manager) RecordNextID() (uint64, error) {
	var current uint64
	if _, err := m.KVGet(settlementSequenceKey, &current); err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.KVPut(settlementSequenceKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// RecordLastID returns the highest identifier issued so far without
// advancing the sequence.
func (m *Manager) RecordLastID() (uint64, error) {
	var current uint64
	if _, err := m.KVGet(settlementSequenceKey, &current); err != nil {
		return 0, err
	}
	return current, nil
}

// RecordIndexAdd links a participant address to a record identifier.
func (m *Manager) RecordIndexAdd(addr [20]byte, id uint64) error {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], id)
	return m.KVAppend(participantKey(addr), idBytes[:])
}

// RecordsByParticipant returns the record identifiers an address participates
// in, in insertion order.
func (m *Manager) RecordsByParticipant(addr [20]byte) ([]uint64, error) {
	list, err := m.KVGetList(participantKey(addr))
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(list))
	for _, raw := range list {
		if len(raw) != 8 {
			return nil, fmt.Errorf("state: malformed participant index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(raw))
	}
	return ids, nil
}

// EscrowCredit increases the escrow balance held for a record.
func (m *Manager) EscrowCredit(id uint64, denom string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: escrow credit must be non-negative")
	}
	balance, err := m.EscrowBalance(id, denom)
	if err != nil {
		return err
	}
	return m.KVPut(escrowKey(id, denom), new(big.Int).Add(balance, amt))
}

// EscrowDebit decreases the escrow balance held for a record. Debiting more
// than the held balance breaks the funds-move-once invariant and fails.
func (m *Manager) EscrowDebit(id uint64, denom string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: escrow debit must be non-negative")
	}
	balance, err := m.EscrowBalance(id, denom)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: debit %s exceeds held %s for record %d", settlement.ErrEscrowInvariant, amt, balance, id)
	}
	return m.KVPut(escrowKey(id, denom), new(big.Int).Sub(balance, amt))
}

// EscrowBalance returns the escrow balance held for a record.
func (m *Manager) EscrowBalance(id uint64, denom string) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := m.KVGet(escrowKey(id, denom), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// EscrowVaultAddress derives the ledger account holding escrowed funds for a
// denomination. The address is a hash of a domain tag and the denom, so no
// key exists that could spend from it outside the engine.
func (m *Manager) EscrowVaultAddress(denom string) ([20]byte, error) {
	normalized, err := settlement.NormalizeDenom(denom)
	if err != nil {
		return [20]byte{}, err
	}
	digest := ethcrypto.Keccak256(settlementVaultDomain, []byte(normalized))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

// StatsGet loads the aggregate settlement counters.
func (m *Manager) StatsGet() (*settlement.Stats, error) {
	stored := &storedStats{}
	ok, err := m.KVGet(settlementStatsKey, stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &settlement.Stats{}, nil
	}
	stats := &settlement.Stats{
		TotalRecords:  stored.TotalRecords,
		TotalSettled:  stored.TotalSettled,
		TotalDisputed: stored.TotalDisputed,
	}
	for _, vol := range stored.VolumeByDenom {
		amount := big.NewInt(0)
		if vol.Amount != nil {
			amount = new(big.Int).Set(vol.Amount)
		}
		stats.VolumeByDenom = append(stats.VolumeByDenom, settlement.DenomVolume{Denom: vol.Denom, Amount: amount})
	}
	return stats, nil
}

// StatsPut stores the aggregate settlement counters.
func (m *Manager) StatsPut(stats *settlement.Stats) error {
	if stats == nil {
		stats = &settlement.Stats{}
	}
	stored := &storedStats{
		TotalRecords:  stats.TotalRecords,
		TotalSettled:  stats.TotalSettled,
		TotalDisputed: stats.TotalDisputed,
	}
	for _, vol := range stats.VolumeByDenom {
		amount := big.NewInt(0)
		if vol.Amount != nil {
			amount = new(big.Int).Set(vol.Amount)
		}
		stored.VolumeByDenom = append(stored.VolumeByDenom, storedDenomVolume{Denom: vol.Denom, Amount: amount})
	}
	return m.KVPut(settlementStatsKey, stored)
}
