package state

import (
	"proofpay/native/identity"
)

var (
	identityNamePrefix = []byte("identity/name/")
	identityAddrPrefix = []byte("identity/addr/")
)

type storedUsername struct {
	Username  string
	Address   [20]byte
	CreatedAt uint64
}

func usernameKey(username string) []byte {
	return append(append([]byte{}, identityNamePrefix...), username...)
}

func usernameAddrKey(addr [20]byte) []byte {
	return append(append([]byte{}, identityAddrPrefix...), addr[:]...)
}

// UsernameGet loads the registration for a normalized username.
func (m *Manager) UsernameGet(username string) (*identity.UsernameRecord, bool) {
	stored := &storedUsername{}
	ok, err := m.KVGet(usernameKey(username), stored)
	if err != nil || !ok {
		return nil, false
	}
	return &identity.UsernameRecord{
		Username:  stored.Username,
		Address:   stored.Address,
		CreatedAt: int64(stored.CreatedAt),
	}, true
}

// UsernamePut persists a registration in both directions.
func (m *Manager) UsernamePut(record *identity.UsernameRecord) error {
	stored := &storedUsername{
		Username:  record.Username,
		Address:   record.Address,
		CreatedAt: uint64(record.CreatedAt),
	}
	if err := m.KVPut(usernameKey(record.Username), stored); err != nil {
		return err
	}
	return m.KVPut(usernameAddrKey(record.Address), record.Username)
}

// UsernameByAddress loads the registration held by an address.
func (m *Manager) UsernameByAddress(addr [20]byte) (*identity.UsernameRecord, bool) {
	var username string
	ok, err := m.KVGet(usernameAddrKey(addr), &username)
	if err != nil || !ok {
		return nil, false
	}
	return m.UsernameGet(username)
}
