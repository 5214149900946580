package state

import (
	"proofpay/core/types"
)

var accountPrefix = []byte("accounts/")

func accountKey(addr []byte) []byte {
	return append(append([]byte{}, accountPrefix...), addr...)
}

// GetAccount loads the account stored for the address. Unknown addresses
// yield a zeroed account rather than an error.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	account := &types.Account{}
	if _, err := m.KVGet(accountKey(addr), account); err != nil {
		return nil, err
	}
	return account, nil
}

// PutAccount persists the account under the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		account = &types.Account{}
	}
	return m.KVPut(accountKey(addr), account)
}
