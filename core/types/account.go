package types

import "math/big"

// TokenBalance pairs a denomination with a held quantity. Slices of balances
// are used instead of maps so account records encode deterministically.
type TokenBalance struct {
	Denom  string   `json:"denom"`
	Amount *big.Int `json:"amount"`
}

// Account mirrors the host ledger's view of a party: a nonce for replay
// protection, per-denomination balances and the registered username, if any.
type Account struct {
	Nonce    uint64         `json:"nonce"`
	Balances []TokenBalance `json:"balances"`
	Username string         `json:"username,omitempty"`
}

// Balance returns the held amount for the supplied denomination. Missing
// denominations read as zero.
func (a *Account) Balance(denom string) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	for _, bal := range a.Balances {
		if bal.Denom == denom {
			if bal.Amount == nil {
				return big.NewInt(0)
			}
			return new(big.Int).Set(bal.Amount)
		}
	}
	return big.NewInt(0)
}

// SetBalance replaces the held amount for a denomination, creating the entry
// when absent. Negative amounts are stored as-is; callers validate first.
func (a *Account) SetBalance(denom string, amount *big.Int) {
	if a == nil {
		return
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	for i := range a.Balances {
		if a.Balances[i].Denom == denom {
			a.Balances[i].Amount = new(big.Int).Set(amount)
			return
		}
	}
	a.Balances = append(a.Balances, TokenBalance{Denom: denom, Amount: new(big.Int).Set(amount)})
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce, Username: a.Username}
	if len(a.Balances) > 0 {
		clone.Balances = make([]TokenBalance, len(a.Balances))
		for i, bal := range a.Balances {
			amount := big.NewInt(0)
			if bal.Amount != nil {
				amount = new(big.Int).Set(bal.Amount)
			}
			clone.Balances[i] = TokenBalance{Denom: bal.Denom, Amount: amount}
		}
	}
	return clone
}
