package types

import "math/big"

// Account is the ledger-side record for a principal: a replay nonce plus the
// balance of each settlement token. Balances are never nil once the account
// has passed through the state manager.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceINV *big.Int `json:"balanceINV"`
	BalanceZINV *big.Int `json:"balanceZINV"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.BalanceINV != nil {
		clone.BalanceINV = new(big.Int).Set(a.BalanceINV)
	}
	if a.BalanceZINV != nil {
		clone.BalanceZINV = new(big.Int).Set(a.BalanceZINV)
	}
	return clone
}
