package state

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"invochain/core/types"
)

var (
	accountPrefix   = []byte("account:")
	allowancePrefix = []byte("allowance:")
)

type storedAccount struct {
	Nonce       uint64
	BalanceINV  *big.Int
	BalanceZINV *big.Int
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func allowanceKey(owner, spender [20]byte, token string) []byte {
	buf := make([]byte, 0, len(allowancePrefix)+len(owner)+1+len(spender)+1+len(token))
	buf = append(buf, allowancePrefix...)
	buf = append(buf, owner[:]...)
	buf = append(buf, ':')
	buf = append(buf, spender[:]...)
	buf = append(buf, ':')
	buf = append(buf, token...)
	return ethcrypto.Keccak256(buf)
}

func ensureAccountDefaults(account *types.Account) {
	if account.BalanceINV == nil {
		account.BalanceINV = big.NewInt(0)
	}
	if account.BalanceZINV == nil {
		account.BalanceZINV = big.NewInt(0)
	}
}

// GetAccount loads the account stored under the address. Unknown addresses
// yield a zero-value account rather than an error so transfer paths can treat
// first-touch recipients uniformly.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	account := &types.Account{}
	data, err := m.getRaw(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		stored := new(storedAccount)
		if err := rlp.DecodeBytes(data, stored); err != nil {
			return nil, err
		}
		account.Nonce = stored.Nonce
		if stored.BalanceINV != nil {
			account.BalanceINV = new(big.Int).Set(stored.BalanceINV)
		}
		if stored.BalanceZINV != nil {
			account.BalanceZINV = new(big.Int).Set(stored.BalanceZINV)
		}
	}
	ensureAccountDefaults(account)
	return account, nil
}

// PutAccount persists the provided account state under the supplied address.
// Balances that do not fit a 256-bit word are rejected before anything is
// written.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	ensureAccountDefaults(account)
	if account.BalanceINV.Sign() < 0 || account.BalanceZINV.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	if _, overflow := uint256.FromBig(account.BalanceINV); overflow {
		return fmt.Errorf("balance overflow")
	}
	if _, overflow := uint256.FromBig(account.BalanceZINV); overflow {
		return fmt.Errorf("balance overflow")
	}
	stored := &storedAccount{
		Nonce:       account.Nonce,
		BalanceINV:  new(big.Int).Set(account.BalanceINV),
		BalanceZINV: new(big.Int).Set(account.BalanceZINV),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.putRaw(accountKey(addr), encoded)
}

// Allowance returns the amount of token the owner has pre-approved the
// spender to pull. Unset allowances read as zero.
func (m *Manager) Allowance(owner, spender [20]byte, token string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return nil, fmt.Errorf("token symbol must not be empty")
	}
	data, err := m.getRaw(allowanceKey(owner, spender, normalized))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetAllowance stores the owner's pre-approval for the spender. A zero amount
// clears the approval.
func (m *Manager) SetAllowance(owner, spender [20]byte, token string, amount *big.Int) error {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative allowance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.putRaw(allowanceKey(owner, spender, normalized), encoded)
}

// ConsumeAllowance reduces the stored approval by the supplied amount,
// failing without a write when the approval is too small.
func (m *Manager) ConsumeAllowance(owner, spender [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("allowance consumption must be positive")
	}
	current, err := m.Allowance(owner, spender, token)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("allowance %s below requested %s", current, amount)
	}
	remaining := new(big.Int).Sub(current, amount)
	return m.SetAllowance(owner, spender, token, remaining)
}
