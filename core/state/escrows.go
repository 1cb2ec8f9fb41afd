package state

import (
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invochain/native/escrow"
)

var (
	escrowPrefix        = []byte("escrow:")
	escrowInvoicePrefix = []byte("escrow-invoice:")
	escrowFundsPrefix   = []byte("escrow-funds:")
	escrowVaultPrefix   = []byte("escrow-vault:")
)

type storedEscrow struct {
	ID        [32]byte
	InvoiceID [32]byte
	Business  [20]byte
	Investor  [20]byte
	Token     string
	Amount    *big.Int
	Status    uint8
	CreatedAt uint64
	ClosedAt  uint64
}

func escrowKey(id [32]byte) []byte {
	buf := make([]byte, len(escrowPrefix)+len(id))
	copy(buf, escrowPrefix)
	copy(buf[len(escrowPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func escrowInvoiceKey(invoiceID [32]byte) []byte {
	buf := make([]byte, len(escrowInvoicePrefix)+len(invoiceID))
	copy(buf, escrowInvoicePrefix)
	copy(buf[len(escrowInvoicePrefix):], invoiceID[:])
	return ethcrypto.Keccak256(buf)
}

func escrowFundsKey(id [32]byte, token string) []byte {
	buf := make([]byte, 0, len(escrowFundsPrefix)+len(token)+1+len(id))
	buf = append(buf, escrowFundsPrefix...)
	buf = append(buf, token...)
	buf = append(buf, ':')
	buf = append(buf, id[:]...)
	return ethcrypto.Keccak256(buf)
}

func toStoredEscrow(esc *escrow.Escrow) *storedEscrow {
	return &storedEscrow{
		ID:        esc.ID,
		InvoiceID: esc.InvoiceID,
		Business:  esc.Business,
		Investor:  esc.Investor,
		Token:     esc.Token,
		Amount:    new(big.Int).Set(esc.Amount),
		Status:    uint8(esc.Status),
		CreatedAt: int64ToUint64(esc.CreatedAt),
		ClosedAt:  int64ToUint64(esc.ClosedAt),
	}
}

func fromStoredEscrow(stored *storedEscrow) (*escrow.Escrow, error) {
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("escrow created at overflow: %w", err)
	}
	closedAt, err := uint64ToInt64(stored.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("escrow closed at overflow: %w", err)
	}
	esc := &escrow.Escrow{
		ID:        stored.ID,
		InvoiceID: stored.InvoiceID,
		Business:  stored.Business,
		Investor:  stored.Investor,
		Token:     stored.Token,
		Amount:    stored.Amount,
		Status:    escrow.EscrowStatus(stored.Status),
		CreatedAt: createdAt,
		ClosedAt:  closedAt,
	}
	if esc.Amount == nil {
		esc.Amount = big.NewInt(0)
	}
	return esc, nil
}

// EscrowPut persists the escrow record and the invoice-to-escrow mapping in
// the same call, keeping the one-escrow-per-invoice lookup consistent with the
// canonical record.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredEscrow(sanitized))
	if err != nil {
		return err
	}
	if err := m.putRaw(escrowKey(sanitized.ID), encoded); err != nil {
		return err
	}
	mapping, err := rlp.EncodeToBytes(sanitized.ID[:])
	if err != nil {
		return err
	}
	return m.putRaw(escrowInvoiceKey(sanitized.InvoiceID), mapping)
}

// EscrowGet loads the escrow stored under the id. Missing or undecodable
// records read as absent.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	data, err := m.getRaw(escrowKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	esc, err := fromStoredEscrow(stored)
	if err != nil {
		return nil, false
	}
	return esc, true
}

// EscrowByInvoice resolves the escrow referencing the invoice, if one was ever
// opened.
func (m *Manager) EscrowByInvoice(invoiceID [32]byte) (*escrow.Escrow, bool) {
	data, err := m.getRaw(escrowInvoiceKey(invoiceID))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var idBytes []byte
	if err := rlp.DecodeBytes(data, &idBytes); err != nil || len(idBytes) != 32 {
		return nil, false
	}
	var id [32]byte
	copy(id[:], idBytes)
	return m.EscrowGet(id)
}

// EscrowVaultAddress derives the deterministic module custody address for the
// supplied token. Every escrow of that token holds its funds under this
// address.
func (m *Manager) EscrowVaultAddress(token string) ([20]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return [20]byte{}, fmt.Errorf("token symbol must not be empty")
	}
	buf := make([]byte, 0, len(escrowVaultPrefix)+len(normalized))
	buf = append(buf, escrowVaultPrefix...)
	buf = append(buf, normalized...)
	digest := ethcrypto.Keccak256(buf)
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

// EscrowCredit records that amt of token inside the vault now belongs to the
// escrow id.
func (m *Manager) EscrowCredit(id [32]byte, token string, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("escrow credit must be positive")
	}
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	current, err := m.EscrowBalance(id, normalized)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(current, amt)
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return err
	}
	return m.putRaw(escrowFundsKey(id, normalized), encoded)
}

// EscrowDebit releases amt of token from the escrow's vault holding, failing
// without a write when the holding is too small.
func (m *Manager) EscrowDebit(id [32]byte, token string, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("escrow debit must be positive")
	}
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	current, err := m.EscrowBalance(id, normalized)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("escrow holding %s below requested %s", current, amt)
	}
	updated := new(big.Int).Sub(current, amt)
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return err
	}
	return m.putRaw(escrowFundsKey(id, normalized), encoded)
}

// EscrowBalance returns the amount of token the vault currently holds for the
// escrow id.
func (m *Manager) EscrowBalance(id [32]byte, token string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return nil, fmt.Errorf("token symbol must not be empty")
	}
	data, err := m.getRaw(escrowFundsKey(id, normalized))
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
