package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invochain/native/invoice"
)

var (
	invoicePrefix            = []byte("invoice:")
	invoiceCountTotalKey     = ethcrypto.Keccak256([]byte("invoice-count:total"))
	invoiceCountStatusPrefix = []byte("invoice-count:status:")
)

type storedInvoice struct {
	ID           [32]byte
	Business     [20]byte
	Amount       *big.Int
	DueDate      uint64
	Token        string
	Category     string
	Reference    string
	Status       uint8
	FundedAmount *big.Int
	Investor     [20]byte
	Disputed     bool
	CreatedAt    uint64
	UpdatedAt    uint64
}

func invoiceKey(id [32]byte) []byte {
	buf := make([]byte, len(invoicePrefix)+len(id))
	copy(buf, invoicePrefix)
	copy(buf[len(invoicePrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func invoiceStatusCountKey(status invoice.InvoiceStatus) []byte {
	buf := make([]byte, len(invoiceCountStatusPrefix)+1)
	copy(buf, invoiceCountStatusPrefix)
	buf[len(invoiceCountStatusPrefix)] = byte(status)
	return ethcrypto.Keccak256(buf)
}

func (m *Manager) readCounter(key []byte) (uint64, error) {
	data, err := m.getRaw(key)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (m *Manager) writeCounter(key []byte, count uint64) error {
	encoded, err := rlp.EncodeToBytes(count)
	if err != nil {
		return err
	}
	return m.putRaw(key, encoded)
}

func toStoredInvoice(inv *invoice.Invoice) *storedInvoice {
	return &storedInvoice{
		ID:           inv.ID,
		Business:     inv.Business,
		Amount:       new(big.Int).Set(inv.Amount),
		DueDate:      int64ToUint64(inv.DueDate),
		Token:        inv.Token,
		Category:     inv.Category,
		Reference:    inv.Reference,
		Status:       uint8(inv.Status),
		FundedAmount: new(big.Int).Set(inv.FundedAmount),
		Investor:     inv.Investor,
		Disputed:     inv.Disputed,
		CreatedAt:    int64ToUint64(inv.CreatedAt),
		UpdatedAt:    int64ToUint64(inv.UpdatedAt),
	}
}

func fromStoredInvoice(stored *storedInvoice) (*invoice.Invoice, error) {
	dueDate, err := uint64ToInt64(stored.DueDate)
	if err != nil {
		return nil, fmt.Errorf("invoice due date overflow: %w", err)
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("invoice created at overflow: %w", err)
	}
	updatedAt, err := uint64ToInt64(stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("invoice updated at overflow: %w", err)
	}
	inv := &invoice.Invoice{
		ID:           stored.ID,
		Business:     stored.Business,
		Amount:       stored.Amount,
		DueDate:      dueDate,
		Token:        stored.Token,
		Category:     stored.Category,
		Reference:    stored.Reference,
		Status:       invoice.InvoiceStatus(stored.Status),
		FundedAmount: stored.FundedAmount,
		Investor:     stored.Investor,
		Disputed:     stored.Disputed,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if inv.Amount == nil {
		inv.Amount = big.NewInt(0)
	}
	if inv.FundedAmount == nil {
		inv.FundedAmount = big.NewInt(0)
	}
	return inv, nil
}

// InvoicePut persists the invoice record and keeps the denormalized status
// counters consistent in the same call. Every canonical invoice write in the
// system flows through here; the counters are never updated independently, so
// the sum of the per-status counters always equals the total counter.
func (m *Manager) InvoicePut(inv *invoice.Invoice) error {
	sanitized, err := invoice.SanitizeInvoice(inv)
	if err != nil {
		return err
	}
	var prevStatus invoice.InvoiceStatus
	exists := false
	data, err := m.getRaw(invoiceKey(sanitized.ID))
	if err != nil {
		return err
	}
	if len(data) > 0 {
		stored := new(storedInvoice)
		if err := rlp.DecodeBytes(data, stored); err != nil {
			return err
		}
		prevStatus = invoice.InvoiceStatus(stored.Status)
		exists = true
	}

	encoded, err := rlp.EncodeToBytes(toStoredInvoice(sanitized))
	if err != nil {
		return err
	}
	if err := m.putRaw(invoiceKey(sanitized.ID), encoded); err != nil {
		return err
	}

	if !exists {
		total, err := m.readCounter(invoiceCountTotalKey)
		if err != nil {
			return err
		}
		if err := m.writeCounter(invoiceCountTotalKey, total+1); err != nil {
			return err
		}
		return m.bumpStatusCounter(sanitized.Status, +1)
	}
	if prevStatus != sanitized.Status {
		if err := m.bumpStatusCounter(prevStatus, -1); err != nil {
			return err
		}
		return m.bumpStatusCounter(sanitized.Status, +1)
	}
	return nil
}

func (m *Manager) bumpStatusCounter(status invoice.InvoiceStatus, delta int) error {
	key := invoiceStatusCountKey(status)
	count, err := m.readCounter(key)
	if err != nil {
		return err
	}
	if delta < 0 {
		if count == 0 {
			return fmt.Errorf("invoice counter underflow for status %s", status)
		}
		return m.writeCounter(key, count-1)
	}
	return m.writeCounter(key, count+1)
}

// InvoiceGet loads the invoice stored under the id. Missing or undecodable
// records read as absent.
func (m *Manager) InvoiceGet(id [32]byte) (*invoice.Invoice, bool) {
	data, err := m.getRaw(invoiceKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedInvoice)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	inv, err := fromStoredInvoice(stored)
	if err != nil {
		return nil, false
	}
	return inv, true
}

// InvoiceCount returns the total number of invoices ever created.
func (m *Manager) InvoiceCount() (uint64, error) {
	return m.readCounter(invoiceCountTotalKey)
}

// InvoiceCountByStatus returns the number of invoices currently in the
// supplied status.
func (m *Manager) InvoiceCountByStatus(status invoice.InvoiceStatus) (uint64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("invalid invoice status: %d", status)
	}
	return m.readCounter(invoiceStatusCountKey(status))
}
