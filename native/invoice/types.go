package invoice

import (
	"fmt"
	"math/big"
	"strings"
)

// InvoiceStatus tracks the lifecycle of a submitted invoice. Records are
// never deleted, only status-transitioned.
type InvoiceStatus uint8

const (
	// InvoicePending marks a freshly submitted invoice awaiting verification.
	InvoicePending InvoiceStatus = iota
	// InvoiceVerified marks an invoice cleared for bidding.
	InvoiceVerified
	// InvoiceFunded marks an invoice with an accepted, escrowed bid.
	InvoiceFunded
	// InvoicePaid marks a funded invoice settled by repayment.
	InvoicePaid
	// InvoiceDefaulted marks a funded invoice closed without repayment.
	InvoiceDefaulted
	// InvoiceCancelled marks an invoice withdrawn before funding.
	InvoiceCancelled
)

// Valid reports whether the status value is within the supported range.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoiceVerified, InvoiceFunded, InvoicePaid, InvoiceDefaulted, InvoiceCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s InvoiceStatus) Terminal() bool {
	switch s {
	case InvoicePaid, InvoiceDefaulted, InvoiceCancelled:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase status name used by RPC payloads and
// events.
func (s InvoiceStatus) String() string {
	switch s {
	case InvoicePending:
		return "pending"
	case InvoiceVerified:
		return "verified"
	case InvoiceFunded:
		return "funded"
	case InvoicePaid:
		return "paid"
	case InvoiceDefaulted:
		return "defaulted"
	case InvoiceCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus resolves the lowercase status name used on the wire back to the
// enum value.
func ParseStatus(name string) (InvoiceStatus, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pending":
		return InvoicePending, nil
	case "verified":
		return InvoiceVerified, nil
	case "funded":
		return InvoiceFunded, nil
	case "paid":
		return InvoicePaid, nil
	case "defaulted":
		return InvoiceDefaulted, nil
	case "cancelled":
		return InvoiceCancelled, nil
	default:
		return 0, fmt.Errorf("invoice: unknown status %q", name)
	}
}

// AllStatuses enumerates every status value, in declaration order. Used by
// counter queries that aggregate across the full status set.
func AllStatuses() []InvoiceStatus {
	return []InvoiceStatus{
		InvoicePending,
		InvoiceVerified,
		InvoiceFunded,
		InvoicePaid,
		InvoiceDefaulted,
		InvoiceCancelled,
	}
}

// Invoice is a receivable submitted for financing. The Disputed flag belongs
// to the external dispute workflow; it never affects escrowed funds.
type Invoice struct {
	ID           [32]byte
	Business     [20]byte
	Amount       *big.Int
	DueDate      int64
	Token        string
	Category     string
	Reference    string
	Status       InvoiceStatus
	FundedAmount *big.Int
	Investor     [20]byte
	Disputed     bool
	CreatedAt    int64
	UpdatedAt    int64
}

// Clone returns a deep copy of the invoice so callers can safely mutate the
// copy without affecting the stored instance.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Amount != nil {
		clone.Amount = new(big.Int).Set(i.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if i.FundedAmount != nil {
		clone.FundedAmount = new(big.Int).Set(i.FundedAmount)
	} else {
		clone.FundedAmount = big.NewInt(0)
	}
	return &clone
}

// SanitizeInvoice validates and normalises the supplied invoice, returning a
// cloned instance with canonical token casing and non-nil amount fields. The
// function does not mutate the original value.
func SanitizeInvoice(i *Invoice) (*Invoice, error) {
	if i == nil {
		return nil, fmt.Errorf("nil invoice")
	}
	clone := i.Clone()
	clone.Token = strings.ToUpper(strings.TrimSpace(clone.Token))
	if clone.Token == "" {
		return nil, fmt.Errorf("invoice token must not be empty")
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive")
	}
	if clone.FundedAmount.Sign() < 0 {
		return nil, fmt.Errorf("invoice funded amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid invoice status: %d", clone.Status)
	}
	clone.Category = strings.TrimSpace(clone.Category)
	clone.Reference = strings.TrimSpace(clone.Reference)
	return clone, nil
}
