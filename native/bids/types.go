package bids

import (
	"fmt"
	"math/big"
)

// BidStatus tracks the lifecycle of an investor bid. Every state to the right
// of Placed is terminal; a bid is immutable once it leaves Placed.
type BidStatus uint8

const (
	// BidPlaced marks a live bid competing for the invoice.
	BidPlaced BidStatus = iota
	// BidAccepted marks the single winning bid escrowed for the invoice.
	BidAccepted
	// BidWithdrawn marks a bid pulled by its investor before acceptance.
	BidWithdrawn
	// BidCancelled marks a bid voided by the protocol.
	BidCancelled
	// BidExpired marks a bid whose time-to-live lapsed before acceptance.
	BidExpired
)

// Valid reports whether the status value is within the supported range.
func (s BidStatus) Valid() bool {
	switch s {
	case BidPlaced, BidAccepted, BidWithdrawn, BidCancelled, BidExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s BidStatus) Terminal() bool {
	return s != BidPlaced && s.Valid()
}

// String renders the canonical lowercase status name used by RPC payloads and
// events.
func (s BidStatus) String() string {
	switch s {
	case BidPlaced:
		return "placed"
	case BidAccepted:
		return "accepted"
	case BidWithdrawn:
		return "withdrawn"
	case BidCancelled:
		return "cancelled"
	case BidExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Bid is an investor's offer to fund one invoice: Amount is paid now,
// ExpectedReturn is promised at settlement. ExpectedReturn must strictly
// exceed Amount; a bid promising a return at or below principal is invalid.
type Bid struct {
	ID             [32]byte
	InvoiceID      [32]byte
	Investor       [20]byte
	Amount         *big.Int
	ExpectedReturn *big.Int
	PlacedAt       int64
	ExpiresAt      int64
	Status         BidStatus
}

// Clone returns a deep copy of the bid so callers can safely mutate the copy
// without affecting the stored instance.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if b.ExpectedReturn != nil {
		clone.ExpectedReturn = new(big.Int).Set(b.ExpectedReturn)
	} else {
		clone.ExpectedReturn = big.NewInt(0)
	}
	return &clone
}

// ProfitMargin returns ExpectedReturn − Amount, the quantity competing bids
// are ranked by.
func (b *Bid) ProfitMargin() *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	amount := b.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	expected := b.ExpectedReturn
	if expected == nil {
		expected = big.NewInt(0)
	}
	return new(big.Int).Sub(expected, amount)
}

// EffectiveStatus is the pure time-visibility rule: a Placed bid whose
// expiration has passed reads as Expired even before a sweep persists the
// transition. All other statuses read as stored.
func (b *Bid) EffectiveStatus(now int64) BidStatus {
	if b == nil {
		return BidCancelled
	}
	if b.Status == BidPlaced && now >= b.ExpiresAt {
		return BidExpired
	}
	return b.Status
}

// SanitizeBid validates and normalises the supplied bid, returning a cloned
// instance with non-nil amount fields. The function does not mutate the
// original value.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bid")
	}
	clone := b.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("bid amount must be positive")
	}
	if clone.ExpectedReturn.Cmp(clone.Amount) <= 0 {
		return nil, fmt.Errorf("bid expected return must exceed amount")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid bid status: %d", clone.Status)
	}
	return clone, nil
}
