package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// EscrowStatus represents the custody lifecycle of funds held for one
// accepted bid.
type EscrowStatus uint8

const (
	// EscrowHeld marks funds pulled from the investor and parked in the
	// module vault, awaiting settlement.
	EscrowHeld EscrowStatus = iota
	// EscrowReleased marks the held amount forwarded to the business.
	EscrowReleased
	// EscrowRefunded marks the held amount returned to the investor.
	EscrowRefunded
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowHeld, EscrowReleased, EscrowRefunded:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase status name used by RPC payloads and
// events.
func (s EscrowStatus) String() string {
	switch s {
	case EscrowHeld:
		return "held"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Escrow captures the custody record created when a bid is accepted. Exactly
// one live escrow exists per invoice; the record is terminal once Released or
// Refunded.
type Escrow struct {
	ID        [32]byte
	InvoiceID [32]byte
	Business  [20]byte
	Investor  [20]byte
	Token     string
	Amount    *big.Int
	Status    EscrowStatus
	CreatedAt int64
	ClosedAt  int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// NormalizeToken ensures the provided token symbol matches a supported value
// ("INV" or "ZINV") and returns the canonical uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case "INV", "ZINV":
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported escrow token: %s", symbol)
	}
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with canonical token casing and a non-nil
// amount field. The function does not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
