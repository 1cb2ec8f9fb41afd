package params

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

const (
	// MaxFeeBps caps the platform fee at 10% of realised profit.
	MaxFeeBps = 1_000
	// MaxTreasuryShareBps is the full basis-point scale; the treasury share
	// can never exceed the whole fee.
	MaxTreasuryShareBps = 10_000

	// DefaultMaxPageSize bounds list queries when no override is stored.
	DefaultMaxPageSize = 100
	// DefaultBidTTLSeconds keeps open bids live for seven days.
	DefaultBidTTLSeconds = 7 * 24 * 60 * 60
)

// DefaultMaxAmount bounds invoice face values and bid amounts when governance
// has not stored an override. The ceiling keeps every intermediate settlement
// figure inside a signed 128-bit word.
func DefaultMaxAmount() *big.Int {
	ceiling := new(big.Int).Lsh(big.NewInt(1), 127)
	return ceiling.Sub(ceiling, big.NewInt(1))
}

// DefaultMinBidAmount is the smallest bid the protocol accepts when no
// override is stored.
func DefaultMinBidAmount() *big.Int {
	return big.NewInt(1)
}

// FeePolicy governs how settlement profit is carved between the investor, the
// protocol treasury and platform operations.
type FeePolicy struct {
	FeeBps           uint32
	TreasuryShareBps uint32
	Treasury         [20]byte
	Platform         [20]byte
}

type feePolicyJSON struct {
	FeeBps           uint32 `json:"feeBps"`
	TreasuryShareBps uint32 `json:"treasuryShareBps"`
	Treasury         string `json:"treasury"`
	Platform         string `json:"platform"`
}

// MarshalJSON encodes the policy with 0x-prefixed hex addresses so stored
// payloads stay readable in governance tooling.
func (p FeePolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(feePolicyJSON{
		FeeBps:           p.FeeBps,
		TreasuryShareBps: p.TreasuryShareBps,
		Treasury:         "0x" + hex.EncodeToString(p.Treasury[:]),
		Platform:         "0x" + hex.EncodeToString(p.Platform[:]),
	})
}

func (p *FeePolicy) UnmarshalJSON(data []byte) error {
	var aux feePolicyJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	treasury, err := decodeHexAddress(aux.Treasury)
	if err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	platform, err := decodeHexAddress(aux.Platform)
	if err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	p.FeeBps = aux.FeeBps
	p.TreasuryShareBps = aux.TreasuryShareBps
	p.Treasury = treasury
	p.Platform = platform
	return nil
}

// Validate rejects policies outside the protocol bounds.
func (p FeePolicy) Validate() error {
	if p.FeeBps > MaxFeeBps {
		return fmt.Errorf("params: fee bps %d exceeds maximum %d", p.FeeBps, MaxFeeBps)
	}
	if p.TreasuryShareBps > MaxTreasuryShareBps {
		return fmt.Errorf("params: treasury share bps %d exceeds maximum %d", p.TreasuryShareBps, MaxTreasuryShareBps)
	}
	return nil
}

func decodeHexAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return addr, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, err
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes, got %d", len(addr), len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

// Limits bounds user-supplied amounts and query pages.
type Limits struct {
	MaxAmount     *big.Int `json:"maxAmount"`
	MinBidAmount  *big.Int `json:"minBidAmount"`
	MaxPageSize   uint32   `json:"maxPageSize"`
	BidTTLSeconds uint64   `json:"bidTTLSeconds"`
}

// Validate rejects explicitly stored limits with non-positive amounts.
func (l Limits) Validate() error {
	if l.MaxAmount != nil && l.MaxAmount.Sign() <= 0 {
		return fmt.Errorf("params: max amount must be positive")
	}
	if l.MinBidAmount != nil && l.MinBidAmount.Sign() <= 0 {
		return fmt.Errorf("params: min bid amount must be positive")
	}
	if l.MaxAmount != nil && l.MinBidAmount != nil && l.MinBidAmount.Cmp(l.MaxAmount) > 0 {
		return fmt.Errorf("params: min bid amount exceeds max amount")
	}
	return nil
}

// WithDefaults returns a copy with unset fields replaced by the protocol
// defaults.
func (l Limits) WithDefaults() Limits {
	out := l
	if out.MaxAmount == nil {
		out.MaxAmount = DefaultMaxAmount()
	} else {
		out.MaxAmount = new(big.Int).Set(out.MaxAmount)
	}
	if out.MinBidAmount == nil {
		out.MinBidAmount = DefaultMinBidAmount()
	} else {
		out.MinBidAmount = new(big.Int).Set(out.MinBidAmount)
	}
	if out.MaxPageSize == 0 {
		out.MaxPageSize = DefaultMaxPageSize
	}
	if out.BidTTLSeconds == 0 {
		out.BidTTLSeconds = DefaultBidTTLSeconds
	}
	return out
}
