package settlement

import (
	"errors"
	"math/big"

	"invochain/native/params"
)

var (
	// ErrInvalidInvestment is returned when the funded principal is not
	// positive.
	ErrInvalidInvestment = errors.New("settlement: investment must be positive")
	// ErrInvalidPayment is returned when the repayment is negative.
	ErrInvalidPayment = errors.New("settlement: payment must not be negative")
	// ErrInvalidFeeBps is returned when the fee rate is outside 0–1000
	// basis points.
	ErrInvalidFeeBps = errors.New("settlement: fee bps out of range")
	// ErrInvalidShareBps is returned when the treasury share is outside the
	// full basis-point scale. Out-of-range shares fail, they are never
	// clamped.
	ErrInvalidShareBps = errors.New("settlement: treasury share bps out of range")
)

var bpsScale = big.NewInt(10_000)

// SplitInput captures the figures needed to settle one funded invoice.
type SplitInput struct {
	Investment *big.Int
	Payment    *big.Int
	FeeBps     uint32
}

// SplitResult carries the settlement outcome. InvestorReturn plus PlatformFee
// always equals the payment exactly; no dust is lost or created.
type SplitResult struct {
	InvestorReturn *big.Int
	PlatformFee    *big.Int
	GrossProfit    *big.Int
}

// Split computes how a repayment divides between the investor and the
// platform. A repayment at or below the funded principal carries no fee: the
// investor absorbs the whole loss. Above principal, the fee is taken from
// gross profit only and rounds toward zero, always in the investor's favour.
func Split(input SplitInput) (SplitResult, error) {
	if input.Investment == nil || input.Investment.Sign() <= 0 {
		return SplitResult{}, ErrInvalidInvestment
	}
	if input.Payment == nil || input.Payment.Sign() < 0 {
		return SplitResult{}, ErrInvalidPayment
	}
	if input.FeeBps > params.MaxFeeBps {
		return SplitResult{}, ErrInvalidFeeBps
	}
	result := SplitResult{
		InvestorReturn: new(big.Int).Set(input.Payment),
		PlatformFee:    big.NewInt(0),
		GrossProfit:    big.NewInt(0),
	}
	if input.Payment.Cmp(input.Investment) <= 0 {
		return result, nil
	}
	profit := new(big.Int).Sub(input.Payment, input.Investment)
	result.GrossProfit = profit
	if input.FeeBps == 0 {
		return result, nil
	}
	fee := new(big.Int).Mul(profit, big.NewInt(int64(input.FeeBps)))
	fee = fee.Div(fee, bpsScale)
	if fee.Sign() <= 0 {
		return result, nil
	}
	result.PlatformFee = fee
	result.InvestorReturn = new(big.Int).Sub(input.Payment, fee)
	return result, nil
}

// TreasuryShare carries the two legs of a platform fee split.
type TreasuryShare struct {
	Treasury *big.Int
	Platform *big.Int
}

// TreasurySplit divides a platform fee between the protocol treasury and
// platform operations. The treasury leg rounds toward zero and the remainder
// goes to the platform, so the two legs always sum to the fee exactly.
func TreasurySplit(fee *big.Int, shareBps uint32) (TreasuryShare, error) {
	if fee == nil || fee.Sign() < 0 {
		return TreasuryShare{}, ErrInvalidPayment
	}
	if shareBps > params.MaxTreasuryShareBps {
		return TreasuryShare{}, ErrInvalidShareBps
	}
	treasury := new(big.Int).Mul(fee, big.NewInt(int64(shareBps)))
	treasury = treasury.Div(treasury, bpsScale)
	return TreasuryShare{
		Treasury: treasury,
		Platform: new(big.Int).Sub(fee, treasury),
	}, nil
}
