package funding

import (
	"encoding/hex"

	"invochain/core/types"
)

// EventTypeRepaymentRecorded is emitted once a repayment has been fully
// settled: funds moved, principal released and the invoice marked Paid.
const EventTypeRepaymentRecorded = "funding.repayment_recorded"

// NewRepaymentEvent builds the settlement event carrying the full split of
// the repayment across the investor, treasury and platform legs.
func NewRepaymentEvent(result *SettlementResult) *types.Event {
	if result == nil {
		return nil
	}
	attrs := map[string]string{
		"invoiceId": hex.EncodeToString(result.InvoiceID[:]),
		"escrowId":  hex.EncodeToString(result.EscrowID[:]),
	}
	if result.Payment != nil {
		attrs["payment"] = result.Payment.String()
	}
	if result.GrossProfit != nil {
		attrs["grossProfit"] = result.GrossProfit.String()
	}
	if result.InvestorReturn != nil {
		attrs["investorReturn"] = result.InvestorReturn.String()
	}
	if result.PlatformFee != nil {
		attrs["platformFee"] = result.PlatformFee.String()
	}
	if result.TreasuryCut != nil {
		attrs["treasuryCut"] = result.TreasuryCut.String()
	}
	if result.PlatformCut != nil {
		attrs["platformCut"] = result.PlatformCut.String()
	}
	return &types.Event{
		Type:       EventTypeRepaymentRecorded,
		Attributes: attrs,
	}
}
