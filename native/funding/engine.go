package funding

import (
	"errors"
	"math/big"

	"invochain/core/events"
	"invochain/core/types"
	"invochain/native/bids"
	nativecommon "invochain/native/common"
	"invochain/native/escrow"
	"invochain/native/identity"
	"invochain/native/investments"
	"invochain/native/invoice"
	"invochain/native/params"
	"invochain/native/receipts"
	"invochain/native/settlement"
)

const moduleName = "funding"

var (
	errNilState   = errors.New("funding engine: state not configured")
	errNilEngines = errors.New("funding engine: collaborating engines not configured")

	// ErrUnauthorized is returned when the caller lacks the ownership or
	// role the operation requires.
	ErrUnauthorized = errors.New("funding: caller not authorized")
	// ErrInvalidStatus is returned when the invoice or escrow is not in a
	// status the operation accepts.
	ErrInvalidStatus = errors.New("funding: invalid status for operation")
	// ErrBidMismatch is returned when the bid does not reference the
	// invoice being funded.
	ErrBidMismatch = errors.New("funding: bid does not reference invoice")
	// ErrBidNotLive is returned when the bid is not an unexpired Placed
	// bid. An expired-but-unswept bid is rejected here too.
	ErrBidNotLive = errors.New("funding: bid not live for acceptance")
	// ErrInvalidAmount is returned for non-positive bid amounts and
	// negative repayments.
	ErrInvalidAmount = errors.New("funding: invalid amount")
	// ErrEscrowMissing is returned when a funded invoice has no escrow.
	ErrEscrowMissing = errors.New("funding: escrow not found for invoice")
	// ErrInvestmentMissing is returned when a funded invoice has no
	// investment record.
	ErrInvestmentMissing = errors.New("funding: investment not found for invoice")
)

type engineState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

type fundingEvent struct {
	evt *types.Event
}

func (e fundingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e fundingEvent) Event() *types.Event { return e.evt }

// Engine orchestrates the fund-moving paths of the protocol: accepting a bid
// into escrow, settling a repayment and closing out a default. It owns no
// records of its own; every write is delegated to the collaborating engines
// in check-effects-interactions order, and the Node additionally wraps each
// entry point in the persisted reentrancy guard.
type Engine struct {
	state       engineState
	identity    *identity.Registry
	invoices    *invoice.Registry
	bids        *bids.Engine
	escrows     *escrow.Engine
	investments *investments.Ledger
	receipts    *receipts.Ledger
	emitter     events.Emitter
	pauses      nativecommon.PauseView
}

// NewEngine constructs a funding engine bound to the supplied collaborators.
func NewEngine(invoices *invoice.Registry, bidEngine *bids.Engine, escrows *escrow.Engine, ledger *investments.Ledger) *Engine {
	return &Engine{
		invoices:    invoices,
		bids:        bidEngine,
		escrows:     escrows,
		investments: ledger,
		emitter:     events.NoopEmitter{},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetIdentity configures the registry that answers authorization questions.
// With no registry wired every gated operation fails closed.
func (e *Engine) SetIdentity(reg *identity.Registry) {
	if e == nil {
		return
	}
	e.identity = reg
}

// SetReceipts configures the settlement receipt ledger. Receipts are
// optional; with no ledger configured settlements simply leave no audit
// trail.
func (e *Engine) SetReceipts(ledger *receipts.Ledger) {
	if e == nil {
		return
	}
	e.receipts = ledger
}

// SetPauses configures the module pause view and propagates it to the escrow
// engine so custody movement is halted together with funding.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
	if e.escrows != nil {
		e.escrows.SetPauses(p)
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(fundingEvent{evt: evt})
}

func (e *Engine) recordReceipt(receipt *receipts.Receipt) error {
	if e.receipts == nil {
		return nil
	}
	return e.receipts.Record(receipt)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.invoices == nil || e.bids == nil || e.escrows == nil || e.investments == nil {
		return errNilEngines
	}
	return nil
}

// AcceptBidAndFund escrows the winning bid against a verified invoice. The
// validations run in a fixed order and each fails fast with zero partial
// state: ownership, invoice status, bid liveness, bid amount, then the token
// pull into custody. Only after custody succeeded are the escrow, investment,
// bid and invoice records written, so a failed transfer leaves nothing
// behind. There is no rollback path.
func (e *Engine) AcceptBidAndFund(caller [20]byte, invoiceID, bidID [32]byte) (*escrow.Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	inv, err := e.invoices.Get(invoiceID)
	if err != nil {
		return nil, err
	}
	if caller != inv.Business {
		return nil, ErrUnauthorized
	}
	if inv.Status != invoice.InvoiceVerified {
		return nil, ErrInvalidStatus
	}
	if _, err := e.bids.ExpireDue(invoiceID); err != nil {
		return nil, err
	}
	bid, err := e.bids.Get(bidID)
	if err != nil {
		return nil, err
	}
	if bid.InvoiceID != invoiceID {
		return nil, ErrBidMismatch
	}
	switch bid.Status {
	case bids.BidPlaced:
	case bids.BidExpired:
		return nil, bids.ErrExpired
	default:
		return nil, ErrBidNotLive
	}
	if bid.Amount == nil || bid.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	esc, err := e.escrows.Open(invoiceID, inv.Business, bid.Investor, inv.Token, bid.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := e.investments.Record(invoiceID, bid.Investor, bid.Amount); err != nil {
		return nil, err
	}
	if _, err := e.bids.MarkAccepted(bidID); err != nil {
		return nil, err
	}
	if _, err := e.invoices.MarkFunded(invoiceID, bid.Investor, bid.Amount); err != nil {
		return nil, err
	}
	return esc, nil
}

// SettlementResult summarises how a repayment was carved up between the
// investor, the treasury and platform operations.
type SettlementResult struct {
	InvoiceID      [32]byte
	EscrowID       [32]byte
	Payment        *big.Int
	GrossProfit    *big.Int
	InvestorReturn *big.Int
	PlatformFee    *big.Int
	TreasuryCut    *big.Int
	PlatformCut    *big.Int
}

// RecordRepayment settles a funded invoice. The repayment is pulled from the
// business into the vault, the investor return and fee legs are paid out, the
// escrowed principal is released back to the business and the invoice closes
// as Paid. A repayment at or below the funded amount carries no fee. The fee
// figures are computed before any funds move.
func (e *Engine) RecordRepayment(caller [20]byte, invoiceID [32]byte, amount *big.Int) (*SettlementResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	inv, err := e.invoices.Get(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != invoice.InvoiceFunded {
		return nil, ErrInvalidStatus
	}
	if caller != inv.Business {
		return nil, ErrUnauthorized
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	esc, ok, err := e.escrows.ByInvoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowMissing
	}
	if esc.Status != escrow.EscrowHeld {
		return nil, ErrInvalidStatus
	}
	position, ok, err := e.investments.ByInvoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvestmentMissing
	}
	policy, err := params.NewStore(e.state).FeePolicy()
	if err != nil {
		return nil, err
	}
	split, err := settlement.Split(settlement.SplitInput{
		Investment: position.Amount,
		Payment:    amount,
		FeeBps:     policy.FeeBps,
	})
	if err != nil {
		return nil, err
	}
	share, err := settlement.TreasurySplit(split.PlatformFee, policy.TreasuryShareBps)
	if err != nil {
		return nil, err
	}
	if err := e.escrows.CollectPayment(caller, inv.Token, amount); err != nil {
		return nil, err
	}
	if err := e.escrows.Disburse(esc.Investor, inv.Token, split.InvestorReturn); err != nil {
		return nil, err
	}
	if err := e.escrows.Disburse(policy.Treasury, inv.Token, share.Treasury); err != nil {
		return nil, err
	}
	if err := e.escrows.Disburse(policy.Platform, inv.Token, share.Platform); err != nil {
		return nil, err
	}
	if err := e.escrows.Release(esc.ID); err != nil {
		return nil, err
	}
	if _, err := e.investments.MarkCompleted(position.ID); err != nil {
		return nil, err
	}
	if _, err := e.invoices.MarkPaid(invoiceID); err != nil {
		return nil, err
	}
	result := &SettlementResult{
		InvoiceID:      invoiceID,
		EscrowID:       esc.ID,
		Payment:        new(big.Int).Set(amount),
		GrossProfit:    split.GrossProfit,
		InvestorReturn: split.InvestorReturn,
		PlatformFee:    split.PlatformFee,
		TreasuryCut:    share.Treasury,
		PlatformCut:    share.Platform,
	}
	if err := e.recordReceipt(&receipts.Receipt{
		InvoiceID:      invoiceID,
		EscrowID:       esc.ID,
		Business:       inv.Business,
		Investor:       esc.Investor,
		Token:          inv.Token,
		Kind:           receipts.KindRepayment,
		Payment:        result.Payment,
		GrossProfit:    result.GrossProfit,
		InvestorReturn: result.InvestorReturn,
		PlatformFee:    result.PlatformFee,
		TreasuryCut:    result.TreasuryCut,
		PlatformCut:    result.PlatformCut,
	}); err != nil {
		return nil, err
	}
	e.emit(NewRepaymentEvent(result))
	return result, nil
}

// MarkDefaulted closes out a funded invoice that will not be repaid. Only
// admins mark defaults; the escrowed principal is refunded to the investor
// and the invoice transitions to Defaulted.
func (e *Engine) MarkDefaulted(caller [20]byte, invoiceID [32]byte) (*invoice.Invoice, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !e.identity.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	inv, err := e.invoices.Get(invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != invoice.InvoiceFunded {
		return nil, ErrInvalidStatus
	}
	esc, ok, err := e.escrows.ByInvoice(invoiceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowMissing
	}
	if esc.Status != escrow.EscrowHeld {
		return nil, ErrInvalidStatus
	}
	if err := e.escrows.Refund(esc.ID); err != nil {
		return nil, err
	}
	if position, ok, err := e.investments.ByInvoice(invoiceID); err != nil {
		return nil, err
	} else if ok {
		if _, err := e.investments.MarkCompleted(position.ID); err != nil {
			return nil, err
		}
	}
	refund := big.NewInt(0)
	if esc.Amount != nil {
		refund = new(big.Int).Set(esc.Amount)
	}
	if err := e.recordReceipt(&receipts.Receipt{
		InvoiceID:      invoiceID,
		EscrowID:       esc.ID,
		Business:       inv.Business,
		Investor:       esc.Investor,
		Token:          inv.Token,
		Kind:           receipts.KindDefault,
		Payment:        big.NewInt(0),
		InvestorReturn: refund,
	}); err != nil {
		return nil, err
	}
	return e.invoices.MarkDefaulted(invoiceID)
}
