package funding

import (
	"bytes"
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"invochain/core/events"
	"invochain/core/state"
	"invochain/core/types"
	"invochain/native/bids"
	nativecommon "invochain/native/common"
	"invochain/native/escrow"
	"invochain/native/identity"
	"invochain/native/investments"
	"invochain/native/invoice"
	"invochain/native/params"
	"invochain/native/receipts"
	"invochain/storage"
)

const testNow = int64(1_700_000_000)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	adminAddr    = newTestAddress(0xA1)
	businessAddr = newTestAddress(0xB1)
	investorA    = newTestAddress(0x1A)
	investorB    = newTestAddress(0x2B)
	treasuryAddr = newTestAddress(0xC1)
	platformAddr = newTestAddress(0xD1)
)

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) reset() {
	c.events = nil
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func (c *capturingEmitter) byType(eventType string) *types.Event {
	for _, evt := range c.events {
		if evt.EventType() != eventType {
			continue
		}
		wrapped, ok := evt.(interface{ Event() *types.Event })
		if !ok {
			continue
		}
		return wrapped.Event()
	}
	return nil
}

type pauseStub struct {
	paused map[string]bool
}

func (p *pauseStub) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	return p.paused[module]
}

// fixture wires the funding engine against a real state manager backed by an
// in-memory database so the full accept/settle/default paths run end to end.
type fixture struct {
	manager  *state.Manager
	invoices *invoice.Registry
	bids     *bids.Engine
	escrows  *escrow.Engine
	ledger   *investments.Ledger
	receipts *receipts.Ledger
	engine   *Engine
	emitter  *capturingEmitter
	now      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		manager: state.NewManager(storage.NewMemDB()),
		emitter: &capturingEmitter{},
		now:     testNow,
	}
	nowFn := func() int64 { return f.now }

	if err := f.manager.RegisterToken("INV", "Invoice Token", 18); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := f.manager.SetRole(identity.RoleAdmin, adminAddr[:]); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	if err := f.manager.SetRole(identity.RoleBusiness, businessAddr[:]); err != nil {
		t.Fatalf("grant business: %v", err)
	}
	for _, investor := range [][20]byte{investorA, investorB} {
		if err := f.manager.SetRole(identity.RoleInvestor, investor[:]); err != nil {
			t.Fatalf("grant investor: %v", err)
		}
	}
	policy := params.FeePolicy{
		FeeBps:           200,
		TreasuryShareBps: 6_000,
		Treasury:         treasuryAddr,
		Platform:         platformAddr,
	}
	if err := params.NewStore(f.manager).SetFeePolicy(policy); err != nil {
		t.Fatalf("set fee policy: %v", err)
	}

	roles := identity.NewRegistry()
	roles.SetState(f.manager)

	f.invoices = invoice.NewRegistry()
	f.invoices.SetState(f.manager)
	f.invoices.SetIdentity(roles)
	f.invoices.SetNowFunc(nowFn)
	f.invoices.SetEmitter(f.emitter)

	f.bids = bids.NewEngine()
	f.bids.SetState(f.manager)
	f.bids.SetIdentity(roles)
	f.bids.SetNowFunc(nowFn)
	f.bids.SetEmitter(f.emitter)

	f.escrows = escrow.NewEngine()
	f.escrows.SetState(f.manager)
	f.escrows.SetNowFunc(nowFn)
	f.escrows.SetEmitter(f.emitter)

	f.ledger = investments.NewLedger(f.manager)
	f.ledger.SetNowFunc(nowFn)
	f.ledger.SetEmitter(f.emitter)

	f.receipts = receipts.NewLedger(f.manager)
	f.receipts.SetClock(func() time.Time { return time.Unix(f.now, 0) })

	f.engine = NewEngine(f.invoices, f.bids, f.escrows, f.ledger)
	f.engine.SetState(f.manager)
	f.engine.SetIdentity(roles)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetReceipts(f.receipts)
	return f
}

func (f *fixture) fundAccount(t *testing.T, addr [20]byte, amount int64) {
	t.Helper()
	if err := f.manager.PutAccount(addr[:], &types.Account{BalanceINV: big.NewInt(amount)}); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func (f *fixture) balanceOf(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	account, err := f.manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.BalanceINV == nil {
		return big.NewInt(0)
	}
	return account.BalanceINV
}

func (f *fixture) vaultAddress(t *testing.T) [20]byte {
	t.Helper()
	vault, err := f.manager.EscrowVaultAddress("INV")
	if err != nil {
		t.Fatalf("vault address: %v", err)
	}
	return vault
}

func (f *fixture) approveVault(t *testing.T, owner [20]byte, amount int64) {
	t.Helper()
	if err := f.manager.SetAllowance(owner, f.vaultAddress(t), "INV", big.NewInt(amount)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
}

func (f *fixture) verifiedInvoice(t *testing.T, amount int64) [32]byte {
	t.Helper()
	inv, err := f.invoices.Create(businessAddr, big.NewInt(amount), f.now+30*86_400, "INV", "logistics", "")
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if _, err := f.invoices.Verify(adminAddr, inv.ID); err != nil {
		t.Fatalf("verify invoice: %v", err)
	}
	return inv.ID
}

func (f *fixture) placeBid(t *testing.T, investor [20]byte, invoiceID [32]byte, amount, expectedReturn int64) [32]byte {
	t.Helper()
	bid, err := f.bids.Place(investor, invoiceID, big.NewInt(amount), big.NewInt(expectedReturn))
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	return bid.ID
}

// fundedInvoice drives the full accept path: a verified invoice with a winning
// bid from investor B for 10_000 against 12_000 expected, escrowed and funded.
func (f *fixture) fundedInvoice(t *testing.T) ([32]byte, *escrow.Escrow) {
	t.Helper()
	invoiceID := f.verifiedInvoice(t, 50_000)
	bidID := f.placeBid(t, investorB, invoiceID, 10_000, 12_000)
	f.fundAccount(t, investorB, 10_000)
	f.approveVault(t, investorB, 10_000)
	esc, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidID)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	return invoiceID, esc
}

func assertBalance(t *testing.T, got *big.Int, want int64, label string) {
	t.Helper()
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s balance = %s, want %d", label, got, want)
	}
}

func TestAcceptBidAndFund(t *testing.T) {
	f := newFixture(t)
	invoiceID := f.verifiedInvoice(t, 50_000)
	bidA := f.placeBid(t, investorA, invoiceID, 10_000, 11_000)
	bidB := f.placeBid(t, investorB, invoiceID, 10_000, 12_000)
	f.fundAccount(t, investorB, 10_000)
	f.approveVault(t, investorB, 10_000)

	f.emitter.reset()
	esc, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidB)
	if err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if esc.Status != escrow.EscrowHeld {
		t.Fatalf("escrow status = %v, want held", esc.Status)
	}
	if esc.Investor != investorB || esc.InvoiceID != invoiceID {
		t.Fatalf("escrow parties mismatch: %+v", esc)
	}
	if esc.Amount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("escrow amount = %s, want 10000", esc.Amount)
	}

	assertBalance(t, f.balanceOf(t, investorB), 0, "investor")
	assertBalance(t, f.balanceOf(t, f.vaultAddress(t)), 10_000, "vault")
	remaining, err := f.manager.Allowance(investorB, f.vaultAddress(t), "INV")
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	assertBalance(t, remaining, 0, "allowance")

	inv, err := f.invoices.Get(invoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Status != invoice.InvoiceFunded {
		t.Fatalf("invoice status = %v, want funded", inv.Status)
	}
	if inv.Investor != investorB || inv.FundedAmount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("invoice funding fields mismatch: %+v", inv)
	}

	accepted, err := f.bids.Get(bidB)
	if err != nil {
		t.Fatalf("get winning bid: %v", err)
	}
	if accepted.Status != bids.BidAccepted {
		t.Fatalf("winning bid status = %v, want accepted", accepted.Status)
	}
	position, ok, err := f.ledger.ByInvoice(invoiceID)
	if err != nil || !ok {
		t.Fatalf("investment lookup: ok=%v err=%v", ok, err)
	}
	if position.Investor != investorB || position.Amount.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("investment mismatch: %+v", position)
	}
	if position.Completed {
		t.Fatalf("investment completed at funding time")
	}

	wantEvents := []string{
		escrow.EventTypeEscrowCreated,
		investments.EventTypeInvestmentRecorded,
		bids.EventTypeBidUpdated,
		invoice.EventTypeInvoiceFunded,
	}
	if got := f.emitter.eventTypes(); !reflect.DeepEqual(got, wantEvents) {
		t.Fatalf("event sequence = %v, want %v", got, wantEvents)
	}

	// The losing bid stays live and remains withdrawable.
	loser, err := f.bids.Get(bidA)
	if err != nil {
		t.Fatalf("get losing bid: %v", err)
	}
	if loser.Status != bids.BidPlaced {
		t.Fatalf("losing bid status = %v, want placed", loser.Status)
	}
	if _, err := f.bids.Withdraw(investorA, bidA); err != nil {
		t.Fatalf("withdraw losing bid: %v", err)
	}

	// A second acceptance fails: the invoice already left Verified.
	if _, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidA); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second accept error = %v, want ErrInvalidStatus", err)
	}
	if _, ok, _ := f.escrows.ByInvoice(invoiceID); !ok {
		t.Fatalf("expected escrow to survive failed second accept")
	}
}

func TestAcceptBidAndFundValidations(t *testing.T) {
	f := newFixture(t)
	invoiceID := f.verifiedInvoice(t, 50_000)
	bidID := f.placeBid(t, investorB, invoiceID, 10_000, 12_000)

	if _, err := f.engine.AcceptBidAndFund(investorA, invoiceID, bidID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-business caller error = %v, want ErrUnauthorized", err)
	}
	if _, err := f.engine.AcceptBidAndFund(businessAddr, [32]byte{0xFF}, bidID); !errors.Is(err, invoice.ErrNotFound) {
		t.Fatalf("unknown invoice error = %v, want invoice.ErrNotFound", err)
	}
	if _, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, [32]byte{0xFF}); !errors.Is(err, bids.ErrNotFound) {
		t.Fatalf("unknown bid error = %v, want bids.ErrNotFound", err)
	}

	pending, err := f.invoices.Create(businessAddr, big.NewInt(20_000), f.now+30*86_400, "INV", "", "")
	if err != nil {
		t.Fatalf("create pending invoice: %v", err)
	}
	if _, err := f.engine.AcceptBidAndFund(businessAddr, pending.ID, bidID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("pending invoice error = %v, want ErrInvalidStatus", err)
	}

	other := f.verifiedInvoice(t, 30_000)
	if _, err := f.engine.AcceptBidAndFund(businessAddr, other, bidID); !errors.Is(err, ErrBidMismatch) {
		t.Fatalf("mismatched bid error = %v, want ErrBidMismatch", err)
	}

	if _, err := f.bids.Withdraw(investorB, bidID); err != nil {
		t.Fatalf("withdraw bid: %v", err)
	}
	if _, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidID); !errors.Is(err, ErrBidNotLive) {
		t.Fatalf("withdrawn bid error = %v, want ErrBidNotLive", err)
	}
}

func TestAcceptBidAndFundRejectsExpiredBid(t *testing.T) {
	f := newFixture(t)
	invoiceID := f.verifiedInvoice(t, 50_000)
	bidID := f.placeBid(t, investorB, invoiceID, 10_000, 12_000)
	f.fundAccount(t, investorB, 10_000)
	f.approveVault(t, investorB, 10_000)

	f.now += int64(params.DefaultBidTTLSeconds) + 1
	if _, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidID); !errors.Is(err, bids.ErrExpired) {
		t.Fatalf("expired bid error = %v, want bids.ErrExpired", err)
	}
	// The attempt swept the invoice's bid set, so the expiry is persisted.
	stored, ok := f.manager.BidGet(bidID)
	if !ok {
		t.Fatalf("expected bid record to survive")
	}
	if stored.Status != bids.BidExpired {
		t.Fatalf("stored bid status = %v, want expired", stored.Status)
	}
	inv, err := f.invoices.Get(invoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Status != invoice.InvoiceVerified {
		t.Fatalf("invoice status = %v, want verified", inv.Status)
	}
}

func TestAcceptBidAndFundAtomicOnTransferFailure(t *testing.T) {
	f := newFixture(t)
	invoiceID := f.verifiedInvoice(t, 50_000)
	bidID := f.placeBid(t, investorB, invoiceID, 10_000, 12_000)
	f.fundAccount(t, investorB, 10_000)
	// No allowance toward the vault: the custody pull must fail and leave
	// every record untouched.

	f.emitter.reset()
	if _, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidID); !errors.Is(err, escrow.ErrInsufficientAllowance) {
		t.Fatalf("accept error = %v, want escrow.ErrInsufficientAllowance", err)
	}

	inv, err := f.invoices.Get(invoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Status != invoice.InvoiceVerified {
		t.Fatalf("invoice status = %v, want verified", inv.Status)
	}
	bid, err := f.bids.Get(bidID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if bid.Status != bids.BidPlaced {
		t.Fatalf("bid status = %v, want placed", bid.Status)
	}
	if _, ok, _ := f.escrows.ByInvoice(invoiceID); ok {
		t.Fatalf("escrow created despite failed transfer")
	}
	if _, ok, _ := f.ledger.ByInvoice(invoiceID); ok {
		t.Fatalf("investment recorded despite failed transfer")
	}
	assertBalance(t, f.balanceOf(t, investorB), 10_000, "investor")
	assertBalance(t, f.balanceOf(t, f.vaultAddress(t)), 0, "vault")
	if got := f.emitter.eventTypes(); len(got) != 0 {
		t.Fatalf("expected no events on failed accept, got %v", got)
	}
}

func TestRecordRepaymentSplitsPayment(t *testing.T) {
	f := newFixture(t)
	invoiceID, esc := f.fundedInvoice(t)
	f.fundAccount(t, businessAddr, 10_500)

	f.emitter.reset()
	result, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(10_500))
	if err != nil {
		t.Fatalf("record repayment: %v", err)
	}
	if result.EscrowID != esc.ID || result.InvoiceID != invoiceID {
		t.Fatalf("result identifiers mismatch: %+v", result)
	}
	checks := []struct {
		label string
		got   *big.Int
		want  int64
	}{
		{"payment", result.Payment, 10_500},
		{"gross profit", result.GrossProfit, 500},
		{"investor return", result.InvestorReturn, 10_490},
		{"platform fee", result.PlatformFee, 10},
		{"treasury cut", result.TreasuryCut, 6},
		{"platform cut", result.PlatformCut, 4},
	}
	for _, check := range checks {
		if check.got == nil || check.got.Cmp(big.NewInt(check.want)) != 0 {
			t.Fatalf("%s = %v, want %d", check.label, check.got, check.want)
		}
	}

	// Repayment in, legs out, principal released: the vault nets to zero.
	assertBalance(t, f.balanceOf(t, investorB), 10_490, "investor")
	assertBalance(t, f.balanceOf(t, treasuryAddr), 6, "treasury")
	assertBalance(t, f.balanceOf(t, platformAddr), 4, "platform")
	assertBalance(t, f.balanceOf(t, businessAddr), 10_000, "business")
	assertBalance(t, f.balanceOf(t, f.vaultAddress(t)), 0, "vault")

	inv, err := f.invoices.Get(invoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Status != invoice.InvoicePaid {
		t.Fatalf("invoice status = %v, want paid", inv.Status)
	}
	closed, err := f.escrows.Get(esc.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if closed.Status != escrow.EscrowReleased {
		t.Fatalf("escrow status = %v, want released", closed.Status)
	}
	position, ok, err := f.ledger.ByInvoice(invoiceID)
	if err != nil || !ok {
		t.Fatalf("investment lookup: ok=%v err=%v", ok, err)
	}
	if !position.Completed || position.CompletedAt != f.now {
		t.Fatalf("investment not completed: %+v", position)
	}

	wantEvents := []string{
		escrow.EventTypeEscrowReleased,
		investments.EventTypeInvestmentCompleted,
		invoice.EventTypeInvoicePaid,
		EventTypeRepaymentRecorded,
	}
	if got := f.emitter.eventTypes(); !reflect.DeepEqual(got, wantEvents) {
		t.Fatalf("event sequence = %v, want %v", got, wantEvents)
	}
	evt := f.emitter.byType(EventTypeRepaymentRecorded)
	if evt == nil {
		t.Fatalf("missing repayment event")
	}
	if evt.Attributes["payment"] != "10500" || evt.Attributes["investorReturn"] != "10490" {
		t.Fatalf("unexpected repayment attributes: %v", evt.Attributes)
	}
	if evt.Attributes["treasuryCut"] != "6" || evt.Attributes["platformCut"] != "4" {
		t.Fatalf("unexpected fee attributes: %v", evt.Attributes)
	}

	receipt, ok, err := f.receipts.Get(invoiceID)
	if err != nil || !ok {
		t.Fatalf("receipt lookup: ok=%v err=%v", ok, err)
	}
	if receipt.Kind != receipts.KindRepayment {
		t.Fatalf("receipt kind = %s, want repayment", receipt.Kind)
	}
	if receipt.EscrowID != esc.ID || receipt.Business != businessAddr || receipt.Investor != investorB {
		t.Fatalf("receipt parties mismatch: %+v", receipt)
	}
	if receipt.Payment.Cmp(big.NewInt(10_500)) != 0 || receipt.InvestorReturn.Cmp(big.NewInt(10_490)) != 0 {
		t.Fatalf("receipt amounts mismatch: %+v", receipt)
	}
	if receipt.TreasuryCut.Cmp(big.NewInt(6)) != 0 || receipt.PlatformCut.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("receipt fee legs mismatch: %+v", receipt)
	}
	if receipt.SettledAt != f.now {
		t.Fatalf("receipt settled at %d, want %d", receipt.SettledAt, f.now)
	}

	if _, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(1)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second repayment error = %v, want ErrInvalidStatus", err)
	}
}

func TestRecordRepaymentWithoutProfit(t *testing.T) {
	t.Run("partial recovery", func(t *testing.T) {
		f := newFixture(t)
		invoiceID, _ := f.fundedInvoice(t)
		f.fundAccount(t, businessAddr, 9_400)

		result, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(9_400))
		if err != nil {
			t.Fatalf("record repayment: %v", err)
		}
		if result.InvestorReturn.Cmp(big.NewInt(9_400)) != 0 {
			t.Fatalf("investor return = %s, want 9400", result.InvestorReturn)
		}
		if result.PlatformFee.Sign() != 0 || result.GrossProfit.Sign() != 0 {
			t.Fatalf("no fee expected below the funded amount: %+v", result)
		}
		assertBalance(t, f.balanceOf(t, investorB), 9_400, "investor")
		assertBalance(t, f.balanceOf(t, treasuryAddr), 0, "treasury")
		assertBalance(t, f.balanceOf(t, platformAddr), 0, "platform")
		assertBalance(t, f.balanceOf(t, businessAddr), 10_000, "business")
	})

	t.Run("zero payment", func(t *testing.T) {
		f := newFixture(t)
		invoiceID, _ := f.fundedInvoice(t)

		result, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(0))
		if err != nil {
			t.Fatalf("record repayment: %v", err)
		}
		if result.InvestorReturn.Sign() != 0 || result.PlatformFee.Sign() != 0 {
			t.Fatalf("zero payment must settle with zero legs: %+v", result)
		}
		assertBalance(t, f.balanceOf(t, investorB), 0, "investor")
		assertBalance(t, f.balanceOf(t, businessAddr), 10_000, "business")
		inv, err := f.invoices.Get(invoiceID)
		if err != nil {
			t.Fatalf("get invoice: %v", err)
		}
		if inv.Status != invoice.InvoicePaid {
			t.Fatalf("invoice status = %v, want paid", inv.Status)
		}
	})
}

func TestRecordRepaymentValidations(t *testing.T) {
	f := newFixture(t)
	invoiceID, _ := f.fundedInvoice(t)

	if _, err := f.engine.RecordRepayment(investorB, invoiceID, big.NewInt(10_500)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-business payer error = %v, want ErrUnauthorized", err)
	}
	if _, err := f.engine.RecordRepayment(businessAddr, invoiceID, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("nil amount error = %v, want ErrInvalidAmount", err)
	}
	if _, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative amount error = %v, want ErrInvalidAmount", err)
	}

	unfunded := f.verifiedInvoice(t, 20_000)
	if _, err := f.engine.RecordRepayment(businessAddr, unfunded, big.NewInt(1_000)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("unfunded invoice error = %v, want ErrInvalidStatus", err)
	}
}

func TestRecordRepaymentAtomicOnInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	invoiceID, esc := f.fundedInvoice(t)
	// The business never received the repayment from its debtor; the pull
	// into the vault fails before any leg moves.

	f.emitter.reset()
	if _, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(10_500)); !errors.Is(err, escrow.ErrInsufficientBalance) {
		t.Fatalf("repayment error = %v, want escrow.ErrInsufficientBalance", err)
	}

	inv, err := f.invoices.Get(invoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Status != invoice.InvoiceFunded {
		t.Fatalf("invoice status = %v, want funded", inv.Status)
	}
	held, err := f.escrows.Get(esc.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if held.Status != escrow.EscrowHeld {
		t.Fatalf("escrow status = %v, want held", held.Status)
	}
	assertBalance(t, f.balanceOf(t, investorB), 0, "investor")
	assertBalance(t, f.balanceOf(t, f.vaultAddress(t)), 10_000, "vault")
	if got := f.emitter.eventTypes(); len(got) != 0 {
		t.Fatalf("expected no events on failed repayment, got %v", got)
	}
}

func TestMarkDefaultedRefundsInvestor(t *testing.T) {
	f := newFixture(t)
	invoiceID, esc := f.fundedInvoice(t)

	if _, err := f.engine.MarkDefaulted(businessAddr, invoiceID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin default error = %v, want ErrUnauthorized", err)
	}

	f.emitter.reset()
	inv, err := f.engine.MarkDefaulted(adminAddr, invoiceID)
	if err != nil {
		t.Fatalf("mark defaulted: %v", err)
	}
	if inv.Status != invoice.InvoiceDefaulted {
		t.Fatalf("invoice status = %v, want defaulted", inv.Status)
	}
	assertBalance(t, f.balanceOf(t, investorB), 10_000, "investor")
	assertBalance(t, f.balanceOf(t, businessAddr), 0, "business")
	assertBalance(t, f.balanceOf(t, f.vaultAddress(t)), 0, "vault")

	refunded, err := f.escrows.Get(esc.ID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if refunded.Status != escrow.EscrowRefunded {
		t.Fatalf("escrow status = %v, want refunded", refunded.Status)
	}
	position, ok, err := f.ledger.ByInvoice(invoiceID)
	if err != nil || !ok {
		t.Fatalf("investment lookup: ok=%v err=%v", ok, err)
	}
	if !position.Completed {
		t.Fatalf("investment still open after default")
	}

	wantEvents := []string{
		escrow.EventTypeEscrowRefunded,
		investments.EventTypeInvestmentCompleted,
		invoice.EventTypeInvoiceDefaulted,
	}
	if got := f.emitter.eventTypes(); !reflect.DeepEqual(got, wantEvents) {
		t.Fatalf("event sequence = %v, want %v", got, wantEvents)
	}

	receipt, ok, err := f.receipts.Get(invoiceID)
	if err != nil || !ok {
		t.Fatalf("receipt lookup: ok=%v err=%v", ok, err)
	}
	if receipt.Kind != receipts.KindDefault {
		t.Fatalf("receipt kind = %s, want default", receipt.Kind)
	}
	if receipt.Payment.Sign() != 0 {
		t.Fatalf("default receipt payment = %s, want 0", receipt.Payment)
	}
	if receipt.InvestorReturn.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("default receipt refund = %s, want 10000", receipt.InvestorReturn)
	}

	if _, err := f.engine.MarkDefaulted(adminAddr, invoiceID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second default error = %v, want ErrInvalidStatus", err)
	}
	unfunded := f.verifiedInvoice(t, 20_000)
	if _, err := f.engine.MarkDefaulted(adminAddr, unfunded); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("unfunded default error = %v, want ErrInvalidStatus", err)
	}
}

func TestSettlementWithoutReceiptLedger(t *testing.T) {
	f := newFixture(t)
	f.engine.SetReceipts(nil)
	invoiceID, _ := f.fundedInvoice(t)
	f.fundAccount(t, businessAddr, 10_000)

	if _, err := f.engine.RecordRepayment(businessAddr, invoiceID, big.NewInt(10_000)); err != nil {
		t.Fatalf("record repayment: %v", err)
	}
	if _, ok, _ := f.receipts.Get(invoiceID); ok {
		t.Fatalf("receipt written with no ledger configured")
	}
}

func TestFundingPauseBlocksEntryPoints(t *testing.T) {
	f := newFixture(t)
	f.engine.SetPauses(&pauseStub{paused: map[string]bool{"funding": true}})

	if _, err := f.engine.AcceptBidAndFund(businessAddr, [32]byte{}, [32]byte{}); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("accept under pause error = %v", err)
	}
	if _, err := f.engine.RecordRepayment(businessAddr, [32]byte{}, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("repayment under pause error = %v", err)
	}
	if _, err := f.engine.MarkDefaulted(adminAddr, [32]byte{}); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("default under pause error = %v", err)
	}
}

func TestEscrowPausePropagatesThroughFunding(t *testing.T) {
	f := newFixture(t)
	invoiceID := f.verifiedInvoice(t, 50_000)
	bidID := f.placeBid(t, investorB, invoiceID, 10_000, 12_000)
	f.fundAccount(t, investorB, 10_000)
	f.approveVault(t, investorB, 10_000)

	// SetPauses cascades to the escrow engine, so pausing custody alone
	// still halts the accept path at the vault pull.
	f.engine.SetPauses(&pauseStub{paused: map[string]bool{"escrow": true}})
	if _, err := f.engine.AcceptBidAndFund(businessAddr, invoiceID, bidID); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("accept with paused escrow error = %v", err)
	}
	inv, err := f.invoices.Get(invoiceID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Status != invoice.InvoiceVerified {
		t.Fatalf("invoice status = %v, want verified", inv.Status)
	}
}
