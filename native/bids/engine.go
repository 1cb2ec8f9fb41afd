package bids

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sort"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"invochain/core/events"
	"invochain/core/types"
	nativecommon "invochain/native/common"
	"invochain/native/identity"
	"invochain/native/invoice"
	"invochain/native/params"
)

const moduleName = "bids"

var (
	errNilState = errors.New("bid engine: state not configured")

	// ErrNotFound is returned when no bid exists under the supplied id.
	ErrNotFound = errors.New("bids: bid not found")
	// ErrInvoiceNotFound is returned when the target invoice does not exist.
	ErrInvoiceNotFound = errors.New("bids: invoice not found")
	// ErrInvoiceNotBiddable is returned when the target invoice is not in
	// the Verified status; only verified invoices collect bids.
	ErrInvoiceNotBiddable = errors.New("bids: invoice not open for bidding")
	// ErrInvalidAmount is returned when a bid carries a non-positive amount.
	ErrInvalidAmount = errors.New("bids: amount must be positive")
	// ErrInvalidReturn is returned when the expected return does not exceed
	// the bid amount.
	ErrInvalidReturn = errors.New("bids: expected return must exceed amount")
	// ErrBelowMinimum is returned when the bid amount is below the governed
	// protocol minimum.
	ErrBelowMinimum = errors.New("bids: amount below protocol minimum")
	// ErrAboveInvoiceAmount is returned when the bid exceeds the invoice
	// face value.
	ErrAboveInvoiceAmount = errors.New("bids: amount exceeds invoice face value")
	// ErrUnauthorized is returned when the caller lacks the role or
	// ownership the operation requires.
	ErrUnauthorized = errors.New("bids: caller not authorized")
	// ErrLimitExceeded is returned when the bid exceeds the investor's
	// cleared exposure limit.
	ErrLimitExceeded = errors.New("bids: amount exceeds investor limit")
	// ErrInvalidStatus is returned when the bid is not in a status the
	// requested transition accepts.
	ErrInvalidStatus = errors.New("bids: invalid status for operation")
	// ErrExpired is returned when the operation references a bid past its
	// time-to-live.
	ErrExpired = errors.New("bids: bid expired")
)

type engineState interface {
	BidPut(*Bid) error
	BidGet(id [32]byte) (*Bid, bool)
	InvoiceBids(invoiceID [32]byte) ([][32]byte, error)
	InvoiceGet(id [32]byte) (*invoice.Invoice, bool)
	NextSequence(kind string) (uint64, error)
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

type bidEvent struct {
	evt *types.Event
}

func (e bidEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bidEvent) Event() *types.Event { return e.evt }

// Engine owns the competitive bidding window between invoice verification and
// funding: placement, withdrawal, ranking and time-triggered expiration.
// Expiration is evaluated opportunistically on the paths that touch an
// invoice's bid set; there is no background process.
type Engine struct {
	state    engineState
	identity *identity.Registry
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	nowFn    func() int64
}

// NewEngine creates a bid engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetIdentity configures the registry that answers authorization questions.
// With no registry wired every gated operation fails closed.
func (e *Engine) SetIdentity(reg *identity.Registry) { e.identity = reg }

// SetPauses configures the module pause view consulted before mutations.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
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

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(bidEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func bidID(seq uint64, invoiceID [32]byte) [32]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return ethcrypto.Keccak256Hash([]byte("bid"), seqBytes[:], invoiceID[:])
}

func (e *Engine) loadBid(id [32]byte) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	bid, ok := e.state.BidGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return bid, nil
}

// expireIfDue persists the time-triggered Placed → Expired transition when it
// is due. Reports whether the bid was flipped.
func (e *Engine) expireIfDue(bid *Bid, now int64) (bool, error) {
	if bid == nil || bid.Status != BidPlaced || bid.EffectiveStatus(now) != BidExpired {
		return false, nil
	}
	bid.Status = BidExpired
	if err := e.state.BidPut(bid); err != nil {
		return false, err
	}
	e.emit(NewExpiredEvent(bid))
	return true, nil
}

func (e *Engine) sweepInvoice(invoiceID [32]byte, now int64) (int, error) {
	ids, err := e.state.InvoiceBids(invoiceID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		bid, ok := e.state.BidGet(id)
		if !ok {
			continue
		}
		expired, err := e.expireIfDue(bid, now)
		if err != nil {
			return count, err
		}
		if expired {
			count++
		}
	}
	return count, nil
}

// Place records an investor's offer against a Verified invoice. The investor
// must hold the investor role and stay within their cleared exposure limit;
// the amount must fall inside the governed bounds and never exceed the
// invoice face value. Expired bids on the invoice are swept before the new
// bid is stored.
func (e *Engine) Place(investor [20]byte, invoiceID [32]byte, amount, expectedReturn *big.Int) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	inv, ok := e.state.InvoiceGet(invoiceID)
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if inv.Status != invoice.InvoiceVerified {
		return nil, ErrInvoiceNotBiddable
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if expectedReturn == nil || expectedReturn.Cmp(amount) <= 0 {
		return nil, ErrInvalidReturn
	}
	limits, err := params.NewStore(e.state).Limits()
	if err != nil {
		return nil, err
	}
	if limits.MinBidAmount != nil && amount.Cmp(limits.MinBidAmount) < 0 {
		return nil, ErrBelowMinimum
	}
	if amount.Cmp(inv.Amount) > 0 {
		return nil, ErrAboveInvoiceAmount
	}
	authorized, limit, err := e.identity.IsAuthorizedInvestor(investor)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, ErrUnauthorized
	}
	if limit == nil || amount.Cmp(limit) > 0 {
		return nil, ErrLimitExceeded
	}
	now := e.now()
	if _, err := e.sweepInvoice(invoiceID, now); err != nil {
		return nil, err
	}
	seq, err := e.state.NextSequence("bid")
	if err != nil {
		return nil, err
	}
	bid, err := SanitizeBid(&Bid{
		ID:             bidID(seq, invoiceID),
		InvoiceID:      invoiceID,
		Investor:       investor,
		Amount:         amount,
		ExpectedReturn: expectedReturn,
		PlacedAt:       now,
		ExpiresAt:      now + int64(limits.BidTTLSeconds),
		Status:         BidPlaced,
	})
	if err != nil {
		return nil, err
	}
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	e.emit(NewPlacedEvent(bid))
	return bid.Clone(), nil
}

// Withdraw pulls a live bid. Only the placing investor withdraws, and only
// while the bid is Placed: an expired-but-unswept bid is swept here and then
// rejected, an accepted bid is a funded position and stays.
func (e *Engine) Withdraw(caller [20]byte, id [32]byte) (*Bid, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	bid, err := e.loadBid(id)
	if err != nil {
		return nil, err
	}
	if caller != bid.Investor {
		return nil, ErrUnauthorized
	}
	if expired, err := e.expireIfDue(bid, e.now()); err != nil {
		return nil, err
	} else if expired {
		return nil, ErrExpired
	}
	if bid.Status == BidExpired {
		return nil, ErrExpired
	}
	if bid.Status != BidPlaced {
		return nil, ErrInvalidStatus
	}
	bid.Status = BidWithdrawn
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	e.emit(NewWithdrawnEvent(bid))
	return bid.Clone(), nil
}

// Cancel voids a live bid on behalf of the protocol. Only admins cancel; the
// investor-driven exit is Withdraw.
func (e *Engine) Cancel(caller [20]byte, id [32]byte) (*Bid, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	bid, err := e.loadBid(id)
	if err != nil {
		return nil, err
	}
	if !e.identity.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if expired, err := e.expireIfDue(bid, e.now()); err != nil {
		return nil, err
	} else if expired {
		return nil, ErrExpired
	}
	if bid.Status == BidExpired {
		return nil, ErrExpired
	}
	if bid.Status != BidPlaced {
		return nil, ErrInvalidStatus
	}
	bid.Status = BidCancelled
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	e.emit(NewStatusEvent(bid))
	return bid.Clone(), nil
}

// MarkAccepted flips the winning bid to Accepted. The transition is driven by
// the funding engine after escrow custody succeeded; pause enforcement
// happens at the funding entry points.
func (e *Engine) MarkAccepted(id [32]byte) (*Bid, error) {
	bid, err := e.loadBid(id)
	if err != nil {
		return nil, err
	}
	switch bid.EffectiveStatus(e.now()) {
	case BidPlaced:
	case BidExpired:
		return nil, ErrExpired
	default:
		return nil, ErrInvalidStatus
	}
	bid.Status = BidAccepted
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	e.emit(NewStatusEvent(bid))
	return bid.Clone(), nil
}

// Get returns a copy of the bid with time-adjusted visibility: a Placed bid
// past its expiration reads as Expired even before a sweep persists the
// transition.
func (e *Engine) Get(id [32]byte) (*Bid, error) {
	bid, err := e.loadBid(id)
	if err != nil {
		return nil, err
	}
	view := bid.Clone()
	view.Status = view.EffectiveStatus(e.now())
	return view, nil
}

// Ranked sweeps the invoice's expired bids and returns the remaining live
// bids ordered by descending profit margin, ties broken by earliest
// placement. The ordering is recomputed from the active-bid index on every
// call.
func (e *Engine) Ranked(invoiceID [32]byte) ([]*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	now := e.now()
	if _, err := e.sweepInvoice(invoiceID, now); err != nil {
		return nil, err
	}
	ids, err := e.state.InvoiceBids(invoiceID)
	if err != nil {
		return nil, err
	}
	live := make([]*Bid, 0, len(ids))
	for _, id := range ids {
		bid, ok := e.state.BidGet(id)
		if !ok {
			continue
		}
		if bid.EffectiveStatus(now) != BidPlaced {
			continue
		}
		live = append(live, bid.Clone())
	}
	sort.SliceStable(live, func(i, j int) bool {
		cmp := live[i].ProfitMargin().Cmp(live[j].ProfitMargin())
		if cmp != 0 {
			return cmp > 0
		}
		return live[i].PlacedAt < live[j].PlacedAt
	})
	return live, nil
}

// Best returns the top-ranked live bid for the invoice, if any.
func (e *Engine) Best(invoiceID [32]byte) (*Bid, bool, error) {
	ranked, err := e.Ranked(invoiceID)
	if err != nil {
		return nil, false, err
	}
	if len(ranked) == 0 {
		return nil, false, nil
	}
	return ranked[0], true, nil
}

// ExpireDue runs the expiration sweep over the invoice's active bids and
// returns how many were flipped to Expired. Records leave the active-bid
// index but remain retrievable by id.
func (e *Engine) ExpireDue(invoiceID [32]byte) (int, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.sweepInvoice(invoiceID, e.now())
}
