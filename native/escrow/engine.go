package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"invochain/core/events"
	"invochain/core/types"
	nativecommon "invochain/native/common"
)

const moduleName = "escrow"

var (
	errNilState = errors.New("escrow engine: state not configured")

	// ErrNotFound is returned when no escrow exists under the supplied id.
	ErrNotFound = errors.New("escrow: escrow not found")
	// ErrAlreadyExists is returned when an invoice already has an escrow;
	// at most one is ever created per invoice.
	ErrAlreadyExists = errors.New("escrow: escrow already exists for invoice")
	// ErrInvalidStatus is returned when a release or refund targets an
	// escrow that is not in the Held status. Funds are never moved twice.
	ErrInvalidStatus = errors.New("escrow: escrow not held")
	// ErrInvalidAmount is returned when an escrow would be opened with a
	// non-positive amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrInsufficientBalance is returned when a token transfer would
	// overdraw the sender.
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	// ErrInsufficientAllowance is returned when the investor has not
	// pre-approved the module for the required amount.
	ErrInsufficientAllowance = errors.New("escrow: insufficient allowance")
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowByInvoice(invoiceID [32]byte) (*Escrow, bool)
	EscrowCredit(id [32]byte, token string, amt *big.Int) error
	EscrowDebit(id [32]byte, token string, amt *big.Int) error
	EscrowVaultAddress(token string) ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	Allowance(owner, spender [20]byte, token string) (*big.Int, error)
	ConsumeAllowance(owner, spender [20]byte, token string, amount *big.Int) error
	NextSequence(kind string) (uint64, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns escrow custody: it pulls accepted-bid funds into the module
// vault and later releases them to the business or refunds them to the
// investor. All token movement for the funding pipeline flows through here.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{BalanceINV: big.NewInt(0), BalanceZINV: big.NewInt(0)}
	}
	if acc.BalanceINV == nil {
		acc.BalanceINV = big.NewInt(0)
	}
	if acc.BalanceZINV == nil {
		acc.BalanceZINV = big.NewInt(0)
	}
	return acc
}

func escrowID(seq uint64, invoiceID [32]byte) [32]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return ethcrypto.Keccak256Hash([]byte("escrow"), seqBytes[:], invoiceID[:])
}

// Get returns a copy of the escrow stored under the id.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// ByInvoice returns a copy of the escrow referencing the invoice, if any.
func (e *Engine) ByInvoice(invoiceID [32]byte) (*Escrow, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	esc, ok := e.state.EscrowByInvoice(invoiceID)
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	switch normalized {
	case "INV":
		if fromAcc.BalanceINV.Cmp(amt) < 0 {
			return ErrInsufficientBalance
		}
		fromAcc.BalanceINV = new(big.Int).Sub(fromAcc.BalanceINV, amt)
		toAcc.BalanceINV = new(big.Int).Add(toAcc.BalanceINV, amt)
	case "ZINV":
		if fromAcc.BalanceZINV.Cmp(amt) < 0 {
			return ErrInsufficientBalance
		}
		fromAcc.BalanceZINV = new(big.Int).Sub(fromAcc.BalanceZINV, amt)
		toAcc.BalanceZINV = new(big.Int).Add(toAcc.BalanceZINV, amt)
	default:
		return fmt.Errorf("escrow: unsupported token %s", token)
	}
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return err
	}
	return nil
}

// Open pulls the accepted bid amount from the investor into the module vault
// and persists the Held escrow record. The allowance and balance checks run
// before any account is touched, so a failed pull leaves no partial state.
// Exactly one escrow may ever be opened per invoice.
func (e *Engine) Open(invoiceID [32]byte, business, investor [20]byte, token string, amount *big.Int) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	normalizedToken, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, ok := e.state.EscrowByInvoice(invoiceID); ok {
		return nil, ErrAlreadyExists
	}
	vault, err := e.state.EscrowVaultAddress(normalizedToken)
	if err != nil {
		return nil, err
	}
	allowance, err := e.state.Allowance(investor, vault, normalizedToken)
	if err != nil {
		return nil, err
	}
	if allowance == nil || allowance.Cmp(amt) < 0 {
		return nil, ErrInsufficientAllowance
	}
	if err := e.transferToken(investor, vault, normalizedToken, amt); err != nil {
		return nil, err
	}
	if err := e.state.ConsumeAllowance(investor, vault, normalizedToken, amt); err != nil {
		return nil, err
	}
	seq, err := e.state.NextSequence("escrow")
	if err != nil {
		return nil, err
	}
	id := escrowID(seq, invoiceID)
	if err := e.state.EscrowCredit(id, normalizedToken, amt); err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:        id,
		InvoiceID: invoiceID,
		Business:  business,
		Investor:  investor,
		Token:     normalizedToken,
		Amount:    amt,
		Status:    EscrowHeld,
		CreatedAt: e.now(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// CollectPayment pulls a caller-initiated payment into the token vault. The
// transfer is direct, no allowance is consumed; a zero amount is a no-op.
// Settlement flows route repayments through here so all custody movement
// stays inside this engine.
func (e *Engine) CollectPayment(payer [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	vault, err := e.state.EscrowVaultAddress(normalized)
	if err != nil {
		return err
	}
	return e.transferToken(payer, vault, normalized, amount)
}

// Disburse pays out of the token vault to the recipient. A zero amount is a
// no-op.
func (e *Engine) Disburse(recipient [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	vault, err := e.state.EscrowVaultAddress(normalized)
	if err != nil {
		return err
	}
	return e.transferToken(vault, recipient, normalized, amount)
}

// Release transitions Held to Released and forwards the held amount to the
// business. A second release attempt, or a release of a refunded escrow,
// fails with ErrInvalidStatus and moves nothing.
func (e *Engine) Release(id [32]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != EscrowHeld {
		return ErrInvalidStatus
	}
	return e.closeEscrow(esc, esc.Business, EscrowReleased, NewReleasedEvent)
}

// Refund transitions Held to Refunded and returns the held amount to the
// investor. The same single-shot guarantee as Release applies.
func (e *Engine) Refund(id [32]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Status != EscrowHeld {
		return ErrInvalidStatus
	}
	return e.closeEscrow(esc, esc.Investor, EscrowRefunded, NewRefundedEvent)
}

func (e *Engine) closeEscrow(esc *Escrow, recipient [20]byte, status EscrowStatus, eventFn func(*Escrow) *types.Event) error {
	if esc == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	vault, err := e.state.EscrowVaultAddress(esc.Token)
	if err != nil {
		return err
	}
	amount := cloneBigInt(esc.Amount)
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.state.EscrowDebit(esc.ID, esc.Token, amount); err != nil {
		return err
	}
	if err := e.transferToken(vault, recipient, esc.Token, amount); err != nil {
		return err
	}
	esc.Status = status
	esc.ClosedAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}
