package invoice

import (
	"encoding/binary"
	"errors"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"invochain/core/events"
	"invochain/core/types"
	nativecommon "invochain/native/common"
	"invochain/native/identity"
	"invochain/native/params"
)

const moduleName = "invoice"

var (
	errNilState = errors.New("invoice registry: state not configured")

	// ErrNotFound is returned when no invoice exists under the supplied id.
	ErrNotFound = errors.New("invoice: invoice not found")
	// ErrInvalidStatus is returned when the invoice is not in a status the
	// requested transition accepts.
	ErrInvalidStatus = errors.New("invoice: invalid status for operation")
	// ErrInvalidAmount is returned when a submission carries a non-positive
	// face value.
	ErrInvalidAmount = errors.New("invoice: amount must be positive")
	// ErrAmountAboveLimit is returned when the face value exceeds the
	// governed protocol maximum.
	ErrAmountAboveLimit = errors.New("invoice: amount exceeds protocol maximum")
	// ErrUnknownToken is returned when the settlement token has not been
	// registered.
	ErrUnknownToken = errors.New("invoice: settlement token not registered")
	// ErrInvalidDueDate is returned when the due date is not in the future.
	ErrInvalidDueDate = errors.New("invoice: due date must be in the future")
	// ErrUnauthorized is returned when the caller lacks the role the
	// operation requires.
	ErrUnauthorized = errors.New("invoice: caller not authorized")
)

type registryState interface {
	InvoicePut(*Invoice) error
	InvoiceGet(id [32]byte) (*Invoice, bool)
	InvoiceCount() (uint64, error)
	InvoiceCountByStatus(status InvoiceStatus) (uint64, error)
	NextSequence(kind string) (uint64, error)
	TokenExists(symbol string) bool
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

type invoiceEvent struct {
	evt *types.Event
}

func (e invoiceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e invoiceEvent) Event() *types.Event { return e.evt }

// Registry owns the invoice lifecycle from submission through verification to
// the terminal settlement statuses. Funding-side transitions are driven by
// the funding engine; everything else is caller-facing.
type Registry struct {
	state    registryState
	identity *identity.Registry
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	nowFn    func() int64
}

// NewRegistry creates an invoice registry with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetIdentity configures the registry that answers authorization questions.
// With no registry wired every gated operation fails closed.
func (r *Registry) SetIdentity(reg *identity.Registry) { r.identity = reg }

// SetPauses configures the module pause view consulted before mutations.
func (r *Registry) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// SetNowFunc overrides the time source used by the registry. Primarily
// intended for tests to provide deterministic timestamps.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// SetEmitter configures the event emitter used by the registry. Passing nil
// resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(invoiceEvent{evt: evt})
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func invoiceID(seq uint64, business [20]byte) [32]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return ethcrypto.Keccak256Hash([]byte("invoice"), seqBytes[:], business[:])
}

func (r *Registry) loadInvoice(id [32]byte) (*Invoice, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	inv, ok := r.state.InvoiceGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return inv, nil
}

// Create registers a receivable for financing. The caller becomes the owning
// business and must hold the business role. The invoice starts Pending and
// cannot collect bids until an admin verifies it.
func (r *Registry) Create(business [20]byte, amount *big.Int, dueDate int64, token, category, reference string) (*Invoice, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	if !r.identity.IsBusiness(business) {
		return nil, ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	limits, err := params.NewStore(r.state).Limits()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(limits.MaxAmount) > 0 {
		return nil, ErrAmountAboveLimit
	}
	if !r.state.TokenExists(token) {
		return nil, ErrUnknownToken
	}
	now := r.now()
	if dueDate <= now {
		return nil, ErrInvalidDueDate
	}
	ref := strings.TrimSpace(reference)
	if ref == "" {
		ref = uuid.NewString()
	}
	seq, err := r.state.NextSequence("invoice")
	if err != nil {
		return nil, err
	}
	inv, err := SanitizeInvoice(&Invoice{
		ID:           invoiceID(seq, business),
		Business:     business,
		Amount:       amount,
		DueDate:      dueDate,
		Token:        token,
		Category:     category,
		Reference:    ref,
		Status:       InvoicePending,
		FundedAmount: big.NewInt(0),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewCreatedEvent(inv))
	return inv.Clone(), nil
}

// Verify clears a Pending invoice for bidding. Only admins verify; anything
// but Pending is rejected.
func (r *Registry) Verify(caller [20]byte, id [32]byte) (*Invoice, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if !r.identity.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if inv.Status != InvoicePending {
		return nil, ErrInvalidStatus
	}
	inv.Status = InvoiceVerified
	inv.UpdatedAt = r.now()
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewVerifiedEvent(inv))
	return inv.Clone(), nil
}

// Cancel withdraws an invoice before funding. The owning business or an admin
// may cancel while the invoice is Pending or Verified; funded and settled
// invoices are immutable.
func (r *Registry) Cancel(caller [20]byte, id [32]byte) (*Invoice, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if caller != inv.Business && !r.identity.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if inv.Status != InvoicePending && inv.Status != InvoiceVerified {
		return nil, ErrInvalidStatus
	}
	inv.Status = InvoiceCancelled
	inv.UpdatedAt = r.now()
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewCancelledEvent(inv))
	return inv.Clone(), nil
}

// SetDispute toggles the dispute bookkeeping flag. The flag never blocks or
// reroutes escrowed funds; resolution happens off-protocol. Setting the flag
// to its current value is a no-op without an event.
func (r *Registry) SetDispute(caller [20]byte, id [32]byte, disputed bool) (*Invoice, error) {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return nil, err
	}
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if !r.identity.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if inv.Disputed == disputed {
		return inv.Clone(), nil
	}
	inv.Disputed = disputed
	inv.UpdatedAt = r.now()
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewDisputeUpdatedEvent(inv))
	return inv.Clone(), nil
}

// MarkFunded records the accepted bid on a Verified invoice. The transition
// is driven by the funding engine after escrow custody succeeded; pause
// enforcement happens at the funding entry points.
func (r *Registry) MarkFunded(id [32]byte, investor [20]byte, fundedAmount *big.Int) (*Invoice, error) {
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceVerified {
		return nil, ErrInvalidStatus
	}
	if fundedAmount == nil || fundedAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	inv.Status = InvoiceFunded
	inv.Investor = investor
	inv.FundedAmount = new(big.Int).Set(fundedAmount)
	inv.UpdatedAt = r.now()
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewFundedEvent(inv))
	return inv.Clone(), nil
}

// MarkPaid closes a Funded invoice after repayment settled.
func (r *Registry) MarkPaid(id [32]byte) (*Invoice, error) {
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceFunded {
		return nil, ErrInvalidStatus
	}
	inv.Status = InvoicePaid
	inv.UpdatedAt = r.now()
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewPaidEvent(inv))
	return inv.Clone(), nil
}

// MarkDefaulted closes a Funded invoice without repayment.
func (r *Registry) MarkDefaulted(id [32]byte) (*Invoice, error) {
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceFunded {
		return nil, ErrInvalidStatus
	}
	inv.Status = InvoiceDefaulted
	inv.UpdatedAt = r.now()
	if err := r.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	r.emit(NewDefaultedEvent(inv))
	return inv.Clone(), nil
}

// Get returns a copy of the invoice stored under the id.
func (r *Registry) Get(id [32]byte) (*Invoice, error) {
	inv, err := r.loadInvoice(id)
	if err != nil {
		return nil, err
	}
	return inv.Clone(), nil
}

// Counts reports the total number of invoices ever created plus the current
// per-status breakdown. The per-status figures always sum to the total.
func (r *Registry) Counts() (uint64, map[InvoiceStatus]uint64, error) {
	if r == nil || r.state == nil {
		return 0, nil, errNilState
	}
	total, err := r.state.InvoiceCount()
	if err != nil {
		return 0, nil, err
	}
	byStatus := make(map[InvoiceStatus]uint64, len(AllStatuses()))
	for _, status := range AllStatuses() {
		count, err := r.state.InvoiceCountByStatus(status)
		if err != nil {
			return 0, nil, err
		}
		byStatus[status] = count
	}
	return total, byStatus, nil
}
