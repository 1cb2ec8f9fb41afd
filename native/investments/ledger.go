package investments

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invochain/core/events"
	"invochain/core/types"
	"invochain/native/params"
)

// Storage abstracts the subset of state manager functionality required by the
// investment ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	NextSequence(kind string) (uint64, error)
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

var (
	investmentRecordPrefix   = []byte("investments/record/")
	investmentInvoicePrefix  = []byte("investments/invoice/")
	investmentInvestorPrefix = []byte("investments/investor/")
)

const (
	// EventTypeInvestmentRecorded is emitted exactly once per funded
	// invoice.
	EventTypeInvestmentRecorded = "investments.recorded"
	// EventTypeInvestmentCompleted is emitted when a position settles.
	EventTypeInvestmentCompleted = "investments.completed"
)

var (
	// ErrAlreadyRecorded is returned when the invoice already carries an
	// investment; at most one is ever written per invoice.
	ErrAlreadyRecorded = errors.New("investments: invoice already has an investment")
	// ErrNotFound is returned when no investment exists under the id.
	ErrNotFound = errors.New("investments: investment not found")
	// ErrInvalidAmount is returned when a record would carry a non-positive
	// funded amount.
	ErrInvalidAmount = errors.New("investments: amount must be positive")
)

// Investment is the durable record of "this investor funded this invoice".
// It outlives the escrow that carried the funds and is what investor-facing
// portfolio queries page over.
type Investment struct {
	ID          [32]byte
	InvoiceID   [32]byte
	Investor    [20]byte
	Amount      *big.Int
	CreatedAt   int64
	Completed   bool
	CompletedAt int64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (i *Investment) Copy() *Investment {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Amount != nil {
		clone.Amount = new(big.Int).Set(i.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

type storedInvestment struct {
	ID          [32]byte
	InvoiceID   [32]byte
	Investor    [20]byte
	Amount      *big.Int
	CreatedAt   uint64
	Completed   bool
	CompletedAt uint64
}

type investorIndexEntry struct {
	ID        [32]byte
	CreatedAt uint64
}

type investmentEvent struct {
	evt *types.Event
}

func (e investmentEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e investmentEvent) Event() *types.Event { return e.evt }

// Ledger persists investment records in the underlying key-value store.
type Ledger struct {
	store   Storage
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil || now == nil {
		return
	}
	l.nowFn = now
}

// SetEmitter configures the event emitter used by the ledger. Passing nil
// resets the emitter to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(investmentEvent{evt: evt})
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func recordKey(id [32]byte) []byte {
	return append(append([]byte{}, investmentRecordPrefix...), id[:]...)
}

func invoiceKey(invoiceID [32]byte) []byte {
	return append(append([]byte{}, investmentInvoicePrefix...), invoiceID[:]...)
}

func investorKey(investor [20]byte) []byte {
	return append(append([]byte{}, investmentInvestorPrefix...), investor[:]...)
}

func investmentID(seq uint64, invoiceID [32]byte) [32]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return ethcrypto.Keccak256Hash([]byte("investment"), seqBytes[:], invoiceID[:])
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d overflows int64", value)
	}
	return int64(value), nil
}

func int64ToUint64(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}

func fromStored(stored *storedInvestment) (*Investment, error) {
	if stored == nil {
		return nil, fmt.Errorf("investments: nil stored record")
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("investments: created at overflow: %w", err)
	}
	completedAt, err := uint64ToInt64(stored.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("investments: completed at overflow: %w", err)
	}
	record := &Investment{
		ID:          stored.ID,
		InvoiceID:   stored.InvoiceID,
		Investor:    stored.Investor,
		Amount:      stored.Amount,
		CreatedAt:   createdAt,
		Completed:   stored.Completed,
		CompletedAt: completedAt,
	}
	if record.Amount == nil {
		record.Amount = big.NewInt(0)
	}
	return record, nil
}

// Record writes the durable investment row for a freshly funded invoice,
// enforcing exactly-once semantics per invoice, and indexes it for investor
// portfolio queries.
func (l *Ledger) Record(invoiceID [32]byte, investor [20]byte, amount *big.Int) (*Investment, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("investments: ledger not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var existingID [32]byte
	ok, err := l.store.KVGet(invoiceKey(invoiceID), &existingID)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAlreadyRecorded
	}
	seq, err := l.store.NextSequence("investment")
	if err != nil {
		return nil, err
	}
	stored := &storedInvestment{
		ID:        investmentID(seq, invoiceID),
		InvoiceID: invoiceID,
		Investor:  investor,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: int64ToUint64(l.now()),
	}
	if err := l.store.KVPut(recordKey(stored.ID), stored); err != nil {
		return nil, err
	}
	if err := l.store.KVPut(invoiceKey(invoiceID), stored.ID); err != nil {
		return nil, err
	}
	entry := investorIndexEntry{ID: stored.ID, CreatedAt: stored.CreatedAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return nil, err
	}
	if err := l.store.KVAppend(investorKey(investor), encoded); err != nil {
		return nil, err
	}
	record, err := fromStored(stored)
	if err != nil {
		return nil, err
	}
	l.emit(newInvestmentEvent(EventTypeInvestmentRecorded, record))
	return record.Copy(), nil
}

// Get retrieves an investment record by id.
func (l *Ledger) Get(id [32]byte) (*Investment, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, fmt.Errorf("investments: ledger not initialised")
	}
	var stored storedInvestment
	ok, err := l.store.KVGet(recordKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	record, err := fromStored(&stored)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// ByInvoice retrieves the investment referencing the invoice, if any.
func (l *Ledger) ByInvoice(invoiceID [32]byte) (*Investment, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, fmt.Errorf("investments: ledger not initialised")
	}
	var id [32]byte
	ok, err := l.store.KVGet(invoiceKey(invoiceID), &id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return l.Get(id)
}

// ListByInvestor returns a page of the investor's positions ordered by
// creation time, oldest first. The limit is clamped to the protocol max page
// size; a non-positive limit selects the full clamp. An offset at or past the
// end yields an empty page.
func (l *Ledger) ListByInvestor(investor [20]byte, offset, limit int) ([]*Investment, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("investments: ledger not initialised")
	}
	limits, err := params.NewStore(l.store).Limits()
	if err != nil {
		return nil, err
	}
	maxPage := int(limits.MaxPageSize)
	if limit <= 0 || limit > maxPage {
		limit = maxPage
	}
	if offset < 0 {
		offset = 0
	}
	var raw [][]byte
	if err := l.store.KVGetList(investorKey(investor), &raw); err != nil {
		return nil, err
	}
	entries := make([]investorIndexEntry, 0, len(raw))
	for _, item := range raw {
		var entry investorIndexEntry
		if err := rlp.DecodeBytes(item, &entry); err != nil {
			return nil, fmt.Errorf("investments: corrupt index entry: %w", err)
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt == entries[j].CreatedAt {
			return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
		}
		return entries[i].CreatedAt < entries[j].CreatedAt
	})
	if offset >= len(entries) {
		return []*Investment{}, nil
	}
	page := make([]*Investment, 0, limit)
	for _, entry := range entries[offset:] {
		if len(page) == limit {
			break
		}
		record, ok, err := l.Get(entry.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		page = append(page, record)
	}
	return page, nil
}

// MarkCompleted flags the position as settled. Completing an already
// completed investment is a no-op returning the stored record.
func (l *Ledger) MarkCompleted(id [32]byte) (*Investment, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("investments: ledger not initialised")
	}
	var stored storedInvestment
	ok, err := l.store.KVGet(recordKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Completed {
		return fromStored(&stored)
	}
	stored.Completed = true
	stored.CompletedAt = int64ToUint64(l.now())
	if err := l.store.KVPut(recordKey(id), &stored); err != nil {
		return nil, err
	}
	record, err := fromStored(&stored)
	if err != nil {
		return nil, err
	}
	l.emit(newInvestmentEvent(EventTypeInvestmentCompleted, record))
	return record.Copy(), nil
}

func newInvestmentEvent(eventType string, record *Investment) *types.Event {
	attrs := make(map[string]string)
	if record != nil {
		attrs["id"] = hex.EncodeToString(record.ID[:])
		attrs["invoiceId"] = hex.EncodeToString(record.InvoiceID[:])
		attrs["investor"] = hex.EncodeToString(record.Investor[:])
		if record.Amount != nil {
			attrs["amount"] = record.Amount.String()
		}
		attrs["createdAt"] = strconv.FormatInt(record.CreatedAt, 10)
		if record.Completed {
			attrs["completedAt"] = strconv.FormatInt(record.CompletedAt, 10)
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
