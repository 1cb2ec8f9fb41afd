package investments

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"invochain/core/events"
	"invochain/native/params"
)

type mockStorage struct {
	kv        map[string][]byte
	lists     map[string][][]byte
	sequences map[string]uint64
	params    map[string][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		kv:        make(map[string][]byte),
		lists:     make(map[string][][]byte),
		sequences: make(map[string]uint64),
		params:    make(map[string][]byte),
	}
}

func (m *mockStorage) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.kv[string(key)] = encoded
	return nil
}

func (m *mockStorage) KVGet(key []byte, out interface{}) (bool, error) {
	encoded, ok := m.kv[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *mockStorage) KVAppend(key []byte, value []byte) error {
	k := string(key)
	m.lists[k] = append(m.lists[k], append([]byte(nil), value...))
	return nil
}

func (m *mockStorage) KVGetList(key []byte, out interface{}) error {
	encoded, err := rlp.EncodeToBytes(m.lists[string(key)])
	if err != nil {
		return err
	}
	return rlp.DecodeBytes(encoded, out)
}

func (m *mockStorage) NextSequence(kind string) (uint64, error) {
	m.sequences[kind]++
	return m.sequences[kind], nil
}

func (m *mockStorage) ParamStoreSet(name string, value []byte) error {
	m.params[name] = append([]byte(nil), value...)
	return nil
}

func (m *mockStorage) ParamStoreGet(name string) ([]byte, bool, error) {
	value, ok := m.params[name]
	return value, ok, nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

const testNow = int64(1_700_000_000)

func newTestID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestLedger(store *mockStorage) (*Ledger, *capturingEmitter) {
	ledger := NewLedger(store)
	ledger.SetNowFunc(func() int64 { return testNow })
	emitter := &capturingEmitter{}
	ledger.SetEmitter(emitter)
	return ledger, emitter
}

func TestRecordAndLookup(t *testing.T) {
	store := newMockStorage()
	ledger, emitter := newTestLedger(store)
	invoiceID := newTestID(0x10)
	investor := newTestAddress(0x01)

	record, err := ledger.Record(invoiceID, investor, big.NewInt(9_000))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.InvoiceID != invoiceID || record.Investor != investor {
		t.Fatalf("unexpected record identity: %+v", record)
	}
	if record.Amount.Cmp(big.NewInt(9_000)) != 0 {
		t.Fatalf("unexpected amount %s", record.Amount)
	}
	if record.CreatedAt != testNow || record.Completed {
		t.Fatalf("unexpected bookkeeping fields: %+v", record)
	}

	fetched, ok, err := ledger.Get(record.ID)
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if fetched.Amount.Cmp(record.Amount) != 0 {
		t.Fatalf("unexpected fetched amount %s", fetched.Amount)
	}
	byInvoice, ok, err := ledger.ByInvoice(invoiceID)
	if err != nil || !ok {
		t.Fatalf("by invoice: %v ok=%v", err, ok)
	}
	if byInvoice.ID != record.ID {
		t.Fatalf("invoice mapping points at %x, want %x", byInvoice.ID, record.ID)
	}

	if evtTypes := emitter.eventTypes(); len(evtTypes) != 1 || evtTypes[0] != EventTypeInvestmentRecorded {
		t.Fatalf("unexpected events: %v", evtTypes)
	}
}

func TestRecordExactlyOncePerInvoice(t *testing.T) {
	store := newMockStorage()
	ledger, _ := newTestLedger(store)
	invoiceID := newTestID(0x10)
	investor := newTestAddress(0x01)

	if _, err := ledger.Record(invoiceID, investor, big.NewInt(9_000)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := ledger.Record(invoiceID, newTestAddress(0x02), big.NewInt(1_000)); !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("expected duplicate invoice rejection, got %v", err)
	}
	page, err := ledger.ListByInvestor(investor, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected a single recorded position, got %d", len(page))
	}
}

func TestRecordRejectsInvalidAmount(t *testing.T) {
	store := newMockStorage()
	ledger, _ := newTestLedger(store)
	if _, err := ledger.Record(newTestID(0x10), newTestAddress(0x01), nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected nil amount rejection, got %v", err)
	}
	if _, err := ledger.Record(newTestID(0x10), newTestAddress(0x01), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected zero amount rejection, got %v", err)
	}
}

func TestListByInvestorPagination(t *testing.T) {
	store := newMockStorage()
	ledger, _ := newTestLedger(store)
	investor := newTestAddress(0x01)

	current := testNow
	ledger.SetNowFunc(func() int64 { return current })
	recorded := make([][32]byte, 0, 5)
	for i := 0; i < 5; i++ {
		record, err := ledger.Record(newTestID(byte(0x10+i)), investor, big.NewInt(int64(1_000*(i+1))))
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		recorded = append(recorded, record.ID)
		current++
	}

	full, err := ledger.ListByInvestor(investor, 0, 0)
	if err != nil {
		t.Fatalf("full list: %v", err)
	}
	if len(full) != 5 {
		t.Fatalf("expected all positions, got %d", len(full))
	}
	for i, record := range full {
		if record.ID != recorded[i] {
			t.Fatalf("expected oldest-first ordering at %d", i)
		}
	}

	page, err := ledger.ListByInvestor(investor, 2, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].ID != recorded[2] || page[1].ID != recorded[3] {
		t.Fatalf("unexpected page contents: %+v", page)
	}

	empty, err := ledger.ListByInvestor(investor, 5, 2)
	if err != nil {
		t.Fatalf("overflow offset: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("offset past the end must yield an empty page, got %+v", empty)
	}

	if err := params.NewStore(store).SetLimits(params.Limits{MaxPageSize: 2}); err != nil {
		t.Fatalf("seed limits: %v", err)
	}
	clamped, err := ledger.ListByInvestor(investor, 0, 50)
	if err != nil {
		t.Fatalf("clamped list: %v", err)
	}
	if len(clamped) != 2 {
		t.Fatalf("expected the protocol page clamp, got %d", len(clamped))
	}

	none, err := ledger.ListByInvestor(newTestAddress(0x09), 0, 0)
	if err != nil {
		t.Fatalf("unknown investor: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown investor must have no positions, got %d", len(none))
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	store := newMockStorage()
	ledger, emitter := newTestLedger(store)
	invoiceID := newTestID(0x10)

	record, err := ledger.Record(invoiceID, newTestAddress(0x01), big.NewInt(9_000))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	completed, err := ledger.MarkCompleted(record.ID)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if !completed.Completed || completed.CompletedAt != testNow {
		t.Fatalf("unexpected completion fields: %+v", completed)
	}

	again, err := ledger.MarkCompleted(record.ID)
	if err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
	if !again.Completed {
		t.Fatalf("repeat completion lost the flag")
	}
	evtTypes := emitter.eventTypes()
	if len(evtTypes) != 2 || evtTypes[1] != EventTypeInvestmentCompleted {
		t.Fatalf("expected one completion event, got %v", evtTypes)
	}

	if _, err := ledger.MarkCompleted(newTestID(0xFF)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown id rejection, got %v", err)
	}
}
