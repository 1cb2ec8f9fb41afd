package receipts

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

type mockStorage struct {
	kv    map[string][]byte
	lists map[string][][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{kv: make(map[string][]byte), lists: make(map[string][][]byte)}
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

func testID(fill byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func repaymentReceipt(invoiceID [32]byte, payment int64) *Receipt {
	return &Receipt{
		InvoiceID:      invoiceID,
		EscrowID:       testID(0xEE),
		Business:       testAddr(0xB1),
		Investor:       testAddr(0x1B),
		Token:          "INV",
		Kind:           KindRepayment,
		Payment:        big.NewInt(payment),
		GrossProfit:    big.NewInt(100),
		InvestorReturn: big.NewInt(payment - 6),
		PlatformFee:    big.NewInt(6),
		TreasuryCut:    big.NewInt(4),
		PlatformCut:    big.NewInt(2),
	}
}

func TestLedgerRecordAndGet(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	ledger.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	receipt := repaymentReceipt(testID(0x01), 1100)
	if err := ledger.Record(receipt); err != nil {
		t.Fatalf("record: %v", err)
	}
	fetched, ok, err := ledger.Get(testID(0x01))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if fetched.Kind != KindRepayment {
		t.Fatalf("unexpected kind %s", fetched.Kind)
	}
	if fetched.Payment.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("unexpected payment %s", fetched.Payment)
	}
	if fetched.InvestorReturn.Cmp(big.NewInt(1094)) != 0 {
		t.Fatalf("unexpected investor return %s", fetched.InvestorReturn)
	}
	if fetched.TreasuryCut.Cmp(big.NewInt(4)) != 0 || fetched.PlatformCut.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("unexpected fee legs: %+v", fetched)
	}
	if fetched.SettledAt != 1700000000 {
		t.Fatalf("expected clock-stamped settle time, got %d", fetched.SettledAt)
	}
	if fetched.Business != testAddr(0xB1) || fetched.Investor != testAddr(0x1B) {
		t.Fatalf("unexpected parties: %+v", fetched)
	}
	exists, err := ledger.Exists(testID(0x01))
	if err != nil || !exists {
		t.Fatalf("exists: %v ok=%v", err, exists)
	}
}

func TestLedgerRecordRejectsDuplicate(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	ledger.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	if err := ledger.Record(repaymentReceipt(testID(0x02), 500)); err != nil {
		t.Fatalf("record: %v", err)
	}
	err := ledger.Record(&Receipt{
		InvoiceID: testID(0x02),
		Kind:      KindDefault,
	})
	if !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("expected ErrAlreadyRecorded, got %v", err)
	}
}

func TestLedgerRecordValidatesKind(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	err := ledger.Record(&Receipt{InvoiceID: testID(0x03), Kind: "chargeback"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if err := ledger.Record(&Receipt{Kind: KindRepayment}); err == nil {
		t.Fatal("expected zero invoice id to be rejected")
	}
}

func TestLedgerDefaultReceipt(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	ledger.SetClock(func() time.Time { return time.Unix(1700000100, 0) })
	receipt := &Receipt{
		InvoiceID:      testID(0x04),
		EscrowID:       testID(0xE4),
		Business:       testAddr(0xB1),
		Investor:       testAddr(0x1B),
		Token:          "INV",
		Kind:           KindDefault,
		Payment:        big.NewInt(0),
		InvestorReturn: big.NewInt(900),
	}
	if err := ledger.Record(receipt); err != nil {
		t.Fatalf("record: %v", err)
	}
	fetched, ok, err := ledger.Get(testID(0x04))
	if err != nil || !ok {
		t.Fatalf("get: %v ok=%v", err, ok)
	}
	if fetched.Kind != KindDefault {
		t.Fatalf("unexpected kind %s", fetched.Kind)
	}
	if fetched.Payment.Sign() != 0 {
		t.Fatalf("default receipt should carry no payment, got %s", fetched.Payment)
	}
	if fetched.InvestorReturn.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected refunded principal, got %s", fetched.InvestorReturn)
	}
	if fetched.GrossProfit.Sign() != 0 || fetched.PlatformFee.Sign() != 0 {
		t.Fatalf("default receipt should carry no profit legs: %+v", fetched)
	}
}

func TestLedgerListAndCursor(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	timestamps := []time.Time{
		time.Unix(1700000100, 0),
		time.Unix(1700000200, 0),
		time.Unix(1700000300, 0),
	}
	idx := 0
	ledger.SetClock(func() time.Time {
		current := timestamps[idx]
		if idx < len(timestamps)-1 {
			idx++
		}
		return current
	})
	ids := [][32]byte{testID(0x10), testID(0x11), testID(0x12)}
	for i, id := range ids {
		if err := ledger.Record(repaymentReceipt(id, int64(100*(i+1)))); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	page, cursor, err := ledger.List(0, 0, "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || cursor == "" {
		t.Fatalf("unexpected page len=%d cursor=%s", len(page), cursor)
	}
	if page[0].InvoiceID != ids[0] || page[1].InvoiceID != ids[1] {
		t.Fatalf("unexpected ordering: %+v", page)
	}
	if cursor != hex.EncodeToString(ids[1][:]) {
		t.Fatalf("unexpected cursor %s", cursor)
	}
	second, next, err := ledger.List(0, 0, "0x"+cursor, 2)
	if err != nil {
		t.Fatalf("list next: %v", err)
	}
	if len(second) != 1 || second[0].InvoiceID != ids[2] {
		t.Fatalf("unexpected second page: %+v", second)
	}
	if next != "" {
		t.Fatalf("expected empty cursor, got %s", next)
	}
}

func TestLedgerListFiltersWindow(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	ledger.SetClock(func() time.Time { return time.Unix(1700000100, 0) })
	if err := ledger.Record(repaymentReceipt(testID(0x20), 100)); err != nil {
		t.Fatalf("record: %v", err)
	}
	ledger.SetClock(func() time.Time { return time.Unix(1700000500, 0) })
	if err := ledger.Record(repaymentReceipt(testID(0x21), 200)); err != nil {
		t.Fatalf("record: %v", err)
	}
	inWindow, _, err := ledger.List(1700000400, 1700000600, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inWindow) != 1 || inWindow[0].InvoiceID != testID(0x21) {
		t.Fatalf("unexpected window results: %+v", inWindow)
	}
}

func TestLedgerExportCSV(t *testing.T) {
	store := newMockStorage()
	ledger := NewLedger(store)
	ledger.SetClock(func() time.Time { return time.Unix(1700000400, 0) })
	if err := ledger.Record(repaymentReceipt(testID(0x30), 1000)); err != nil {
		t.Fatalf("record: %v", err)
	}
	ledger.SetClock(func() time.Time { return time.Unix(1700000500, 0) })
	if err := ledger.Record(&Receipt{
		InvoiceID:      testID(0x31),
		EscrowID:       testID(0xE3),
		Business:       testAddr(0xB1),
		Investor:       testAddr(0x1B),
		Token:          "INV",
		Kind:           KindDefault,
		InvestorReturn: big.NewInt(700),
	}); err != nil {
		t.Fatalf("record default: %v", err)
	}
	encoded, count, total, err := ledger.ExportCSV(0, 0)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if count != 2 {
		t.Fatalf("unexpected count %d", count)
	}
	if total.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected total %s", total)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rows := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if !strings.Contains(rows[0], "investorReturn") || !strings.Contains(rows[0], "treasuryCut") {
		t.Fatalf("unexpected header: %s", rows[0])
	}
	if !strings.Contains(rows[1], KindRepayment) || !strings.Contains(rows[2], KindDefault) {
		t.Fatalf("unexpected csv rows: %v", rows)
	}
	if !strings.Contains(rows[2], "700") {
		t.Fatalf("expected refund amount in default row, got %s", rows[2])
	}
}
