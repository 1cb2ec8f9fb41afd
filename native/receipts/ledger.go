package receipts

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Storage abstracts the subset of state manager functionality required by the
// receipt ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	receiptRecordPrefix = []byte("receipts/settlement/")
	receiptIndexKey     = []byte("receipts/settlement/index")
)

// Receipt kinds. An invoice settles exactly once, either through a repayment
// or a default.
const (
	KindRepayment = "repayment"
	KindDefault   = "default"
)

var (
	// ErrAlreadyRecorded is returned when a settlement receipt exists for
	// the invoice. Settlement is terminal, so the ledger holds at most one
	// receipt per invoice.
	ErrAlreadyRecorded = errors.New("receipts: settlement already recorded")
	// ErrUnknownKind is returned for receipts that are neither repayments
	// nor defaults.
	ErrUnknownKind = errors.New("receipts: unknown receipt kind")
	// ErrNotFound is reported by callers when an invoice has no settlement
	// receipt. Get itself signals absence through its found flag.
	ErrNotFound = errors.New("receipts: receipt not found")
)

// Receipt captures how a settled invoice was closed out: the payment that
// came in and how it was carved up across the investor, treasury and platform
// legs. Default receipts carry the refunded principal in InvestorReturn and
// zeros everywhere else.
type Receipt struct {
	InvoiceID      [32]byte
	EscrowID       [32]byte
	Business       [20]byte
	Investor       [20]byte
	Token          string
	Kind           string
	Payment        *big.Int
	GrossProfit    *big.Int
	InvestorReturn *big.Int
	PlatformFee    *big.Int
	TreasuryCut    *big.Int
	PlatformCut    *big.Int
	SettledAt      int64
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (r *Receipt) Copy() *Receipt {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Payment = copyAmount(r.Payment)
	clone.GrossProfit = copyAmount(r.GrossProfit)
	clone.InvestorReturn = copyAmount(r.InvestorReturn)
	clone.PlatformFee = copyAmount(r.PlatformFee)
	clone.TreasuryCut = copyAmount(r.TreasuryCut)
	clone.PlatformCut = copyAmount(r.PlatformCut)
	return &clone
}

// Amounts are persisted as decimal strings and timestamps as unsigned values
// because RLP encodes neither big.Int signs nor signed integers directly.
type storedReceipt struct {
	InvoiceID      [32]byte
	EscrowID       [32]byte
	Business       [20]byte
	Investor       [20]byte
	Token          string
	Kind           string
	Payment        string
	GrossProfit    string
	InvestorReturn string
	PlatformFee    string
	TreasuryCut    string
	PlatformCut    string
	SettledAt      uint64
}

type receiptIndexEntry struct {
	InvoiceID [32]byte
	SettledAt uint64
}

// Ledger persists settlement receipts in the underlying key-value store.
type Ledger struct {
	store Storage
	clock func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Record stores the receipt, enforcing append-only semantics keyed by the
// invoice identifier.
func (l *Ledger) Record(receipt *Receipt) error {
	if l == nil {
		return fmt.Errorf("receipts: ledger not initialised")
	}
	if receipt == nil {
		return fmt.Errorf("receipts: receipt must not be nil")
	}
	if receipt.InvoiceID == ([32]byte{}) {
		return fmt.Errorf("receipts: invoice id required")
	}
	if receipt.Kind != KindRepayment && receipt.Kind != KindDefault {
		return fmt.Errorf("%w: %q", ErrUnknownKind, receipt.Kind)
	}
	exists, err := l.Exists(receipt.InvoiceID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: invoice %x", ErrAlreadyRecorded, receipt.InvoiceID)
	}
	stored := toStoredReceipt(receipt)
	if stored.SettledAt == 0 {
		now := l.clock().UTC().Unix()
		if now > 0 {
			stored.SettledAt = uint64(now)
		}
	}
	if _, err := uint64ToInt64(stored.SettledAt); err != nil {
		return fmt.Errorf("receipts: settled at overflow: %w", err)
	}
	if err := l.store.KVPut(receiptKey(receipt.InvoiceID), stored); err != nil {
		return err
	}
	entry := receiptIndexEntry{InvoiceID: stored.InvoiceID, SettledAt: stored.SettledAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return l.store.KVAppend(receiptIndexKey, encoded)
}

// Exists reports whether the invoice already has a settlement receipt.
func (l *Ledger) Exists(invoiceID [32]byte) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("receipts: ledger not initialised")
	}
	var stored storedReceipt
	ok, err := l.store.KVGet(receiptKey(invoiceID), &stored)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Get retrieves the settlement receipt for an invoice.
func (l *Ledger) Get(invoiceID [32]byte) (*Receipt, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("receipts: ledger not initialised")
	}
	var stored storedReceipt
	ok, err := l.store.KVGet(receiptKey(invoiceID), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	receipt, err := fromStoredReceipt(&stored)
	if err != nil {
		return nil, false, err
	}
	return receipt, true, nil
}

// List returns a paginated list of receipts within the supplied timestamp
// range. Both bounds are inclusive. The cursor is the hex invoice ID of the
// last item from the previous page.
func (l *Ledger) List(startTs, endTs int64, cursor string, limit int) ([]*Receipt, string, error) {
	if l == nil {
		return nil, "", fmt.Errorf("receipts: ledger not initialised")
	}
	entries, err := l.loadIndex()
	if err != nil {
		return nil, "", err
	}
	filtered := make([]receiptIndexEntry, 0, len(entries))
	for _, entry := range entries {
		settledAt, err := uint64ToInt64(entry.SettledAt)
		if err != nil {
			return nil, "", fmt.Errorf("receipts: index entry overflow: %w", err)
		}
		if startTs != 0 && settledAt < startTs {
			continue
		}
		if endTs != 0 && settledAt > endTs {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].SettledAt == filtered[j].SettledAt {
			return bytes.Compare(filtered[i].InvoiceID[:], filtered[j].InvoiceID[:]) < 0
		}
		return filtered[i].SettledAt < filtered[j].SettledAt
	})
	startIdx := 0
	cursorID := normalizeCursor(cursor)
	if cursorID != "" {
		for i, entry := range filtered {
			if hex.EncodeToString(entry.InvoiceID[:]) == cursorID {
				startIdx = i + 1
				break
			}
		}
	}
	nextCursor := ""
	pageSize := limit
	if pageSize <= 0 {
		pageSize = len(filtered) - startIdx
	}
	receipts := make([]*Receipt, 0, min(pageSize, len(filtered)-startIdx))
	for i := startIdx; i < len(filtered) && len(receipts) < pageSize; i++ {
		entry := filtered[i]
		receipt, ok, err := l.Get(entry.InvoiceID)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		receipts = append(receipts, receipt)
		nextCursor = hex.EncodeToString(entry.InvoiceID[:])
	}
	if startIdx+len(receipts) >= len(filtered) {
		nextCursor = ""
	}
	return receipts, nextCursor, nil
}

// ExportCSV generates a deterministic CSV export covering the provided
// timestamp window. The CSV is returned as a base64 encoded string alongside
// the entry count and the total repayment volume collected in the window.
func (l *Ledger) ExportCSV(startTs, endTs int64) (string, int, *big.Int, error) {
	if l == nil {
		return "", 0, nil, fmt.Errorf("receipts: ledger not initialised")
	}
	entries, _, err := l.List(startTs, endTs, "", 0)
	if err != nil {
		return "", 0, nil, err
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	header := []string{"invoiceId", "escrowId", "business", "investor", "token", "kind", "payment", "grossProfit", "investorReturn", "platformFee", "treasuryCut", "platformCut", "settledAt"}
	if err := writer.Write(header); err != nil {
		return "", 0, nil, err
	}
	total := big.NewInt(0)
	for _, receipt := range entries {
		if receipt.Payment != nil {
			total = new(big.Int).Add(total, receipt.Payment)
		}
		row := []string{
			hex.EncodeToString(receipt.InvoiceID[:]),
			hex.EncodeToString(receipt.EscrowID[:]),
			hex.EncodeToString(receipt.Business[:]),
			hex.EncodeToString(receipt.Investor[:]),
			receipt.Token,
			receipt.Kind,
			amountString(receipt.Payment),
			amountString(receipt.GrossProfit),
			amountString(receipt.InvestorReturn),
			amountString(receipt.PlatformFee),
			amountString(receipt.TreasuryCut),
			amountString(receipt.PlatformCut),
			strconv.FormatInt(receipt.SettledAt, 10),
		}
		if err := writer.Write(row); err != nil {
			return "", 0, nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", 0, nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return encoded, len(entries), total, nil
}

func (l *Ledger) loadIndex() ([]receiptIndexEntry, error) {
	var raw [][]byte
	if err := l.store.KVGetList(receiptIndexKey, &raw); err != nil {
		return nil, err
	}
	entries := make([]receiptIndexEntry, 0, len(raw))
	for _, encoded := range raw {
		if len(encoded) == 0 {
			continue
		}
		var entry receiptIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		if entry.InvoiceID == ([32]byte{}) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func receiptKey(invoiceID [32]byte) []byte {
	encoded := hex.EncodeToString(invoiceID[:])
	buf := make([]byte, len(receiptRecordPrefix)+len(encoded))
	copy(buf, receiptRecordPrefix)
	copy(buf[len(receiptRecordPrefix):], encoded)
	return buf
}

func normalizeCursor(cursor string) string {
	trimmed := strings.TrimSpace(cursor)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	return strings.ToLower(trimmed)
}

func toStoredReceipt(receipt *Receipt) storedReceipt {
	stored := storedReceipt{}
	if receipt == nil {
		return stored
	}
	stored.InvoiceID = receipt.InvoiceID
	stored.EscrowID = receipt.EscrowID
	stored.Business = receipt.Business
	stored.Investor = receipt.Investor
	stored.Token = strings.TrimSpace(receipt.Token)
	stored.Kind = strings.TrimSpace(receipt.Kind)
	stored.Payment = encodeAmount(receipt.Payment)
	stored.GrossProfit = encodeAmount(receipt.GrossProfit)
	stored.InvestorReturn = encodeAmount(receipt.InvestorReturn)
	stored.PlatformFee = encodeAmount(receipt.PlatformFee)
	stored.TreasuryCut = encodeAmount(receipt.TreasuryCut)
	stored.PlatformCut = encodeAmount(receipt.PlatformCut)
	if receipt.SettledAt > 0 {
		stored.SettledAt = uint64(receipt.SettledAt)
	}
	return stored
}

func fromStoredReceipt(stored *storedReceipt) (*Receipt, error) {
	if stored == nil {
		return nil, fmt.Errorf("receipts: nil stored receipt")
	}
	settledAt, err := uint64ToInt64(stored.SettledAt)
	if err != nil {
		return nil, fmt.Errorf("receipts: settled at overflow: %w", err)
	}
	receipt := &Receipt{
		InvoiceID: stored.InvoiceID,
		EscrowID:  stored.EscrowID,
		Business:  stored.Business,
		Investor:  stored.Investor,
		Token:     stored.Token,
		Kind:      stored.Kind,
		SettledAt: settledAt,
	}
	if receipt.Payment, err = decodeAmount(stored.Payment); err != nil {
		return nil, err
	}
	if receipt.GrossProfit, err = decodeAmount(stored.GrossProfit); err != nil {
		return nil, err
	}
	if receipt.InvestorReturn, err = decodeAmount(stored.InvestorReturn); err != nil {
		return nil, err
	}
	if receipt.PlatformFee, err = decodeAmount(stored.PlatformFee); err != nil {
		return nil, err
	}
	if receipt.TreasuryCut, err = decodeAmount(stored.TreasuryCut); err != nil {
		return nil, err
	}
	if receipt.PlatformCut, err = decodeAmount(stored.PlatformCut); err != nil {
		return nil, err
	}
	return receipt, nil
}

func encodeAmount(amount *big.Int) string {
	if amount == nil {
		return ""
	}
	return amount.String()
}

func decodeAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("receipts: invalid amount %q", value)
	}
	return amount, nil
}

func copyAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return nil
	}
	return new(big.Int).Set(amount)
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}
