package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invochain/native/bids"
)

var (
	bidPrefix      = []byte("bids:")
	bidIndexPrefix = []byte("bids-index:")
)

type storedBid struct {
	ID             [32]byte
	InvoiceID      [32]byte
	Investor       [20]byte
	Amount         *big.Int
	ExpectedReturn *big.Int
	PlacedAt       uint64
	ExpiresAt      uint64
	Status         uint8
}

func bidKey(id [32]byte) []byte {
	buf := make([]byte, len(bidPrefix)+len(id))
	copy(buf, bidPrefix)
	copy(buf[len(bidPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func bidIndexKey(invoiceID [32]byte) []byte {
	buf := make([]byte, len(bidIndexPrefix)+len(invoiceID))
	copy(buf, bidIndexPrefix)
	copy(buf[len(bidIndexPrefix):], invoiceID[:])
	return buf
}

func toStoredBid(b *bids.Bid) *storedBid {
	return &storedBid{
		ID:             b.ID,
		InvoiceID:      b.InvoiceID,
		Investor:       b.Investor,
		Amount:         new(big.Int).Set(b.Amount),
		ExpectedReturn: new(big.Int).Set(b.ExpectedReturn),
		PlacedAt:       int64ToUint64(b.PlacedAt),
		ExpiresAt:      int64ToUint64(b.ExpiresAt),
		Status:         uint8(b.Status),
	}
}

func fromStoredBid(stored *storedBid) (*bids.Bid, error) {
	placedAt, err := uint64ToInt64(stored.PlacedAt)
	if err != nil {
		return nil, fmt.Errorf("bid placed at overflow: %w", err)
	}
	expiresAt, err := uint64ToInt64(stored.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("bid expires at overflow: %w", err)
	}
	b := &bids.Bid{
		ID:             stored.ID,
		InvoiceID:      stored.InvoiceID,
		Investor:       stored.Investor,
		Amount:         stored.Amount,
		ExpectedReturn: stored.ExpectedReturn,
		PlacedAt:       placedAt,
		ExpiresAt:      expiresAt,
		Status:         bids.BidStatus(stored.Status),
	}
	if b.Amount == nil {
		b.Amount = big.NewInt(0)
	}
	if b.ExpectedReturn == nil {
		b.ExpectedReturn = big.NewInt(0)
	}
	return b, nil
}

// BidPut persists the bid record and keeps the invoice's active-bid index in
// step within the same call: a Placed bid is a member of the index, any other
// status is not. Callers never touch the index directly.
func (m *Manager) BidPut(b *bids.Bid) error {
	sanitized, err := bids.SanitizeBid(b)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredBid(sanitized))
	if err != nil {
		return err
	}
	if err := m.putRaw(bidKey(sanitized.ID), encoded); err != nil {
		return err
	}
	indexKey := bidIndexKey(sanitized.InvoiceID)
	if sanitized.Status == bids.BidPlaced {
		return m.KVAppend(indexKey, sanitized.ID[:])
	}
	return m.KVRemove(indexKey, sanitized.ID[:])
}

// BidGet loads the bid stored under the id. Missing or undecodable records
// read as absent.
func (m *Manager) BidGet(id [32]byte) (*bids.Bid, bool) {
	data, err := m.getRaw(bidKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedBid)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	b, err := fromStoredBid(stored)
	if err != nil {
		return nil, false
	}
	return b, true
}

// InvoiceBids returns the ids of the bids currently in the invoice's
// active-bid index, in insertion order.
func (m *Manager) InvoiceBids(invoiceID [32]byte) ([][32]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(bidIndexKey(invoiceID), &raw); err != nil {
		return nil, err
	}
	ids := make([][32]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 32 {
			continue
		}
		var id [32]byte
		copy(id[:], entry)
		ids = append(ids, id)
	}
	return ids, nil
}
