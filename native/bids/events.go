package bids

import (
	"encoding/hex"
	"strconv"

	"invochain/core/types"
)

const (
	EventTypeBidPlaced    = "bids.placed"
	EventTypeBidWithdrawn = "bids.withdrawn"
	EventTypeBidExpired   = "bids.expired"
	EventTypeBidUpdated   = "bids.status_updated"
)

// NewPlacedEvent returns the canonical event payload for a freshly placed
// bid.
func NewPlacedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidPlaced, b) }

// NewWithdrawnEvent returns the canonical event payload for a bid pulled by
// its investor.
func NewWithdrawnEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidWithdrawn, b) }

// NewExpiredEvent returns the canonical event payload for a bid whose
// time-to-live lapsed.
func NewExpiredEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidExpired, b) }

// NewStatusEvent returns the canonical event payload for a protocol-driven
// status change such as acceptance or cancellation.
func NewStatusEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidUpdated, b) }

func newBidEvent(eventType string, b *Bid) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeBid(b)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["invoiceId"] = hex.EncodeToString(sanitized.InvoiceID[:])
	attrs["investor"] = hex.EncodeToString(sanitized.Investor[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["expectedReturn"] = sanitized.ExpectedReturn.String()
	attrs["margin"] = sanitized.ProfitMargin().String()
	attrs["status"] = sanitized.Status.String()
	attrs["expiresAt"] = strconv.FormatInt(sanitized.ExpiresAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
