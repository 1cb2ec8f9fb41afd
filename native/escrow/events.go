package escrow

import (
	"encoding/hex"
	"strconv"

	"invochain/core/types"
)

const (
	EventTypeEscrowCreated  = "escrow.created"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly opened
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewReleasedEvent returns the canonical event payload for a release of
// escrowed funds to the business.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowReleased, e) }

// NewRefundedEvent returns the canonical event payload for an escrow refund to
// the investor.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["invoiceId"] = hex.EncodeToString(sanitized.InvoiceID[:])
	attrs["business"] = hex.EncodeToString(sanitized.Business[:])
	attrs["investor"] = hex.EncodeToString(sanitized.Investor[:])
	attrs["token"] = sanitized.Token
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.ClosedAt != 0 {
		attrs["closedAt"] = strconv.FormatInt(sanitized.ClosedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
