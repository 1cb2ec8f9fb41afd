package invoice

import (
	"encoding/hex"
	"strconv"

	"invochain/core/types"
)

const (
	EventTypeInvoiceCreated        = "invoice.created"
	EventTypeInvoiceVerified       = "invoice.verified"
	EventTypeInvoiceCancelled      = "invoice.cancelled"
	EventTypeInvoiceDisputeUpdated = "invoice.dispute_updated"
	EventTypeInvoiceFunded         = "invoice.funded"
	EventTypeInvoicePaid           = "invoice.paid"
	EventTypeInvoiceDefaulted      = "invoice.defaulted"
)

// NewCreatedEvent returns the canonical event payload for a freshly submitted
// invoice.
func NewCreatedEvent(i *Invoice) *types.Event { return newInvoiceEvent(EventTypeInvoiceCreated, i) }

// NewVerifiedEvent returns the canonical event payload for an invoice cleared
// for bidding.
func NewVerifiedEvent(i *Invoice) *types.Event { return newInvoiceEvent(EventTypeInvoiceVerified, i) }

// NewCancelledEvent returns the canonical event payload for a withdrawn
// invoice.
func NewCancelledEvent(i *Invoice) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceCancelled, i)
}

// NewDisputeUpdatedEvent returns the canonical event payload for a dispute
// flag change.
func NewDisputeUpdatedEvent(i *Invoice) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceDisputeUpdated, i)
}

// NewFundedEvent returns the canonical event payload for an invoice funded by
// an accepted bid.
func NewFundedEvent(i *Invoice) *types.Event { return newInvoiceEvent(EventTypeInvoiceFunded, i) }

// NewPaidEvent returns the canonical event payload for a settled invoice.
func NewPaidEvent(i *Invoice) *types.Event { return newInvoiceEvent(EventTypeInvoicePaid, i) }

// NewDefaultedEvent returns the canonical event payload for a funded invoice
// closed without repayment.
func NewDefaultedEvent(i *Invoice) *types.Event {
	return newInvoiceEvent(EventTypeInvoiceDefaulted, i)
}

func newInvoiceEvent(eventType string, i *Invoice) *types.Event {
	attrs := make(map[string]string)
	if i == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeInvoice(i)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["business"] = hex.EncodeToString(sanitized.Business[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["token"] = sanitized.Token
	attrs["status"] = sanitized.Status.String()
	attrs["dueDate"] = strconv.FormatInt(sanitized.DueDate, 10)
	attrs["disputed"] = strconv.FormatBool(sanitized.Disputed)
	if sanitized.Reference != "" {
		attrs["reference"] = sanitized.Reference
	}
	if sanitized.Category != "" {
		attrs["category"] = sanitized.Category
	}
	if sanitized.FundedAmount.Sign() > 0 {
		attrs["fundedAmount"] = sanitized.FundedAmount.String()
		attrs["investor"] = hex.EncodeToString(sanitized.Investor[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
