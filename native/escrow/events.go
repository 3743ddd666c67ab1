package escrow

import (
	"strconv"
	"time"
)

const (
	EventTypeEscrowCreated       = "escrow.created"
	EventTypePurchaseInitiated   = "escrow.purchase_initiated"
	EventTypePaymentConfirmed    = "escrow.payment_confirmed"
	EventTypePaymentFailed       = "escrow.payment_failed"
	EventTypeReservationReleased = "escrow.reservation_released"
	EventTypeEscrowReclaimed     = "escrow.reclaimed"
	EventTypeEscrowExpired       = "escrow.expired"
	EventTypeEscrowOnHold        = "escrow.on_hold"
	EventTypeHoldLifted          = "escrow.hold_lifted"
	EventTypeHoldCancelled       = "escrow.hold_cancelled"
	EventTypeDownloadRegistered  = "escrow.download_registered"
	EventTypeDisputeRaised       = "escrow.dispute.raised"
	EventTypeDisputeReview       = "escrow.dispute.under_review"
	EventTypeDisputeEvidence     = "escrow.dispute.evidence_added"
	EventTypeDisputeResolved     = "escrow.dispute.resolved"
)

// Event is emitted after a transition has been committed. Escrow, Dispute and
// Transaction are snapshots; subscribers must not write them back.
type Event struct {
	Type        string
	Escrow      *Escrow
	Dispute     *Dispute
	Transaction *Transaction
	// Previous is the state the escrow left. Equal to Escrow.State for events
	// that do not change state.
	Previous State
	// BuyerID carries the buyer that was detached by a failed payment or a
	// lapsed reservation.
	BuyerID string
	At      time.Time
}

// EventType implements events.Event.
func (e Event) EventType() string { return e.Type }

// Attributes flattens the event into string pairs for webhooks and logs.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"type": e.Type,
		"at":   e.At.UTC().Format(time.RFC3339),
	}
	if e.Escrow != nil {
		attrs["escrowId"] = e.Escrow.ID
		attrs["state"] = string(e.Escrow.State)
		attrs["sellerId"] = e.Escrow.SellerID
		attrs["price"] = e.Escrow.Price.StringFixed(2)
		attrs["version"] = strconv.FormatUint(e.Escrow.Version, 10)
		if e.Escrow.BuyerID != "" {
			attrs["buyerId"] = e.Escrow.BuyerID
		}
	}
	if e.Previous != "" {
		attrs["previousState"] = string(e.Previous)
	}
	if e.BuyerID != "" {
		attrs["buyerId"] = e.BuyerID
	}
	if e.Dispute != nil {
		attrs["disputeId"] = e.Dispute.ID
		attrs["disputeState"] = string(e.Dispute.State)
		if e.Dispute.Action != "" {
			attrs["action"] = e.Dispute.Action
		}
	}
	if e.Transaction != nil {
		attrs["transactionId"] = e.Transaction.ID
		attrs["transactionStatus"] = string(e.Transaction.Status)
	}
	return attrs
}

func newEvent(eventType string, prev State, e *Escrow, at time.Time) Event {
	return Event{Type: eventType, Escrow: e.Clone(), Previous: prev, At: at}
}
