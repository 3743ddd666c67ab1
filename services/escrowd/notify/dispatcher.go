package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"digimarket/core/events"
	"digimarket/native/escrow"
	"digimarket/observability"
)

// Transport delivers a stored notification to the user through an external
// channel.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, n escrow.Notification) error
}

// Dispatcher turns committed escrow transitions into notifications. It runs as
// a bus subscriber so a slow store or transport never blocks the transition.
type Dispatcher struct {
	store   escrow.NotificationStore
	queue   *Queue
	hub     *Hub
	metrics *observability.NotifyMetrics
	logger  *slog.Logger
	newID   func() string
	nowFn   func() time.Time
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueue forwards stored notifications to the delivery queue.
func WithQueue(q *Queue) DispatcherOption {
	return func(d *Dispatcher) { d.queue = q }
}

// WithHub publishes stored notifications to live websocket subscribers.
func WithHub(h *Hub) DispatcherOption {
	return func(d *Dispatcher) { d.hub = h }
}

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher persisting into store.
func NewDispatcher(store escrow.NotificationStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		metrics: observability.Notify(),
		logger:  slog.Default(),
		newID:   uuid.NewString,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle implements events.Handler.
func (d *Dispatcher) Handle(ctx context.Context, evt events.Event) {
	var escEvt escrow.Event
	switch v := evt.(type) {
	case escrow.Event:
		escEvt = v
	case *escrow.Event:
		if v == nil {
			return
		}
		escEvt = *v
	default:
		return
	}
	for _, n := range Build(escEvt) {
		n.ID = d.newID()
		if n.CreatedAt.IsZero() {
			n.CreatedAt = d.nowFn().UTC()
		}
		if err := d.store.PutNotification(ctx, n); err != nil {
			d.logger.Error("store notification failed",
				slog.String("escrow_id", n.EscrowID),
				slog.String("type", string(n.Type)),
				slog.Any("error", err))
			d.metrics.RecordDelivery("store", err)
			continue
		}
		d.metrics.RecordCreated(string(n.Type))
		if d.hub != nil {
			d.hub.Publish(n)
		}
		if d.queue != nil {
			d.queue.Enqueue(n)
			d.metrics.SetQueueDepth(d.queue.Len())
		}
	}
}

// Build maps one transition event onto the notifications it produces. Events
// with no audience (creation, downloads, evidence) produce none.
func Build(evt escrow.Event) []escrow.Notification {
	esc := evt.Escrow
	if esc == nil {
		return nil
	}
	title := esc.Listing.Title
	price := esc.Price.StringFixed(2)
	buyer := esc.BuyerID
	if evt.BuyerID != "" {
		buyer = evt.BuyerID
	}
	escrowRef := "/escrows/" + esc.ID
	var out []escrow.Notification
	add := func(user string, kind escrow.NotificationType, heading, message, ref string) {
		if user == "" {
			return
		}
		out = append(out, escrow.Notification{
			UserID:    user,
			EscrowID:  esc.ID,
			Type:      kind,
			Title:     heading,
			Message:   message,
			ActionRef: ref,
			CreatedAt: evt.At,
		})
	}

	switch evt.Type {
	case escrow.EventTypePurchaseInitiated:
		add(esc.SellerID, escrow.NotifyPurchaseStarted, "Purchase started",
			fmt.Sprintf("A buyer started checkout for %q.", title), escrowRef)
	case escrow.EventTypePaymentConfirmed:
		add(esc.SellerID, escrow.NotifyPaymentReceived, "Payment received",
			fmt.Sprintf("%q sold for %s. Your payout is %s.", title, price, esc.SellerPayout.StringFixed(2)), escrowRef)
		add(buyer, escrow.NotifyProjectReleased, "Project released",
			fmt.Sprintf("Your files for %q are ready to download.", title), escrowRef+"/download")
	case escrow.EventTypePaymentFailed:
		reason := ""
		if evt.Transaction != nil && evt.Transaction.FailureReason != "" {
			reason = ": " + evt.Transaction.FailureReason
		}
		add(buyer, escrow.NotifyPaymentFailed, "Payment failed",
			fmt.Sprintf("Your payment for %q did not go through%s.", title, reason), escrowRef)
	case escrow.EventTypeReservationReleased:
		add(buyer, escrow.NotifyReservationExpired, "Reservation expired",
			fmt.Sprintf("Your checkout for %q timed out and the listing was released.", title), escrowRef)
	case escrow.EventTypeEscrowReclaimed:
		add(esc.SellerID, escrow.NotifyProjectReclaimed, "Project reclaimed",
			fmt.Sprintf("%q was not paid before the deadline and is back with you.", title), escrowRef)
	case escrow.EventTypeEscrowExpired:
		add(esc.SellerID, escrow.NotifyListingExpired, "Listing expired",
			fmt.Sprintf("The payment deadline for %q passed without a sale.", title), escrowRef)
	case escrow.EventTypeEscrowOnHold:
		msg := fmt.Sprintf("%q was placed on hold.", title)
		if esc.HoldReason != "" {
			msg = fmt.Sprintf("%q was placed on hold: %s.", title, esc.HoldReason)
		}
		add(esc.SellerID, escrow.NotifyEscrowOnHold, "Escrow on hold", msg, escrowRef)
		add(buyer, escrow.NotifyEscrowOnHold, "Escrow on hold", msg, escrowRef)
	case escrow.EventTypeHoldLifted:
		add(esc.SellerID, escrow.NotifyHoldLifted, "Hold lifted",
			fmt.Sprintf("%q is available for purchase again.", title), escrowRef)
	case escrow.EventTypeHoldCancelled:
		msg := fmt.Sprintf("The escrow for %q was cancelled.", title)
		add(esc.SellerID, escrow.NotifyEscrowCancelled, "Escrow cancelled", msg, escrowRef)
		add(buyer, escrow.NotifyEscrowCancelled, "Escrow cancelled", msg, escrowRef)
	case escrow.EventTypeDisputeRaised, escrow.EventTypeDisputeReview, escrow.EventTypeDisputeResolved:
		kind, heading, msg := disputeCopy(evt, title)
		ref := escrowRef
		if evt.Dispute != nil {
			ref = "/disputes/" + evt.Dispute.ID
		}
		add(esc.SellerID, kind, heading, msg, ref)
		add(buyer, kind, heading, msg, ref)
	}
	return out
}

func disputeCopy(evt escrow.Event, title string) (escrow.NotificationType, string, string) {
	switch evt.Type {
	case escrow.EventTypeDisputeRaised:
		by := "A party"
		if evt.Dispute != nil {
			by = "The " + string(evt.Dispute.RaisedBy)
		}
		return escrow.NotifyDisputeRaised, "Dispute opened",
			fmt.Sprintf("%s opened a dispute on %q.", by, title)
	case escrow.EventTypeDisputeReview:
		return escrow.NotifyDisputeReview, "Dispute under review",
			fmt.Sprintf("The dispute on %q is being reviewed.", title)
	default:
		outcome := ""
		if evt.Dispute != nil && evt.Dispute.Action != "" {
			outcome = " Outcome: " + evt.Dispute.Action + "."
		}
		return escrow.NotifyDisputeResolved, "Dispute resolved",
			fmt.Sprintf("The dispute on %q was resolved.%s", title, outcome)
	}
}
