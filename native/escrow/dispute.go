package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"digimarket/native/fees"
)

// Resolution actions as they appear on the wire.
const (
	ActionCloseDispute   = "close_dispute"
	ActionReleaseToBuyer = "release_to_buyer"
	ActionRefundBuyer    = "refund_buyer"
	ActionPartialRefund  = "partial_refund"
)

// Resolution is the ruling applied to a dispute. The set of variants is closed:
// CloseDispute, ReleaseToBuyer, RefundBuyer and PartialRefund.
type Resolution interface {
	Action() string
	apply(r *ruling) error
}

// CloseDispute dismisses the dispute; the sale stands.
type CloseDispute struct{}

// ReleaseToBuyer rules for the buyer without moving money; access stands.
type ReleaseToBuyer struct{}

// RefundBuyer cancels the sale and refunds what the buyer has not yet been
// refunded.
type RefundBuyer struct{}

// PartialRefund refunds Amount and leaves the sale in place.
type PartialRefund struct {
	Amount decimal.Decimal
}

func (CloseDispute) Action() string   { return ActionCloseDispute }
func (ReleaseToBuyer) Action() string { return ActionReleaseToBuyer }
func (RefundBuyer) Action() string    { return ActionRefundBuyer }
func (PartialRefund) Action() string  { return ActionPartialRefund }

// ParseResolution converts an action name and optional amount into a
// Resolution.
func ParseResolution(action, amount string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionCloseDispute:
		return CloseDispute{}, nil
	case ActionReleaseToBuyer:
		return ReleaseToBuyer{}, nil
	case ActionRefundBuyer:
		return RefundBuyer{}, nil
	case ActionPartialRefund:
		value, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("%w: refund amount: %v", ErrInvalidTerms, err)
		}
		return PartialRefund{Amount: value}, nil
	default:
		return nil, fmt.Errorf("%w: unknown resolution action %q", ErrInvalidTerms, action)
	}
}

// ruling carries the state a Resolution acts on.
type ruling struct {
	escrow   *Escrow
	dispute  *Dispute
	refunded decimal.Decimal
	payouts  []Transaction
	commit   *Commit
	now      time.Time
	newID    func() string
}

func (r *ruling) refund(amount decimal.Decimal) {
	r.commit.NewTransactions = append(r.commit.NewTransactions, Transaction{
		ID:        r.newID(),
		EscrowID:  r.escrow.ID,
		Type:      TxRefund,
		Status:    TxCompleted,
		Amount:    amount,
		CreatedAt: r.now,
		UpdatedAt: r.now,
	})
	r.dispute.RefundAmount = amount
	if r.escrow.DisputeResolvedAt == nil {
		r.escrow.DisputeResolvedAt = stamp(r.now)
	}
}

func (CloseDispute) apply(r *ruling) error {
	r.escrow.State = StateReleased
	r.dispute.State = DisputeClosed
	return nil
}

func (ReleaseToBuyer) apply(r *ruling) error {
	r.escrow.State = StateReleased
	r.dispute.State = DisputeResolved
	return nil
}

func (RefundBuyer) apply(r *ruling) error {
	remaining := r.escrow.Price.Sub(r.refunded)
	if !remaining.IsPositive() {
		return fmt.Errorf("%w: nothing left to refund", ErrInvalidTerms)
	}
	r.refund(remaining)
	for _, payout := range r.payouts {
		payout.Status = TxCancelled
		payout.FailureReason = "refunded to buyer"
		payout.UpdatedAt = r.now
		r.commit.TransactionUpdates = append(r.commit.TransactionUpdates, payout)
	}
	r.escrow.State = StateCancelled
	r.dispute.State = DisputeResolved
	return nil
}

func (p PartialRefund) apply(r *ruling) error {
	if !fees.IsMoney(p.Amount) {
		return fmt.Errorf("%w: refund amount must be positive with at most two decimals", ErrInvalidTerms)
	}
	if !r.refunded.Add(p.Amount).LessThan(r.escrow.Price) {
		return fmt.Errorf("%w: partial refund must stay below the price", ErrInvalidTerms)
	}
	r.refund(p.Amount)
	r.escrow.State = StateReleased
	r.dispute.State = DisputeResolved
	return nil
}

// EvidenceInput is an attachment submitted with a dispute.
type EvidenceInput struct {
	Name    string
	URI     string
	Content []byte
}

func (e *Engine) evidence(party Party, in EvidenceInput, now time.Time) (Evidence, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Evidence{}, fmt.Errorf("%w: evidence name required", ErrInvalidTerms)
	}
	return Evidence{
		Name:    name,
		URI:     strings.TrimSpace(in.URI),
		Digest:  EvidenceDigest(in.Content),
		AddedBy: party,
		AddedAt: now,
	}, nil
}

// RaiseParams describes a dispute submission.
type RaiseParams struct {
	EscrowID    string
	UserID      string
	RaisedBy    Party
	Reason      string
	Description string
	Evidence    []EvidenceInput
}

func partyOf(esc *Escrow, userID string) (Party, bool) {
	switch {
	case userID == "":
		return "", false
	case esc.BuyerID == userID:
		return PartyBuyer, true
	case esc.SellerID == userID:
		return PartySeller, true
	default:
		return "", false
	}
}

// RaiseDispute opens a dispute against a released escrow and suspends it in
// disputed until a ruling.
func (e *Engine) RaiseDispute(ctx context.Context, p RaiseParams) (*Dispute, error) {
	reason := strings.TrimSpace(p.Reason)
	var opened Dispute
	_, _, err := e.apply(ctx, "raise_dispute", p.EscrowID, func(m *mutation, now time.Time) error {
		esc := m.escrow
		party, ok := partyOf(esc, strings.TrimSpace(p.UserID))
		if !ok || party != p.RaisedBy {
			return ErrUnauthorized
		}
		if esc.State == StateDisputed || esc.OpenDisputeID != "" {
			return ErrDuplicateDispute
		}
		if esc.State != StateReleased {
			return fmt.Errorf("%w: escrow is %s", ErrInvalidState, esc.State)
		}
		if reason == "" {
			return fmt.Errorf("%w: dispute reason required", ErrInvalidTerms)
		}
		attachments := make([]Evidence, 0, len(p.Evidence))
		for _, in := range p.Evidence {
			ev, err := e.evidence(party, in, now)
			if err != nil {
				return err
			}
			attachments = append(attachments, ev)
		}
		opened = Dispute{
			ID:           e.newID(),
			EscrowID:     esc.ID,
			RaisedBy:     party,
			RaisedByUser: strings.TrimSpace(p.UserID),
			Reason:       reason,
			Description:  strings.TrimSpace(p.Description),
			Evidence:     attachments,
			State:        DisputeOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		esc.State = StateDisputed
		esc.OpenDisputeID = opened.ID
		if esc.DisputeRaisedAt == nil {
			esc.DisputeRaisedAt = stamp(now)
		}
		m.commit.Disputes = append(m.commit.Disputes, opened)
		m.emit(Event{Type: EventTypeDisputeRaised, Previous: StateReleased, Dispute: opened.Clone()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened.Clone(), nil
}

// disputeMutation loads a dispute and runs fn against it under the owning
// escrow's version check, so dispute writes serialize with escrow writes.
func (e *Engine) disputeMutation(ctx context.Context, op, disputeID string, fn func(m *mutation, d *Dispute, now time.Time) error) (*Dispute, *Escrow, error) {
	disputeID = strings.TrimSpace(disputeID)
	initial, err := e.store.Dispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	var out *Dispute
	stored, _, err := e.apply(ctx, op, initial.EscrowID, func(m *mutation, now time.Time) error {
		current, err := e.store.Dispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if current.State.Final() {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidState, current.State)
		}
		current.UpdatedAt = now
		if err := fn(m, current, now); err != nil {
			return err
		}
		m.commit.Disputes = append(m.commit.Disputes, *current)
		out = current.Clone()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, stored, nil
}

// ReviewDispute moves an open dispute under review.
func (e *Engine) ReviewDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	d, _, err := e.disputeMutation(ctx, "review_dispute", disputeID, func(m *mutation, d *Dispute, now time.Time) error {
		if d.State != DisputeOpen {
			return fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.State)
		}
		d.State = DisputeUnderReview
		m.emit(Event{Type: EventTypeDisputeReview, Previous: m.escrow.State, Dispute: d.Clone()})
		return nil
	})
	return d, err
}

// AddEvidence appends an attachment submitted by either party.
func (e *Engine) AddEvidence(ctx context.Context, disputeID, userID string, in EvidenceInput) (*Dispute, error) {
	d, _, err := e.disputeMutation(ctx, "add_evidence", disputeID, func(m *mutation, d *Dispute, now time.Time) error {
		party, ok := partyOf(m.escrow, strings.TrimSpace(userID))
		if !ok {
			return ErrUnauthorized
		}
		ev, err := e.evidence(party, in, now)
		if err != nil {
			return err
		}
		d.Evidence = append(d.Evidence, ev)
		m.emit(Event{Type: EventTypeDisputeEvidence, Previous: m.escrow.State, Dispute: d.Clone()})
		return nil
	})
	return d, err
}

// ResolveDispute applies a ruling. Every ruling is final for the dispute.
func (e *Engine) ResolveDispute(ctx context.Context, disputeID, note string, res Resolution) (*Dispute, *Escrow, error) {
	if res == nil {
		return nil, nil, fmt.Errorf("%w: resolution required", ErrInvalidTerms)
	}
	return e.disputeMutation(ctx, "resolve_dispute", disputeID, func(m *mutation, d *Dispute, now time.Time) error {
		esc := m.escrow
		if esc.State != StateDisputed || esc.OpenDisputeID != d.ID {
			return fmt.Errorf("%w: dispute is not the escrow's open dispute", ErrInvalidState)
		}
		txs, err := e.store.Transactions(ctx, esc.ID)
		if err != nil {
			return err
		}
		r := &ruling{escrow: esc, dispute: d, refunded: decimal.Zero, commit: &m.commit, now: now, newID: e.newID}
		for _, tx := range txs {
			switch {
			case tx.Type == TxRefund && tx.Status == TxCompleted:
				r.refunded = r.refunded.Add(tx.Amount)
			case tx.Type == TxPayout && tx.Status == TxPending:
				r.payouts = append(r.payouts, tx)
			}
		}
		if err := res.apply(r); err != nil {
			return err
		}
		d.Action = res.Action()
		d.Resolution = strings.TrimSpace(note)
		d.ResolvedAt = stamp(now)
		esc.OpenDisputeID = ""
		m.emit(Event{Type: EventTypeDisputeResolved, Previous: StateDisputed, Dispute: d.Clone()})
		return nil
	})
}

// Dispute returns a dispute snapshot.
func (e *Engine) Dispute(ctx context.Context, id string) (*Dispute, error) {
	return e.store.Dispute(ctx, strings.TrimSpace(id))
}

// Disputes returns the dispute history of an escrow.
func (e *Engine) Disputes(ctx context.Context, escrowID string) ([]Dispute, error) {
	return e.store.Disputes(ctx, strings.TrimSpace(escrowID))
}
