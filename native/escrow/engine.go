package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"digimarket/core/events"
	"digimarket/native/fees"
)

const (
	DefaultMaxDownloads   = 5
	DefaultReservationTTL = 15 * time.Minute
	DefaultExpiryGrace    = 0
	DefaultCommitRetries  = 5
)

// errNoChange aborts a mutation without committing; the caller receives the
// current escrow and a nil error.
var errNoChange = errors.New("escrow: no change")

// Config captures the tunables of the state machine.
type Config struct {
	// FeePolicy is applied at creation. Nil selects fees.DefaultPolicy.
	FeePolicy      *fees.Policy
	MaxDownloads   int
	ReservationTTL time.Duration
	// ExpiryGrace is how long after the payment deadline the sweeper waits
	// before expiring an escrow the seller has not reclaimed.
	ExpiryGrace   time.Duration
	CommitRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	policy := fees.DefaultPolicy()
	return Config{
		FeePolicy:      &policy,
		MaxDownloads:   DefaultMaxDownloads,
		ReservationTTL: DefaultReservationTTL,
		ExpiryGrace:    DefaultExpiryGrace,
		CommitRetries:  DefaultCommitRetries,
	}
}

func (c Config) normalized() Config {
	policy := fees.DefaultPolicy()
	if c.FeePolicy != nil {
		policy = c.FeePolicy.Clone()
	}
	c.FeePolicy = &policy
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = DefaultMaxDownloads
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.ExpiryGrace < 0 {
		c.ExpiryGrace = 0
	}
	if c.CommitRetries <= 0 {
		c.CommitRetries = DefaultCommitRetries
	}
	return c
}

// Metrics receives engine outcomes. observability.Escrow() satisfies it.
type Metrics interface {
	RecordTransition(op string, err error)
	RecordConflict(op string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(string, error) {}
func (noopMetrics) RecordConflict(string)          {}

// Engine validates and applies every escrow transition. Each operation loads
// the escrow, mutates a clone, validates invariants and commits through the
// store's version check, retrying a bounded number of times on conflicts.
type Engine struct {
	store   Store
	cfg     Config
	emitter events.Emitter
	metrics Metrics
	logger  *slog.Logger
	nowFn   func() time.Time
	newID   func() string
}

// NewEngine creates an engine backed by store.
func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{
		store:   store,
		cfg:     cfg.normalized(),
		emitter: events.NoopEmitter{},
		metrics: noopMetrics{},
		logger:  slog.Default(),
		nowFn:   time.Now,
		newID:   uuid.NewString,
	}
}

// SetEmitter configures the event emitter used for transition events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used for deadline checks and timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetMetrics configures the metrics sink.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		e.metrics = noopMetrics{}
		return
	}
	e.metrics = m
}

// SetLogger configures the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) now() time.Time {
	return e.nowFn().UTC().Truncate(time.Microsecond)
}

// mutation is the unit of work replayed on every commit attempt.
type mutation struct {
	prev      *Escrow
	escrow    *Escrow
	commit    Commit
	events    []Event
	outcome   error
	committed bool
}

func (m *mutation) emit(evt Event) {
	m.events = append(m.events, evt)
}

func (e *Engine) apply(ctx context.Context, op, id string, fn func(m *mutation, now time.Time) error) (*Escrow, *mutation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil, fmt.Errorf("%w: escrow id required", ErrNotFound)
	}
	for attempt := 1; attempt <= e.cfg.CommitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		current, err := e.store.Get(ctx, id)
		if err != nil {
			e.metrics.RecordTransition(op, err)
			return nil, nil, err
		}
		now := e.now()
		m := &mutation{prev: current, escrow: current.Clone()}
		if err := fn(m, now); err != nil {
			if errors.Is(err, errNoChange) {
				return current, m, nil
			}
			e.metrics.RecordTransition(op, err)
			return current, m, err
		}
		m.escrow.UpdatedAt = now
		if err := checkImmutable(current, m.escrow); err != nil {
			e.metrics.RecordTransition(op, err)
			return nil, nil, err
		}
		if err := m.escrow.Validate(); err != nil {
			e.metrics.RecordTransition(op, err)
			return nil, nil, err
		}
		m.commit.Escrow = m.escrow
		stored, err := e.store.Commit(ctx, m.commit)
		if errors.Is(err, ErrVersionConflict) {
			e.metrics.RecordConflict(op)
			e.logger.Debug("escrow commit conflict, retrying",
				slog.String("op", op), slog.String("escrow_id", id), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			e.metrics.RecordTransition(op, err)
			return nil, nil, err
		}
		m.committed = true
		for _, evt := range m.events {
			evt.Escrow = stored.Clone()
			evt.At = now
			e.emitter.Emit(evt)
		}
		e.metrics.RecordTransition(op, m.outcome)
		return stored, m, m.outcome
	}
	err := fmt.Errorf("%w: %s after %d attempts", ErrConflict, id, e.cfg.CommitRetries)
	e.metrics.RecordTransition(op, err)
	return nil, nil, err
}

// CreateParams describes a new listing sale.
type CreateParams struct {
	SellerID        string
	Listing         Listing
	Price           decimal.Decimal
	LicenseType     string
	PaymentDeadline time.Time
}

// CreateEscrow registers a new escrow in pending_payment with the fee and
// payout frozen from the configured policy.
func (e *Engine) CreateEscrow(ctx context.Context, p CreateParams) (*Escrow, error) {
	now := e.now()
	seller := strings.TrimSpace(p.SellerID)
	if seller == "" {
		return nil, fmt.Errorf("%w: seller required", ErrInvalidTerms)
	}
	listing := p.Listing
	listing.Title = strings.TrimSpace(listing.Title)
	listing.ProjectID = strings.TrimSpace(listing.ProjectID)
	if listing.Title == "" || listing.ProjectID == "" {
		return nil, fmt.Errorf("%w: listing project and title required", ErrInvalidTerms)
	}
	license, err := NormalizeLicense(p.LicenseType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTerms, err)
	}
	if !fees.IsMoney(p.Price) {
		return nil, fmt.Errorf("%w: price must be positive with at most two decimals", ErrInvalidTerms)
	}
	if !p.PaymentDeadline.After(now) {
		return nil, fmt.Errorf("%w: payment deadline must be in the future", ErrInvalidTerms)
	}
	split := e.cfg.FeePolicy.Apply(p.Price, string(license))
	if !split.Balanced() {
		return nil, fmt.Errorf("%w: fee split does not balance", ErrInvariant)
	}

	esc := &Escrow{
		ID:              e.newID(),
		Version:         1,
		SellerID:        seller,
		Listing:         listing,
		Price:           p.Price,
		LicenseType:     license,
		PlatformFee:     split.Fee,
		SellerPayout:    split.Payout,
		State:           StatePendingPayment,
		CreatedAt:       now,
		UpdatedAt:       now,
		PaymentDeadline: p.PaymentDeadline.UTC().Truncate(time.Microsecond),
		MaxDownloads:    e.cfg.MaxDownloads,
	}
	if err := esc.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.Insert(ctx, esc); err != nil {
		e.metrics.RecordTransition("create", err)
		return nil, err
	}
	e.metrics.RecordTransition("create", nil)
	e.emitter.Emit(newEvent(EventTypeEscrowCreated, "", esc, now))
	return esc.Clone(), nil
}

// Get returns a snapshot of the escrow.
func (e *Engine) Get(ctx context.Context, id string) (*Escrow, error) {
	return e.store.Get(ctx, strings.TrimSpace(id))
}

// Transactions returns the escrow's monetary history.
func (e *Engine) Transactions(ctx context.Context, id string) ([]Transaction, error) {
	if _, err := e.store.Get(ctx, strings.TrimSpace(id)); err != nil {
		return nil, err
	}
	return e.store.Transactions(ctx, strings.TrimSpace(id))
}

// InitiatePurchase attaches buyerID to an unclaimed escrow, starts the
// reservation window and records a pending payment transaction. At most one
// concurrent caller wins; the rest observe ErrAlreadyClaimed.
func (e *Engine) InitiatePurchase(ctx context.Context, escrowID, buyerID string, billing BillingInfo) (*Escrow, *Transaction, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, nil, fmt.Errorf("%w: buyer required", ErrInvalidTerms)
	}
	if strings.TrimSpace(billing.Email) == "" || strings.TrimSpace(billing.Name) == "" {
		return nil, nil, fmt.Errorf("%w: billing name and email required", ErrInvalidTerms)
	}
	var payment Transaction
	stored, _, err := e.apply(ctx, "initiate_purchase", escrowID, func(m *mutation, now time.Time) error {
		esc := m.escrow
		if esc.State != StatePendingPayment {
			return fmt.Errorf("%w: escrow is %s", ErrNotAvailable, esc.State)
		}
		if esc.SellerID == buyerID {
			return fmt.Errorf("%w: sellers cannot buy their own listing", ErrUnauthorized)
		}
		if now.After(esc.PaymentDeadline) {
			return ErrExpired
		}
		if esc.Claimed(now) {
			return ErrAlreadyClaimed
		}
		if esc.BuyerID != "" {
			if err := e.abandonReservation(ctx, m, now, "reservation lapsed"); err != nil {
				return err
			}
		}
		reserved := now.Add(e.cfg.ReservationTTL)
		esc.BuyerID = buyerID
		esc.Buyer = Contact{
			Name:    strings.TrimSpace(billing.Name),
			Email:   strings.TrimSpace(billing.Email),
			Country: strings.TrimSpace(billing.Country),
		}
		esc.ReservedUntil = &reserved
		payment = Transaction{
			ID:        e.newID(),
			EscrowID:  esc.ID,
			Type:      TxPayment,
			Status:    TxPending,
			Amount:    esc.Price,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.commit.NewTransactions = append(m.commit.NewTransactions, payment)
		tx := payment
		m.emit(Event{Type: EventTypePurchaseInitiated, Previous: esc.State, Transaction: &tx})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return stored, &payment, nil
}

// abandonReservation detaches the current buyer and cancels their pending
// payment transaction.
func (e *Engine) abandonReservation(ctx context.Context, m *mutation, now time.Time, reason string) error {
	pending, err := e.pendingPayment(ctx, m.escrow.ID)
	if err != nil {
		return err
	}
	if pending != nil {
		pending.Status = TxCancelled
		pending.FailureReason = reason
		pending.UpdatedAt = now
		m.commit.TransactionUpdates = append(m.commit.TransactionUpdates, *pending)
	}
	buyer := m.escrow.BuyerID
	m.escrow.BuyerID = ""
	m.escrow.Buyer = Contact{}
	m.escrow.ReservedUntil = nil
	m.emit(Event{Type: EventTypeReservationReleased, Previous: m.escrow.State, BuyerID: buyer, Transaction: pending})
	return nil
}

func (e *Engine) pendingPayment(ctx context.Context, escrowID string) (*Transaction, error) {
	txs, err := e.store.Transactions(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Type == TxPayment && txs[i].Status == TxPending {
			tx := txs[i]
			return &tx, nil
		}
	}
	return nil, nil
}

func (e *Engine) completedPayment(ctx context.Context, escrowID string) (bool, error) {
	txs, err := e.store.Transactions(ctx, escrowID)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if tx.Type == TxPayment && tx.Status == TxCompleted {
			return true, nil
		}
	}
	return false, nil
}

// GatewayResult is the outcome reported by the payment gateway.
type GatewayResult struct {
	Success bool
	// PaymentID is the pending payment transaction the result refers to. When
	// set it must match, so a stale callback cannot settle a newer claim.
	PaymentID      string
	TransactionRef string
	Reason         string
}

// ConfirmPayment settles the escrow on gateway success or reopens it on
// failure. Repeating a successful confirmation is a no-op.
func (e *Engine) ConfirmPayment(ctx context.Context, escrowID string, result GatewayResult) (*Escrow, error) {
	stored, _, err := e.apply(ctx, "confirm_payment", escrowID, func(m *mutation, now time.Time) error {
		esc := m.escrow
		if esc.State == StateReleased || esc.State == StateDisputed {
			paid, err := e.completedPayment(ctx, esc.ID)
			if err != nil {
				return err
			}
			if paid {
				return errNoChange
			}
		}
		if esc.State != StatePendingPayment || esc.BuyerID == "" {
			return fmt.Errorf("%w: escrow is %s", ErrNotPending, esc.State)
		}
		pending, err := e.pendingPayment(ctx, esc.ID)
		if err != nil {
			return err
		}
		if pending == nil {
			return fmt.Errorf("%w: no payment in flight", ErrNotPending)
		}
		if result.PaymentID != "" && result.PaymentID != pending.ID {
			return fmt.Errorf("%w: payment %s is not the one in flight", ErrNotPending, result.PaymentID)
		}
		pending.GatewayRef = strings.TrimSpace(result.TransactionRef)
		pending.UpdatedAt = now

		if !result.Success {
			reason := strings.TrimSpace(result.Reason)
			if reason == "" {
				reason = "declined"
			}
			pending.Status = TxFailed
			pending.FailureReason = reason
			m.commit.TransactionUpdates = append(m.commit.TransactionUpdates, *pending)
			buyer := esc.BuyerID
			esc.BuyerID = ""
			esc.Buyer = Contact{}
			esc.ReservedUntil = nil
			m.emit(Event{Type: EventTypePaymentFailed, Previous: StatePendingPayment, BuyerID: buyer, Transaction: pending})
			m.outcome = fmt.Errorf("%w: %s", ErrGatewayFailure, reason)
			return nil
		}

		token, err := mintAccessToken(esc.ID)
		if err != nil {
			return err
		}
		pending.Status = TxCompleted
		m.commit.TransactionUpdates = append(m.commit.TransactionUpdates, *pending)
		m.commit.NewTransactions = append(m.commit.NewTransactions,
			Transaction{ID: e.newID(), EscrowID: esc.ID, Type: TxFee, Status: TxCompleted, Amount: esc.PlatformFee, CreatedAt: now, UpdatedAt: now},
			Transaction{ID: e.newID(), EscrowID: esc.ID, Type: TxPayout, Status: TxPending, Amount: esc.SellerPayout, CreatedAt: now, UpdatedAt: now},
		)
		esc.State = StateReleased
		esc.ReleasedAt = stamp(now)
		esc.ReservedUntil = nil
		esc.AccessToken = token
		m.emit(Event{Type: EventTypePaymentConfirmed, Previous: StatePendingPayment, Transaction: pending})
		return nil
	})
	return stored, err
}

// ReclaimProject lets the seller cancel an unpaid escrow once the payment
// deadline has passed.
func (e *Engine) ReclaimProject(ctx context.Context, escrowID, sellerID string) (*Escrow, error) {
	sellerID = strings.TrimSpace(sellerID)
	stored, _, err := e.apply(ctx, "reclaim", escrowID, func(m *mutation, now time.Time) error {
		esc := m.escrow
		if esc.SellerID != sellerID {
			return ErrUnauthorized
		}
		if esc.State != StatePendingPayment {
			return fmt.Errorf("%w: escrow is %s", ErrNotAvailable, esc.State)
		}
		if !now.After(esc.PaymentDeadline) {
			return ErrDeadlineNotPassed
		}
		return e.closeUnpaid(ctx, m, now, StateCancelled, EventTypeEscrowReclaimed)
	})
	return stored, err
}

// ExpireSweep expires an unpaid escrow once the deadline plus the grace window
// has passed. It reports whether the escrow changed; sweeping an escrow that
// already expired or was cancelled is a no-op.
func (e *Engine) ExpireSweep(ctx context.Context, escrowID string) (*Escrow, bool, error) {
	stored, m, err := e.apply(ctx, "expire", escrowID, func(m *mutation, now time.Time) error {
		esc := m.escrow
		if esc.State.Terminal() {
			return errNoChange
		}
		if esc.State != StatePendingPayment {
			return fmt.Errorf("%w: escrow is %s", ErrNotAvailable, esc.State)
		}
		if !now.After(esc.PaymentDeadline.Add(e.cfg.ExpiryGrace)) {
			return ErrDeadlineNotPassed
		}
		return e.closeUnpaid(ctx, m, now, StateExpired, EventTypeEscrowExpired)
	})
	changed := err == nil && m != nil && m.committed
	return stored, changed, err
}

func (e *Engine) closeUnpaid(ctx context.Context, m *mutation, now time.Time, target State, eventType string) error {
	esc := m.escrow
	if esc.Claimed(now) {
		return fmt.Errorf("%w: purchase in progress", ErrAlreadyClaimed)
	}
	if esc.BuyerID != "" {
		if err := e.abandonReservation(ctx, m, now, "listing closed"); err != nil {
			return err
		}
	}
	esc.State = target
	esc.CancelledAt = stamp(now)
	m.emit(Event{Type: eventType, Previous: StatePendingPayment})
	return nil
}

// ReleaseReservation returns an escrow whose buyer abandoned checkout to the
// unclaimed pool. It reports whether anything changed.
func (e *Engine) ReleaseReservation(ctx context.Context, escrowID string) (*Escrow, bool, error) {
	stored, m, err := e.apply(ctx, "release_reservation", escrowID, func(m *mutation, now time.Time) error {
		if !m.escrow.ReservationLapsed(now) {
			return errNoChange
		}
		return e.abandonReservation(ctx, m, now, "reservation lapsed")
	})
	changed := err == nil && m != nil && m.committed
	return stored, changed, err
}

// PlaceOnHold freezes an unpaid escrow for manual review.
func (e *Engine) PlaceOnHold(ctx context.Context, escrowID, reason string) (*Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: hold reason required", ErrInvalidTerms)
	}
	stored, _, err := e.apply(ctx, "hold", escrowID, func(m *mutation, now time.Time) error {
		if m.escrow.State != StatePendingPayment {
			return fmt.Errorf("%w: cannot hold a %s escrow", ErrInvalidState, m.escrow.State)
		}
		m.escrow.State = StateOnHold
		m.escrow.HoldReason = reason
		m.emit(Event{Type: EventTypeEscrowOnHold, Previous: StatePendingPayment})
		return nil
	})
	return stored, err
}

// LiftHold returns a held escrow to pending_payment.
func (e *Engine) LiftHold(ctx context.Context, escrowID string) (*Escrow, error) {
	stored, _, err := e.apply(ctx, "lift_hold", escrowID, func(m *mutation, now time.Time) error {
		if m.escrow.State != StateOnHold {
			return fmt.Errorf("%w: escrow is %s", ErrInvalidState, m.escrow.State)
		}
		m.escrow.State = StatePendingPayment
		m.escrow.HoldReason = ""
		m.emit(Event{Type: EventTypeHoldLifted, Previous: StateOnHold})
		return nil
	})
	return stored, err
}

// CancelHold cancels a held escrow, voiding any payment still in flight.
func (e *Engine) CancelHold(ctx context.Context, escrowID string) (*Escrow, error) {
	stored, _, err := e.apply(ctx, "cancel_hold", escrowID, func(m *mutation, now time.Time) error {
		if m.escrow.State != StateOnHold {
			return fmt.Errorf("%w: escrow is %s", ErrInvalidState, m.escrow.State)
		}
		pending, err := e.pendingPayment(ctx, m.escrow.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			pending.Status = TxCancelled
			pending.FailureReason = "cancelled during hold"
			pending.UpdatedAt = now
			m.commit.TransactionUpdates = append(m.commit.TransactionUpdates, *pending)
		}
		m.escrow.State = StateCancelled
		m.escrow.CancelledAt = stamp(now)
		m.escrow.ReservedUntil = nil
		m.emit(Event{Type: EventTypeHoldCancelled, Previous: StateOnHold, Transaction: pending})
		return nil
	})
	return stored, err
}

// RegisterDownload counts one download by the buyer of record against the
// quota. The returned escrow carries the access token for the file store.
func (e *Engine) RegisterDownload(ctx context.Context, escrowID, buyerID string) (*Escrow, error) {
	buyerID = strings.TrimSpace(buyerID)
	stored, _, err := e.apply(ctx, "download", escrowID, func(m *mutation, now time.Time) error {
		esc := m.escrow
		if esc.BuyerID == "" || esc.BuyerID != buyerID {
			return ErrUnauthorized
		}
		if esc.State != StateReleased && esc.State != StateDisputed {
			return fmt.Errorf("%w: downloads unavailable while %s", ErrInvalidState, esc.State)
		}
		if esc.DownloadCount >= esc.MaxDownloads {
			return ErrQuotaExceeded
		}
		esc.DownloadCount++
		m.emit(Event{Type: EventTypeDownloadRegistered, Previous: esc.State})
		return nil
	})
	return stored, err
}
