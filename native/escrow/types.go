package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State represents the lifecycle states of a marketplace escrow.
type State string

const (
	StatePendingPayment State = "pending_payment"
	StateOnHold         State = "on_hold"
	StateReleased       State = "released"
	StateDisputed       State = "disputed"
	StateCancelled      State = "cancelled"
	StateExpired        State = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StatePendingPayment, StateOnHold, StateReleased, StateDisputed, StateCancelled, StateExpired}

// Valid reports whether the state is one of the supported values.
func (s State) Valid() bool {
	switch s {
	case StatePendingPayment, StateOnHold, StateReleased, StateDisputed, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateExpired
}

// ParseState converts user input into a State.
func ParseState(raw string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(raw)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown escrow state %q", raw)
	}
	return state, nil
}

// LicenseType enumerates the licenses a project can be sold under.
type LicenseType string

const (
	LicensePersonal   LicenseType = "personal"
	LicenseCommercial LicenseType = "commercial"
	LicenseExtended   LicenseType = "extended"
)

// NormalizeLicense returns the canonical license or an error for unknown values.
func NormalizeLicense(raw string) (LicenseType, error) {
	license := LicenseType(strings.ToLower(strings.TrimSpace(raw)))
	switch license {
	case LicensePersonal, LicenseCommercial, LicenseExtended:
		return license, nil
	default:
		return "", fmt.Errorf("unsupported license type %q", raw)
	}
}

// Listing is the snapshot of the catalog entry taken when the escrow is
// created. Later catalog edits do not alter it.
type Listing struct {
	ProjectID   string   `json:"projectId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// BillingInfo is what a buyer submits at checkout. Card data never reaches the
// escrow core: the payment method is an opaque gateway token.
type BillingInfo struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Country       string `json:"country,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

// Contact is the buyer contact retained on the escrow.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Country string `json:"country,omitempty"`
}

// Escrow captures the terms and runtime status of a single sale. Records are
// owned by the Store; callers always receive clones.
type Escrow struct {
	ID                string          `json:"id"`
	Version           uint64          `json:"version"`
	SellerID          string          `json:"sellerId"`
	BuyerID           string          `json:"buyerId,omitempty"`
	Buyer             Contact         `json:"buyer"`
	Listing           Listing         `json:"listing"`
	Price             decimal.Decimal `json:"price"`
	LicenseType       LicenseType     `json:"licenseType"`
	PlatformFee       decimal.Decimal `json:"platformFee"`
	SellerPayout      decimal.Decimal `json:"sellerPayout"`
	State             State           `json:"state"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	PaymentDeadline   time.Time       `json:"paymentDeadline"`
	ReservedUntil     *time.Time      `json:"reservedUntil,omitempty"`
	ReleasedAt        *time.Time      `json:"releasedAt,omitempty"`
	CancelledAt       *time.Time      `json:"cancelledAt,omitempty"`
	DisputeRaisedAt   *time.Time      `json:"disputeRaisedAt,omitempty"`
	DisputeResolvedAt *time.Time      `json:"disputeResolvedAt,omitempty"`
	AccessToken       string          `json:"accessToken,omitempty"`
	DownloadCount     int             `json:"downloadCount"`
	MaxDownloads      int             `json:"maxDownloads"`
	OpenDisputeID     string          `json:"openDisputeId,omitempty"`
	HoldReason        string          `json:"holdReason,omitempty"`
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Listing.Tags = append([]string(nil), e.Listing.Tags...)
	clone.ReservedUntil = cloneTime(e.ReservedUntil)
	clone.ReleasedAt = cloneTime(e.ReleasedAt)
	clone.CancelledAt = cloneTime(e.CancelledAt)
	clone.DisputeRaisedAt = cloneTime(e.DisputeRaisedAt)
	clone.DisputeResolvedAt = cloneTime(e.DisputeResolvedAt)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func stamp(t time.Time) *time.Time {
	return &t
}

// Claimed reports whether a buyer holds a live reservation at now.
func (e *Escrow) Claimed(now time.Time) bool {
	if e.BuyerID == "" {
		return false
	}
	return e.ReservedUntil != nil && now.Before(*e.ReservedUntil)
}

// ReservationLapsed reports whether a buyer is attached but their reservation
// ran out without a payment confirmation.
func (e *Escrow) ReservationLapsed(now time.Time) bool {
	return e.State == StatePendingPayment && e.BuyerID != "" && !e.Claimed(now)
}

// Available reports whether the escrow can be purchased at now.
func (e *Escrow) Available(now time.Time) bool {
	return e.State == StatePendingPayment && !e.Claimed(now) && !now.After(e.PaymentDeadline)
}

// DownloadsRemaining returns how many downloads the buyer has left.
func (e *Escrow) DownloadsRemaining() int {
	if e.DownloadCount >= e.MaxDownloads {
		return 0
	}
	return e.MaxDownloads - e.DownloadCount
}

// TransactionType identifies the monetary event a Transaction records.
type TransactionType string

const (
	TxPayment TransactionType = "payment"
	TxRefund  TransactionType = "refund"
	TxPayout  TransactionType = "payout"
	TxFee     TransactionType = "fee"
)

// TransactionStatus tracks settlement of a Transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

// Final reports whether the status can no longer change.
func (s TransactionStatus) Final() bool {
	return s == TxCompleted || s == TxFailed || s == TxCancelled
}

// Transaction is an append-only monetary record tied to one escrow.
type Transaction struct {
	ID            string            `json:"id"`
	EscrowID      string            `json:"escrowId"`
	Type          TransactionType   `json:"type"`
	Status        TransactionStatus `json:"status"`
	Amount        decimal.Decimal   `json:"amount"`
	GatewayRef    string            `json:"gatewayRef,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	// Seq is assigned by the store and orders an escrow's transactions,
	// including several written in one commit.
	Seq uint64 `json:"seq"`
}

// DisputeState is the sub-state of a dispute.
type DisputeState string

const (
	DisputeOpen        DisputeState = "open"
	DisputeUnderReview DisputeState = "under_review"
	DisputeResolved    DisputeState = "resolved"
	DisputeClosed      DisputeState = "closed"
)

// Final reports whether the dispute has been ruled on.
func (s DisputeState) Final() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Party names a side of the sale.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// ParseParty converts user input into a Party.
func ParseParty(raw string) (Party, error) {
	party := Party(strings.ToLower(strings.TrimSpace(raw)))
	switch party {
	case PartyBuyer, PartySeller:
		return party, nil
	default:
		return "", fmt.Errorf("unknown party %q", raw)
	}
}

// Evidence is an attachment supporting a dispute. Digest is computed by the
// engine when the caller supplies content.
type Evidence struct {
	Name    string    `json:"name"`
	URI     string    `json:"uri,omitempty"`
	Digest  string    `json:"digest,omitempty"`
	AddedBy Party     `json:"addedBy"`
	AddedAt time.Time `json:"addedAt"`
}

// Dispute records an escalation raised against a released escrow.
type Dispute struct {
	ID           string          `json:"id"`
	EscrowID     string          `json:"escrowId"`
	RaisedBy     Party           `json:"raisedBy"`
	RaisedByUser string          `json:"raisedByUser"`
	Reason       string          `json:"reason"`
	Description  string          `json:"description,omitempty"`
	Evidence     []Evidence      `json:"evidence"`
	State        DisputeState    `json:"state"`
	Action       string          `json:"action,omitempty"`
	Resolution   string          `json:"resolution,omitempty"`
	RefundAmount decimal.Decimal `json:"refundAmount"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Evidence = append([]Evidence(nil), d.Evidence...)
	clone.ResolvedAt = cloneTime(d.ResolvedAt)
	return &clone
}

// NotificationType names the transition a notification reports.
type NotificationType string

const (
	NotifyPaymentReceived    NotificationType = "payment_received"
	NotifyProjectReleased    NotificationType = "project_released"
	NotifyPaymentFailed      NotificationType = "payment_failed"
	NotifyPurchaseStarted    NotificationType = "purchase_started"
	NotifyReservationExpired NotificationType = "reservation_expired"
	NotifyProjectReclaimed   NotificationType = "project_reclaimed"
	NotifyListingExpired     NotificationType = "listing_expired"
	NotifyEscrowOnHold       NotificationType = "escrow_on_hold"
	NotifyHoldLifted         NotificationType = "hold_lifted"
	NotifyEscrowCancelled    NotificationType = "escrow_cancelled"
	NotifyDisputeRaised      NotificationType = "dispute_raised"
	NotifyDisputeReview      NotificationType = "dispute_under_review"
	NotifyDisputeResolved    NotificationType = "dispute_resolved"
)

// Notification is an immutable fact addressed to one user. Only the read flag
// changes after creation.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	EscrowID  string           `json:"escrowId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	ActionRef string           `json:"actionRef,omitempty"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
	ReadAt    *time.Time       `json:"readAt,omitempty"`
}
