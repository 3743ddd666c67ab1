package escrow

import (
	"context"
	"time"
)

// Commit is an atomic write against a single escrow. The store applies it only
// when the stored version still equals Escrow.Version and bumps the version on
// success; otherwise it fails with ErrVersionConflict and writes nothing.
type Commit struct {
	Escrow *Escrow
	// NewTransactions are appended in slice order; the store assigns Seq.
	NewTransactions []Transaction
	// TransactionUpdates replace pending transactions by id. Updating a final
	// transaction fails with ErrTransactionFinal.
	TransactionUpdates []Transaction
	// Disputes are upserted by id. Rewriting a final dispute fails with
	// ErrDisputeFinal.
	Disputes []Dispute
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SellerID string
	BuyerID  string
	States   []State
	// Text matches listing title or description, case-insensitively.
	Text  string
	Limit int
}

// Matches reports whether e satisfies the filter. Backends without native
// querying use it directly.
func (f Filter) Matches(e *Escrow) bool {
	if f.SellerID != "" && e.SellerID != f.SellerID {
		return false
	}
	if f.BuyerID != "" && e.BuyerID != f.BuyerID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, state := range f.States {
			if e.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Text != "" && !matchesText(e.Listing, f.Text) {
		return false
	}
	return true
}

// Store is the durable ledger of escrows and their transactions and disputes.
type Store interface {
	// Insert persists a new escrow at version 1. ErrExists if the id is taken.
	Insert(ctx context.Context, e *Escrow) error
	// Get returns a copy of the escrow or ErrNotFound.
	Get(ctx context.Context, id string) (*Escrow, error)
	// Commit applies c atomically and returns the stored escrow.
	Commit(ctx context.Context, c Commit) (*Escrow, error)
	// List returns escrows matching f ordered by creation time.
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	// Transactions returns the escrow's transactions in creation order.
	Transactions(ctx context.Context, escrowID string) ([]Transaction, error)
	// Dispute returns one dispute or ErrNotFound.
	Dispute(ctx context.Context, id string) (*Dispute, error)
	// Disputes returns the escrow's dispute history in creation order.
	Disputes(ctx context.Context, escrowID string) ([]Dispute, error)
}

// NotificationStore persists notifications addressed to users.
type NotificationStore interface {
	PutNotification(ctx context.Context, n Notification) error
	Notifications(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error)
	// MarkNotificationRead flips the read flag. ErrUnauthorized when userID does
	// not own the notification, ErrNotFound when it does not exist.
	MarkNotificationRead(ctx context.Context, id, userID string, at time.Time) (Notification, error)
}
