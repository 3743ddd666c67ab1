package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"digimarket/native/escrow"
)

const lockStripes = 64

var (
	prefixEscrow       = []byte("escrow/")
	prefixTransaction  = []byte("tx/")
	prefixDispute      = []byte("dispute/")
	prefixDisputeIndex = []byte("dispute-by-escrow/")
	prefixNotification = []byte("notification/")
	prefixNotifyIndex  = []byte("notification-id/")
)

const timeKeyLayout = "20060102T150405.000000000"

var (
	_ escrow.Store             = (*Ledger)(nil)
	_ escrow.NotificationStore = (*Ledger)(nil)
)

// Ledger is the escrow ledger over a key-value Database. Commits for one
// escrow are serialised by a striped lock and validated against the stored
// version before the batch is written.
type Ledger struct {
	db    Database
	locks [lockStripes]sync.Mutex
}

// NewLedger wraps db.
func NewLedger(db Database) *Ledger {
	return &Ledger{db: db}
}

// Close releases the underlying database.
func (l *Ledger) Close() {
	l.db.Close()
}

func (l *Ledger) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &l.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func escrowKey(id string) []byte {
	return append(append([]byte(nil), prefixEscrow...), id...)
}

func transactionPrefix(escrowID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixTransaction, escrowID))
}

func transactionKey(tx escrow.Transaction) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", transactionPrefix(tx.EscrowID), tx.Seq, tx.ID))
}

func disputeKey(id string) []byte {
	return append(append([]byte(nil), prefixDispute...), id...)
}

func disputeIndexKey(d escrow.Dispute) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", prefixDisputeIndex, d.EscrowID, d.CreatedAt.UTC().Format(timeKeyLayout), d.ID))
}

func notificationKey(n escrow.Notification) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", prefixNotification, n.UserID, n.CreatedAt.UTC().Format(timeKeyLayout), n.ID))
}

func (l *Ledger) getJSON(key []byte, out any) error {
	raw, err := l.db.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Insert persists a new escrow.
func (l *Ledger) Insert(ctx context.Context, e *escrow.Escrow) error {
	if err := e.Validate(); err != nil {
		return err
	}
	unlock := l.lock(e.ID)
	defer unlock()
	if _, err := l.db.Get(escrowKey(e.ID)); err == nil {
		return fmt.Errorf("%w: escrow %s", escrow.ErrExists, e.ID)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	return l.db.Put(escrowKey(e.ID), raw)
}

// Get loads an escrow.
func (l *Ledger) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	var e escrow.Escrow
	if err := l.getJSON(escrowKey(id), &e); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
		}
		return nil, err
	}
	return &e, nil
}

// Commit applies the change set when the stored version matches.
func (l *Ledger) Commit(ctx context.Context, c escrow.Commit) (*escrow.Escrow, error) {
	if c.Escrow == nil {
		return nil, fmt.Errorf("commit without escrow")
	}
	if err := c.Escrow.Validate(); err != nil {
		return nil, err
	}
	unlock := l.lock(c.Escrow.ID)
	defer unlock()

	current, err := l.Get(ctx, c.Escrow.ID)
	if err != nil {
		return nil, err
	}
	if current.Version != c.Escrow.Version {
		return nil, fmt.Errorf("%w: escrow %s at %d, commit based on %d", escrow.ErrVersionConflict, current.ID, current.Version, c.Escrow.Version)
	}

	batch := new(Batch)
	next := c.Escrow.Clone()
	next.Version = current.Version + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode escrow: %w", err)
	}
	batch.Put(escrowKey(next.ID), raw)

	var existing map[string]escrow.Transaction
	if len(c.NewTransactions) > 0 || len(c.TransactionUpdates) > 0 {
		if existing, err = l.transactionsByID(next.ID); err != nil {
			return nil, err
		}
	}
	seq := uint64(len(existing))
	for _, tx := range c.NewTransactions {
		if tx.EscrowID != next.ID {
			return nil, fmt.Errorf("transaction %s belongs to escrow %s", tx.ID, tx.EscrowID)
		}
		seq++
		tx.Seq = seq
		raw, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("encode transaction: %w", err)
		}
		batch.Put(transactionKey(tx), raw)
	}
	if len(c.TransactionUpdates) > 0 {
		for _, update := range c.TransactionUpdates {
			stored, ok := existing[update.ID]
			if !ok {
				return nil, fmt.Errorf("%w: transaction %s", escrow.ErrNotFound, update.ID)
			}
			if stored.Status.Final() {
				return nil, fmt.Errorf("%w: %s is %s", escrow.ErrTransactionFinal, update.ID, stored.Status)
			}
			update.EscrowID = stored.EscrowID
			update.Type = stored.Type
			update.Amount = stored.Amount
			update.CreatedAt = stored.CreatedAt
			update.Seq = stored.Seq
			raw, err := json.Marshal(update)
			if err != nil {
				return nil, fmt.Errorf("encode transaction: %w", err)
			}
			batch.Put(transactionKey(update), raw)
		}
	}
	for _, d := range c.Disputes {
		var stored escrow.Dispute
		err := l.getJSON(disputeKey(d.ID), &stored)
		switch {
		case err == nil:
			if stored.State.Final() {
				return nil, fmt.Errorf("%w: %s is %s", escrow.ErrDisputeFinal, d.ID, stored.State)
			}
			d.CreatedAt = stored.CreatedAt
		case errors.Is(err, ErrKeyNotFound):
			batch.Put(disputeIndexKey(d), nil)
		default:
			return nil, err
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode dispute: %w", err)
		}
		batch.Put(disputeKey(d.ID), raw)
	}
	if err := l.db.Write(batch); err != nil {
		return nil, fmt.Errorf("write commit: %w", err)
	}
	return next, nil
}

func (l *Ledger) transactionsByID(escrowID string) (map[string]escrow.Transaction, error) {
	txs, err := l.Transactions(context.Background(), escrowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]escrow.Transaction, len(txs))
	for _, tx := range txs {
		out[tx.ID] = tx
	}
	return out, nil
}

// List scans every escrow and applies the filter in memory.
func (l *Ledger) List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error) {
	out := make([]*escrow.Escrow, 0)
	var decodeErr error
	err := l.db.Iterate(prefixEscrow, func(_, value []byte) bool {
		var e escrow.Escrow
		if err := json.Unmarshal(value, &e); err != nil {
			decodeErr = fmt.Errorf("decode escrow: %w", err)
			return false
		}
		if f.Matches(&e) {
			out = append(out, &e)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transactions lists an escrow's transactions in creation order.
func (l *Ledger) Transactions(ctx context.Context, escrowID string) ([]escrow.Transaction, error) {
	out := make([]escrow.Transaction, 0)
	var decodeErr error
	err := l.db.Iterate(transactionPrefix(escrowID), func(_, value []byte) bool {
		var tx escrow.Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			decodeErr = fmt.Errorf("decode transaction: %w", err)
			return false
		}
		out = append(out, tx)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Dispute loads one dispute.
func (l *Ledger) Dispute(ctx context.Context, id string) (*escrow.Dispute, error) {
	var d escrow.Dispute
	if err := l.getJSON(disputeKey(id), &d); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: dispute %s", escrow.ErrNotFound, id)
		}
		return nil, err
	}
	return &d, nil
}

// Disputes lists an escrow's disputes in creation order.
func (l *Ledger) Disputes(ctx context.Context, escrowID string) ([]escrow.Dispute, error) {
	prefix := []byte(fmt.Sprintf("%s%s/", prefixDisputeIndex, escrowID))
	ids := make([]string, 0)
	err := l.db.Iterate(prefix, func(key, _ []byte) bool {
		rest := string(key[len(prefix):])
		for i := len(rest) - 1; i >= 0; i-- {
			if rest[i] == '/' {
				ids = append(ids, rest[i+1:])
				break
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]escrow.Dispute, 0, len(ids))
	for _, id := range ids {
		d, err := l.Dispute(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// PutNotification stores a new notification.
func (l *Ledger) PutNotification(ctx context.Context, n escrow.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	key := notificationKey(n)
	batch := new(Batch)
	batch.Put(key, raw)
	batch.Put(append(append([]byte(nil), prefixNotifyIndex...), n.ID...), key)
	return l.db.Write(batch)
}

// Notifications lists a user's notifications, oldest first.
func (l *Ledger) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]escrow.Notification, error) {
	prefix := []byte(fmt.Sprintf("%s%s/", prefixNotification, userID))
	out := make([]escrow.Notification, 0)
	var decodeErr error
	err := l.db.Iterate(prefix, func(_, value []byte) bool {
		var n escrow.Notification
		if err := json.Unmarshal(value, &n); err != nil {
			decodeErr = fmt.Errorf("decode notification: %w", err)
			return false
		}
		if unreadOnly && n.IsRead {
			return true
		}
		out = append(out, n)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// MarkNotificationRead flips the read flag for the owner.
func (l *Ledger) MarkNotificationRead(ctx context.Context, id, userID string, at time.Time) (escrow.Notification, error) {
	unlock := l.lock("notification/" + id)
	defer unlock()
	key, err := l.db.Get(append(append([]byte(nil), prefixNotifyIndex...), id...))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return escrow.Notification{}, fmt.Errorf("%w: notification %s", escrow.ErrNotFound, id)
		}
		return escrow.Notification{}, err
	}
	var n escrow.Notification
	if err := l.getJSON(key, &n); err != nil {
		return escrow.Notification{}, err
	}
	if n.UserID != userID {
		return escrow.Notification{}, escrow.ErrUnauthorized
	}
	if n.IsRead {
		return n, nil
	}
	n.IsRead = true
	readAt := at.UTC()
	n.ReadAt = &readAt
	raw, err := json.Marshal(n)
	if err != nil {
		return escrow.Notification{}, fmt.Errorf("encode notification: %w", err)
	}
	if err := l.db.Put(key, raw); err != nil {
		return escrow.Notification{}, err
	}
	return n, nil
}
