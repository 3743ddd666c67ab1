package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"digimarket/native/escrow"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	_ escrow.Store             = (*Store)(nil)
	_ escrow.NotificationStore = (*Store)(nil)
)

// Store is the escrow ledger on a relational database through gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by driver and dsn and migrates the
// schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection keeps transactions
		// from failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert persists a new escrow.
func (s *Store) Insert(ctx context.Context, e *escrow.Escrow) error {
	if err := e.Validate(); err != nil {
		return err
	}
	rec, err := escrowToRecord(e)
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&EscrowRecord{}).Where("id = ?", e.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: escrow %s", escrow.ErrExists, e.ID)
		}
		return tx.Create(&rec).Error
	})
}

// Get loads an escrow.
func (s *Store) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	return getEscrow(s.db.WithContext(ctx), id)
}

func getEscrow(db *gorm.DB, id string) (*escrow.Escrow, error) {
	var rec EscrowRecord
	if err := db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, id)
		}
		return nil, err
	}
	return rec.toEscrow()
}

// Commit applies the change set in one database transaction. The escrow row is
// updated with `WHERE version = ?`, so a stale writer updates nothing and the
// whole transaction rolls back with ErrVersionConflict.
func (s *Store) Commit(ctx context.Context, c escrow.Commit) (*escrow.Escrow, error) {
	if c.Escrow == nil {
		return nil, fmt.Errorf("commit without escrow")
	}
	if err := c.Escrow.Validate(); err != nil {
		return nil, err
	}
	expected := c.Escrow.Version
	next := c.Escrow.Clone()
	next.Version = expected + 1
	rec, err := escrowToRecord(next)
	if err != nil {
		return nil, fmt.Errorf("encode escrow: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&rec).Where("version = ?", expected).Select("*").Updates(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&EscrowRecord{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: escrow %s", escrow.ErrNotFound, rec.ID)
			}
			return fmt.Errorf("%w: escrow %s not at version %d", escrow.ErrVersionConflict, rec.ID, expected)
		}

		var seq uint64
		if len(c.NewTransactions) > 0 {
			if err := tx.Model(&TransactionRecord{}).Where("escrow_id = ?", rec.ID).
				Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error; err != nil {
				return err
			}
		}
		for _, t := range c.NewTransactions {
			if t.EscrowID != rec.ID {
				return fmt.Errorf("transaction %s belongs to escrow %s", t.ID, t.EscrowID)
			}
			seq++
			t.Seq = seq
			txRec := transactionToRecord(t)
			if err := tx.Create(&txRec).Error; err != nil {
				return err
			}
		}
		for _, t := range c.TransactionUpdates {
			res := tx.Model(&TransactionRecord{}).
				Where("id = ? AND escrow_id = ? AND status = ?", t.ID, rec.ID, string(escrow.TxPending)).
				Updates(map[string]any{
					"status":         string(t.Status),
					"gateway_ref":    t.GatewayRef,
					"failure_reason": t.FailureReason,
					"updated_at":     t.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				var existing TransactionRecord
				if err := tx.First(&existing, "id = ? AND escrow_id = ?", t.ID, rec.ID).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return fmt.Errorf("%w: transaction %s", escrow.ErrNotFound, t.ID)
					}
					return err
				}
				return fmt.Errorf("%w: %s is %s", escrow.ErrTransactionFinal, t.ID, existing.Status)
			}
		}
		for _, d := range c.Disputes {
			dRec, err := disputeToRecord(d)
			if err != nil {
				return fmt.Errorf("encode dispute: %w", err)
			}
			var existing DisputeRecord
			err = tx.First(&existing, "id = ?", d.ID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&dRec).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if escrow.DisputeState(existing.State).Final() {
					return fmt.Errorf("%w: %s is %s", escrow.ErrDisputeFinal, d.ID, existing.State)
				}
				dRec.CreatedAt = existing.CreatedAt
				if err := tx.Save(&dRec).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// likeEscaper makes search text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// List queries escrows matching f. Text search runs over NFKC-folded
// columns so results agree with escrow.Filter.Matches.
func (s *Store) List(ctx context.Context, f escrow.Filter) ([]*escrow.Escrow, error) {
	q := s.db.WithContext(ctx).Model(&EscrowRecord{})
	if f.SellerID != "" {
		q = q.Where("seller_id = ?", f.SellerID)
	}
	if f.BuyerID != "" {
		q = q.Where("buyer_id = ?", f.BuyerID)
	}
	if len(f.States) > 0 {
		states := make([]string, 0, len(f.States))
		for _, state := range f.States {
			states = append(states, string(state))
		}
		q = q.Where("state IN ?", states)
	}
	if text := escrow.FoldText(f.Text); text != "" {
		pattern := "%" + likeEscaper.Replace(text) + "%"
		q = q.Where(`(search_title LIKE ? ESCAPE '\' OR search_description LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []EscrowRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*escrow.Escrow, 0, len(recs))
	for _, rec := range recs {
		e, err := rec.toEscrow()
		if err != nil {
			return nil, fmt.Errorf("decode escrow %s: %w", rec.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Transactions lists an escrow's transactions in creation order.
func (s *Store) Transactions(ctx context.Context, escrowID string) ([]escrow.Transaction, error) {
	var recs []TransactionRecord
	if err := s.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Order("seq ASC").Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]escrow.Transaction, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toTransaction())
	}
	return out, nil
}

// Dispute loads one dispute.
func (s *Store) Dispute(ctx context.Context, id string) (*escrow.Dispute, error) {
	var rec DisputeRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: dispute %s", escrow.ErrNotFound, id)
		}
		return nil, err
	}
	d, err := rec.toDispute()
	if err != nil {
		return nil, fmt.Errorf("decode dispute %s: %w", id, err)
	}
	return &d, nil
}

// Disputes lists an escrow's disputes in creation order.
func (s *Store) Disputes(ctx context.Context, escrowID string) ([]escrow.Dispute, error) {
	var recs []DisputeRecord
	if err := s.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Order("created_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]escrow.Dispute, 0, len(recs))
	for _, rec := range recs {
		d, err := rec.toDispute()
		if err != nil {
			return nil, fmt.Errorf("decode dispute %s: %w", rec.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// PutNotification stores a new notification.
func (s *Store) PutNotification(ctx context.Context, n escrow.Notification) error {
	rec := notificationToRecord(n)
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Notifications lists a user's notifications, oldest first.
func (s *Store) Notifications(ctx context.Context, userID string, unreadOnly bool) ([]escrow.Notification, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var recs []NotificationRecord
	if err := q.Order("created_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]escrow.Notification, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toNotification())
	}
	return out, nil
}

// MarkNotificationRead flips the read flag for the owner.
func (s *Store) MarkNotificationRead(ctx context.Context, id, userID string, at time.Time) (escrow.Notification, error) {
	var out escrow.Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec NotificationRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: notification %s", escrow.ErrNotFound, id)
			}
			return err
		}
		if rec.UserID != userID {
			return escrow.ErrUnauthorized
		}
		if !rec.IsRead {
			readAt := at.UTC()
			if err := tx.Model(&NotificationRecord{}).Where("id = ?", id).
				Updates(map[string]any{"is_read": true, "read_at": readAt}).Error; err != nil {
				return err
			}
			rec.IsRead = true
			rec.ReadAt = &readAt
		}
		out = rec.toNotification()
		return nil
	})
	return out, err
}

// LookupResponse returns a previously recorded response for key.
func (s *Store) LookupResponse(ctx context.Context, key string) (int, []byte, bool, error) {
	var rec IdempotencyKey
	if err := s.db.WithContext(ctx).First(&rec, "idem_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return rec.Status, []byte(rec.Response), true, nil
}

// SaveResponse records the response for key. The first write wins.
func (s *Store) SaveResponse(ctx context.Context, key, method, path string, status int, body []byte) error {
	rec := IdempotencyKey{
		Key:       key,
		Method:    method,
		Path:      path,
		Status:    status,
		Response:  string(body),
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}
