package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"digimarket/native/escrow"
)

// EscrowRecord is the persisted escrow row. Version backs the optimistic
// compare-and-swap in Commit.
type EscrowRecord struct {
	ID                string          `gorm:"type:varchar(64);primaryKey"`
	Version           uint64          `gorm:"not null"`
	SellerID          string          `gorm:"type:varchar(128);index;not null"`
	BuyerID           string          `gorm:"type:varchar(128);index"`
	BuyerName         string
	BuyerEmail        string
	BuyerCountry      string
	ProjectID         string `gorm:"type:varchar(128);index"`
	Title             string
	Description       string
	SearchTitle       string `gorm:"type:text"`
	SearchDescription string `gorm:"type:text"`
	Category          string
	Tags              string          `gorm:"type:text"`
	Price             decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	LicenseType       string          `gorm:"type:varchar(32);not null"`
	PlatformFee       decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	SellerPayout      decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	State             string          `gorm:"type:varchar(32);index;not null"`
	CreatedAt         time.Time       `gorm:"autoCreateTime:false;index"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime:false"`
	PaymentDeadline   time.Time       `gorm:"index"`
	ReservedUntil     *time.Time
	ReleasedAt        *time.Time
	CancelledAt       *time.Time
	DisputeRaisedAt   *time.Time
	DisputeResolvedAt *time.Time
	AccessToken       string `gorm:"type:varchar(128)"`
	DownloadCount     int
	MaxDownloads      int
	OpenDisputeID     string `gorm:"type:varchar(64)"`
	HoldReason        string
}

func (EscrowRecord) TableName() string { return "escrows" }

// TransactionRecord stores one monetary event.
type TransactionRecord struct {
	ID            string          `gorm:"type:varchar(64);primaryKey"`
	EscrowID      string          `gorm:"type:varchar(64);index;not null"`
	Seq           uint64          `gorm:"not null;default:0"`
	Type          string          `gorm:"type:varchar(16);not null"`
	Status        string          `gorm:"type:varchar(16);index;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	GatewayRef    string
	FailureReason string
	CreatedAt     time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (TransactionRecord) TableName() string { return "escrow_transactions" }

// DisputeRecord stores a dispute; evidence is kept as a JSON array.
type DisputeRecord struct {
	ID           string `gorm:"type:varchar(64);primaryKey"`
	EscrowID     string `gorm:"type:varchar(64);index;not null"`
	RaisedBy     string `gorm:"type:varchar(16);not null"`
	RaisedByUser string `gorm:"type:varchar(128)"`
	Reason       string
	Description  string
	Evidence     string          `gorm:"type:text"`
	State        string          `gorm:"type:varchar(16);index;not null"`
	Action       string          `gorm:"type:varchar(32)"`
	Resolution   string          `gorm:"type:text"`
	RefundAmount decimal.Decimal `gorm:"type:numeric(14,2)"`
	CreatedAt    time.Time       `gorm:"autoCreateTime:false;index"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime:false"`
	ResolvedAt   *time.Time
}

func (DisputeRecord) TableName() string { return "disputes" }

// NotificationRecord stores a user notification.
type NotificationRecord struct {
	ID        string `gorm:"type:varchar(64);primaryKey"`
	UserID    string `gorm:"type:varchar(128);index;not null"`
	EscrowID  string `gorm:"type:varchar(64);index"`
	Type      string `gorm:"type:varchar(64);not null"`
	Title     string
	Message   string `gorm:"type:text"`
	ActionRef string
	IsRead    bool      `gorm:"index"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;index"`
	ReadAt    *time.Time
}

func (NotificationRecord) TableName() string { return "notifications" }

// IdempotencyKey stores the first response produced for a client key.
type IdempotencyKey struct {
	Key       string `gorm:"column:idem_key;type:varchar(255);primaryKey"`
	Method    string `gorm:"type:varchar(16)"`
	Path      string
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EscrowRecord{},
		&TransactionRecord{},
		&DisputeRecord{},
		&NotificationRecord{},
		&IdempotencyKey{},
	)
}

func escrowToRecord(e *escrow.Escrow) (EscrowRecord, error) {
	tags, err := json.Marshal(e.Listing.Tags)
	if err != nil {
		return EscrowRecord{}, err
	}
	return EscrowRecord{
		ID:                e.ID,
		Version:           e.Version,
		SellerID:          e.SellerID,
		BuyerID:           e.BuyerID,
		BuyerName:         e.Buyer.Name,
		BuyerEmail:        e.Buyer.Email,
		BuyerCountry:      e.Buyer.Country,
		ProjectID:         e.Listing.ProjectID,
		Title:             e.Listing.Title,
		Description:       e.Listing.Description,
		SearchTitle:       escrow.FoldText(e.Listing.Title),
		SearchDescription: escrow.FoldText(e.Listing.Description),
		Category:          e.Listing.Category,
		Tags:              string(tags),
		Price:             e.Price,
		LicenseType:       string(e.LicenseType),
		PlatformFee:       e.PlatformFee,
		SellerPayout:      e.SellerPayout,
		State:             string(e.State),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
		PaymentDeadline:   e.PaymentDeadline,
		ReservedUntil:     e.ReservedUntil,
		ReleasedAt:        e.ReleasedAt,
		CancelledAt:       e.CancelledAt,
		DisputeRaisedAt:   e.DisputeRaisedAt,
		DisputeResolvedAt: e.DisputeResolvedAt,
		AccessToken:       e.AccessToken,
		DownloadCount:     e.DownloadCount,
		MaxDownloads:      e.MaxDownloads,
		OpenDisputeID:     e.OpenDisputeID,
		HoldReason:        e.HoldReason,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (r EscrowRecord) toEscrow() (*escrow.Escrow, error) {
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, err
		}
	}
	return &escrow.Escrow{
		ID:       r.ID,
		Version:  r.Version,
		SellerID: r.SellerID,
		BuyerID:  r.BuyerID,
		Buyer:    escrow.Contact{Name: r.BuyerName, Email: r.BuyerEmail, Country: r.BuyerCountry},
		Listing: escrow.Listing{
			ProjectID:   r.ProjectID,
			Title:       r.Title,
			Description: r.Description,
			Category:    r.Category,
			Tags:        tags,
		},
		Price:             r.Price,
		LicenseType:       escrow.LicenseType(r.LicenseType),
		PlatformFee:       r.PlatformFee,
		SellerPayout:      r.SellerPayout,
		State:             escrow.State(r.State),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		PaymentDeadline:   r.PaymentDeadline.UTC(),
		ReservedUntil:     utcPtr(r.ReservedUntil),
		ReleasedAt:        utcPtr(r.ReleasedAt),
		CancelledAt:       utcPtr(r.CancelledAt),
		DisputeRaisedAt:   utcPtr(r.DisputeRaisedAt),
		DisputeResolvedAt: utcPtr(r.DisputeResolvedAt),
		AccessToken:       r.AccessToken,
		DownloadCount:     r.DownloadCount,
		MaxDownloads:      r.MaxDownloads,
		OpenDisputeID:     r.OpenDisputeID,
		HoldReason:        r.HoldReason,
	}, nil
}

func transactionToRecord(t escrow.Transaction) TransactionRecord {
	return TransactionRecord{
		ID:            t.ID,
		EscrowID:      t.EscrowID,
		Seq:           t.Seq,
		Type:          string(t.Type),
		Status:        string(t.Status),
		Amount:        t.Amount,
		GatewayRef:    t.GatewayRef,
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func (r TransactionRecord) toTransaction() escrow.Transaction {
	return escrow.Transaction{
		ID:            r.ID,
		EscrowID:      r.EscrowID,
		Seq:           r.Seq,
		Type:          escrow.TransactionType(r.Type),
		Status:        escrow.TransactionStatus(r.Status),
		Amount:        r.Amount,
		GatewayRef:    r.GatewayRef,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func disputeToRecord(d escrow.Dispute) (DisputeRecord, error) {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return DisputeRecord{}, err
	}
	return DisputeRecord{
		ID:           d.ID,
		EscrowID:     d.EscrowID,
		RaisedBy:     string(d.RaisedBy),
		RaisedByUser: d.RaisedByUser,
		Reason:       d.Reason,
		Description:  d.Description,
		Evidence:     string(evidence),
		State:        string(d.State),
		Action:       d.Action,
		Resolution:   d.Resolution,
		RefundAmount: d.RefundAmount,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		ResolvedAt:   d.ResolvedAt,
	}, nil
}

func (r DisputeRecord) toDispute() (escrow.Dispute, error) {
	var evidence []escrow.Evidence
	if r.Evidence != "" {
		if err := json.Unmarshal([]byte(r.Evidence), &evidence); err != nil {
			return escrow.Dispute{}, err
		}
	}
	return escrow.Dispute{
		ID:           r.ID,
		EscrowID:     r.EscrowID,
		RaisedBy:     escrow.Party(r.RaisedBy),
		RaisedByUser: r.RaisedByUser,
		Reason:       r.Reason,
		Description:  r.Description,
		Evidence:     evidence,
		State:        escrow.DisputeState(r.State),
		Action:       r.Action,
		Resolution:   r.Resolution,
		RefundAmount: r.RefundAmount,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		ResolvedAt:   utcPtr(r.ResolvedAt),
	}, nil
}

func notificationToRecord(n escrow.Notification) NotificationRecord {
	return NotificationRecord{
		ID:        n.ID,
		UserID:    n.UserID,
		EscrowID:  n.EscrowID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		ActionRef: n.ActionRef,
		IsRead:    n.IsRead,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	}
}

func (r NotificationRecord) toNotification() escrow.Notification {
	return escrow.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		EscrowID:  r.EscrowID,
		Type:      escrow.NotificationType(r.Type),
		Title:     r.Title,
		Message:   r.Message,
		ActionRef: r.ActionRef,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt.UTC(),
		ReadAt:    utcPtr(r.ReadAt),
	}
}
