package notify

import (
	"context"
	"strings"
	"time"

	"digimarket/native/escrow"
)

// Inbox is the owner-facing view of stored notifications.
type Inbox struct {
	store escrow.NotificationStore
	nowFn func() time.Time
}

// NewInbox wraps a notification store.
func NewInbox(store escrow.NotificationStore) *Inbox {
	return &Inbox{store: store, nowFn: time.Now}
}

// List returns the user's notifications, oldest first.
func (i *Inbox) List(ctx context.Context, userID string, unreadOnly bool) ([]escrow.Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, escrow.ErrUnauthorized
	}
	return i.store.Notifications(ctx, userID, unreadOnly)
}

// MarkRead flips the read flag. Only the owner may do so.
func (i *Inbox) MarkRead(ctx context.Context, id, userID string) (escrow.Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return escrow.Notification{}, escrow.ErrUnauthorized
	}
	return i.store.MarkNotificationRead(ctx, id, userID, i.nowFn().UTC())
}
