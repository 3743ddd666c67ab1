package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"digimarket/native/escrow"
	"digimarket/services/escrowd/payments"
)

// WebhookTransport posts notifications to an external delivery service
// (email/push fan-out), signing each body with HMAC-SHA256.
type WebhookTransport struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookTransport constructs a signed webhook transport.
func NewWebhookTransport(url, secret string) *WebhookTransport {
	return &WebhookTransport{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Transport.
func (t *WebhookTransport) Name() string { return "webhook" }

type webhookBody struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	EscrowID  string `json:"escrowId"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ActionRef string `json:"actionRef,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Deliver implements Transport. Any non-2xx response is an error.
func (t *WebhookTransport) Deliver(ctx context.Context, n escrow.Notification) error {
	payload, err := json.Marshal(webhookBody{
		ID:        n.ID,
		UserID:    n.UserID,
		EscrowID:  n.EscrowID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		ActionRef: n.ActionRef,
		Timestamp: n.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payments.HeaderSignature, payments.Sign(t.secret, payload))
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook: %s", resp.Status)
	}
	return nil
}
