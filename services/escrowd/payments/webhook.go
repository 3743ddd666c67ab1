package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HeaderSignature carries the hex HMAC-SHA256 of the webhook body.
const HeaderSignature = "X-Signature"

// ErrBadSignature is returned when a webhook signature does not verify.
var ErrBadSignature = errors.New("payments: invalid webhook signature")

// Webhook is the asynchronous settlement callback posted by the gateway.
type Webhook struct {
	EscrowID  string `json:"escrow_id"`
	PaymentID string `json:"reference"`
	Status    string `json:"status"`
	TxRef     string `json:"transaction_ref"`
	Reason    string `json:"reason,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of body under secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	if strings.TrimSpace(secret) == "" || strings.TrimSpace(signature) == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// ParseWebhook verifies and decodes a webhook body.
func ParseWebhook(secret string, body []byte, signature string) (Webhook, Result, error) {
	if !VerifySignature(secret, body, signature) {
		return Webhook{}, Result{}, ErrBadSignature
	}
	var hook Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return Webhook{}, Result{}, fmt.Errorf("decode webhook: %w", err)
	}
	if strings.TrimSpace(hook.EscrowID) == "" {
		return Webhook{}, Result{}, errors.New("webhook escrow_id required")
	}
	result, err := mapStatus(hook.Status, hook.TxRef, hook.Reason)
	if err != nil {
		return Webhook{}, Result{}, err
	}
	return hook, result, nil
}
