package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"digimarket/native/escrow"
)

// Charge is a single authorization request for an escrow's pending payment.
type Charge struct {
	EscrowID  string
	PaymentID string
	Amount    decimal.Decimal
	// Method is the opaque payment-method token captured by the client.
	Method  string
	Billing escrow.BillingInfo
	// IdempotencyKey lets the gateway collapse retried authorizations.
	IdempotencyKey string
}

// Result is the outcome of an authorization. Pending results settle later
// through the signed webhook.
type Result struct {
	Success        bool
	Pending        bool
	TransactionRef string
	Reason         string
}

// GatewayResult converts the outcome into the engine's confirmation input.
func (r Result) GatewayResult(paymentID string) escrow.GatewayResult {
	return escrow.GatewayResult{
		Success:        r.Success,
		PaymentID:      paymentID,
		TransactionRef: r.TransactionRef,
		Reason:         r.Reason,
	}
}

// Gateway authorizes charges with the external payment provider.
type Gateway interface {
	Authorize(ctx context.Context, charge Charge) (Result, error)
}

// GatewayFunc adapts a function into a Gateway.
type GatewayFunc func(ctx context.Context, charge Charge) (Result, error)

// Authorize implements Gateway.
func (f GatewayFunc) Authorize(ctx context.Context, charge Charge) (Result, error) {
	return f(ctx, charge)
}

// StaticGateway approves or declines every charge. Used for local runs.
type StaticGateway struct {
	Approve bool
	Reason  string
}

// Authorize implements Gateway.
func (g StaticGateway) Authorize(_ context.Context, charge Charge) (Result, error) {
	if !g.Approve {
		reason := g.Reason
		if reason == "" {
			reason = "declined"
		}
		return Result{Reason: reason}, nil
	}
	return Result{Success: true, TransactionRef: "static-" + charge.PaymentID}, nil
}

// HTTPGateway implements Gateway against a JSON charge API.
type HTTPGateway struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewHTTPGateway constructs an HTTP client with the given timeout.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	Amount    string `json:"amount"`
	Method    string `json:"payment_method"`
	Reference string `json:"reference"`
	Escrow    string `json:"escrow_id"`
	Name      string `json:"billing_name"`
	Email     string `json:"billing_email"`
	Country   string `json:"billing_country,omitempty"`
}

type chargeResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Authorize posts the charge and maps the provider status. Transport failures
// and 5xx responses are wrapped in escrow.ErrGatewayFailure.
func (g *HTTPGateway) Authorize(ctx context.Context, charge Charge) (Result, error) {
	if g == nil {
		return Result{}, fmt.Errorf("%w: gateway not configured", escrow.ErrGatewayFailure)
	}
	payload, err := json.Marshal(chargeRequest{
		Amount:    charge.Amount.StringFixed(2),
		Method:    charge.Method,
		Reference: charge.PaymentID,
		Escrow:    charge.EscrowID,
		Name:      charge.Billing.Name,
		Email:     charge.Billing.Email,
		Country:   charge.Billing.Country,
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if charge.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", charge.IdempotencyKey)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", escrow.ErrGatewayFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: status=%d", escrow.ErrGatewayFailure, resp.StatusCode)
	}
	var body chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", escrow.ErrGatewayFailure, err)
	}
	if resp.StatusCode >= 300 && body.Reason == "" {
		body.Reason = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return mapStatus(body.Status, body.Reference, body.Reason)
}

// ErrUnknownStatus is returned for provider statuses outside the known set.
var ErrUnknownStatus = errors.New("payments: unknown status")

func mapStatus(status, ref, reason string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "success", "approved", "captured", "paid":
		return Result{Success: true, TransactionRef: ref}, nil
	case "pending", "processing", "requires_action":
		return Result{Pending: true, TransactionRef: ref}, nil
	case "failed", "declined", "canceled", "cancelled", "error":
		if reason == "" {
			reason = "declined"
		}
		return Result{TransactionRef: ref, Reason: reason}, nil
	default:
		return Result{}, fmt.Errorf("%w %q", ErrUnknownStatus, status)
	}
}
