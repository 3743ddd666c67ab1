package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"digimarket/native/escrow"
)

func testCharge() Charge {
	return Charge{
		EscrowID:       "esc-1",
		PaymentID:      "pay-1",
		Amount:         decimal.RequireFromString("79.99"),
		Method:         "tok_visa",
		Billing:        escrow.BillingInfo{Name: "Ada", Email: "ada@example.com"},
		IdempotencyKey: "pay-1",
	}
}

func TestHTTPGatewayAuthorize(t *testing.T) {
	var seen chargeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/charges" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "pay-1" {
			t.Fatalf("unexpected idempotency key %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(chargeResponse{Status: "succeeded", Reference: "ch_123"})
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL+"/", "key", time.Second)
	res, err := gw.Authorize(context.Background(), testCharge())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "ch_123", res.TransactionRef)
	require.Equal(t, "79.99", seen.Amount)
	require.Equal(t, "pay-1", seen.Reference)

	confirm := res.GatewayResult("pay-1")
	require.Equal(t, "pay-1", confirm.PaymentID)
	require.True(t, confirm.Success)
}

func TestHTTPGatewayMapsStatuses(t *testing.T) {
	cases := []struct {
		status      int
		body        chargeResponse
		wantSuccess bool
		wantPending bool
		wantErr     error
	}{
		{status: http.StatusOK, body: chargeResponse{Status: "declined", Reason: "insufficient funds"}},
		{status: http.StatusAccepted, body: chargeResponse{Status: "pending", Reference: "ch_9"}, wantPending: true},
		{status: http.StatusPaymentRequired, body: chargeResponse{Status: "failed"}},
		{status: http.StatusBadGateway, wantErr: escrow.ErrGatewayFailure},
		{status: http.StatusOK, body: chargeResponse{Status: "mystery"}, wantErr: ErrUnknownStatus},
	}
	for _, tc := range cases {
		tc := tc
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(tc.body)
		}))
		res, err := NewHTTPGateway(server.URL, "", time.Second).Authorize(context.Background(), testCharge())
		server.Close()
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("status %q: expected %v, got %v", tc.body.Status, tc.wantErr, err)
			}
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.wantSuccess, res.Success)
		require.Equal(t, tc.wantPending, res.Pending)
		if !tc.wantSuccess && !tc.wantPending && res.Reason == "" {
			t.Fatalf("expected a failure reason for %q", tc.body.Status)
		}
	}
}

func TestHTTPGatewayTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()
	_, err := NewHTTPGateway(url, "", 100*time.Millisecond).Authorize(context.Background(), testCharge())
	require.ErrorIs(t, err, escrow.ErrGatewayFailure)
}

func TestStaticGateway(t *testing.T) {
	res, err := StaticGateway{Approve: true}.Authorize(context.Background(), testCharge())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "static-pay-1", res.TransactionRef)

	res, err = StaticGateway{}.Authorize(context.Background(), testCharge())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "declined", res.Reason)
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{"escrow_id":"esc-1","reference":"pay-1","status":"succeeded","transaction_ref":"ch_1"}`)
	sig := Sign("whsec", body)

	hook, res, err := ParseWebhook("whsec", body, sig)
	require.NoError(t, err)
	require.Equal(t, "esc-1", hook.EscrowID)
	require.Equal(t, "pay-1", hook.PaymentID)
	require.True(t, res.Success)

	_, _, err = ParseWebhook("whsec", body, Sign("other", body))
	require.ErrorIs(t, err, ErrBadSignature)
	_, _, err = ParseWebhook("", body, sig)
	require.ErrorIs(t, err, ErrBadSignature)
	require.False(t, VerifySignature("whsec", body, "zz-not-hex"))

	missing := []byte(`{"status":"succeeded"}`)
	_, _, err = ParseWebhook("whsec", missing, Sign("whsec", missing))
	require.Error(t, err)
}
