package escrowd

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"digimarket/native/escrow"
	"digimarket/observability/logging"
	"digimarket/services/escrowd/payments"
)

type createEscrowRequest struct {
	Listing         escrow.Listing  `json:"listing"`
	Price           decimal.Decimal `json:"price"`
	LicenseType     string          `json:"licenseType"`
	PaymentDeadline time.Time       `json:"paymentDeadline"`
}

// CreateEscrow opens a sale for the calling seller.
func (s *Server) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createEscrowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "create", err)
		return
	}
	esc, err := s.engine.CreateEscrow(r.Context(), escrow.CreateParams{
		SellerID:        caller.ID,
		Listing:         req.Listing,
		Price:           req.Price,
		LicenseType:     req.LicenseType,
		PaymentDeadline: req.PaymentDeadline,
	})
	if err != nil {
		s.writeError(w, r, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, escrowView(esc, caller))
}

// GetEscrow returns one escrow, redacted for non-parties.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	esc, err := s.engine.Get(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(esc, caller))
}

// ListEscrows lists the caller's escrows. Query parameters: role=seller|buyer
// (default seller), state, q and limit. Admins may pass seller or buyer ids.
func (s *Server) ListEscrows(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var filter escrow.Filter
	switch strings.ToLower(strings.TrimSpace(q.Get("role"))) {
	case "", "seller":
		filter.SellerID = caller.ID
	case "buyer":
		filter.BuyerID = caller.ID
	case "any":
		if !caller.IsAdmin() {
			s.writeError(w, r, "list", errForbidden)
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "role must be seller, buyer or any", Code: "invalid_terms"})
		return
	}
	if caller.IsAdmin() {
		if v := strings.TrimSpace(q.Get("seller")); v != "" {
			filter.SellerID = v
		}
		if v := strings.TrimSpace(q.Get("buyer")); v != "" {
			filter.BuyerID = v
		}
	}
	for _, raw := range q["state"] {
		state, err := escrow.ParseState(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_terms"})
			return
		}
		filter.States = append(filter.States, state)
	}
	filter.Text = strings.TrimSpace(q.Get("q"))
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Code: "invalid_terms"})
			return
		}
		filter.Limit = limit
	}
	list, err := s.query.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowViews(list, caller))
}

// AvailableEscrows lists the escrows a buyer could purchase now.
func (s *Server) AvailableEscrows(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	list, err := s.query.Available(r.Context())
	if err != nil {
		s.writeError(w, r, "available", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowViews(list, caller))
}

// SearchEscrows matches ?q= against listing titles and descriptions.
func (s *Server) SearchEscrows(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "q is required", Code: "invalid_terms"})
		return
	}
	list, err := s.query.Search(r.Context(), text)
	if err != nil {
		s.writeError(w, r, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowViews(list, caller))
}

// EscrowStats reports marketplace-wide aggregates.
func (s *Server) EscrowStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.query.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// EscrowTransactions lists the monetary records of one escrow.
func (s *Server) EscrowTransactions(w http.ResponseWriter, r *http.Request) {
	esc, _, ok := s.loadForParty(w, r, "transactions", param(r, "id"))
	if !ok {
		return
	}
	txs, err := s.engine.Transactions(r.Context(), esc.ID)
	if err != nil {
		s.writeError(w, r, "transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

type purchaseResponse struct {
	Escrow  *escrow.Escrow      `json:"escrow"`
	Payment *escrow.Transaction `json:"payment,omitempty"`
	Pending bool                `json:"pending"`
}

// Purchase claims the escrow for the caller and authorizes the payment. A
// pending authorization leaves the claim in place until the gateway webhook
// settles it; a failed one reopens the escrow.
func (s *Server) Purchase(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var billing escrow.BillingInfo
	if err := decodeJSON(w, r, &billing); err != nil {
		s.writeError(w, r, "purchase", err)
		return
	}
	id := param(r, "id")
	claimed, payment, err := s.engine.InitiatePurchase(r.Context(), id, caller.ID, billing)
	if err != nil {
		s.writeError(w, r, "purchase", err)
		return
	}
	result, err := s.gateway.Authorize(r.Context(), payments.Charge{
		EscrowID:       claimed.ID,
		PaymentID:      payment.ID,
		Amount:         payment.Amount,
		Method:         billing.PaymentMethod,
		Billing:        billing,
		IdempotencyKey: payment.ID,
	})
	if err != nil {
		s.logger.Warn("payment authorization failed",
			slog.String("escrow_id", claimed.ID),
			logging.MaskEmail("billing_email", billing.Email),
			slog.Any("error", err))
		result = payments.Result{Reason: "payment gateway unavailable"}
	}
	if result.Pending {
		writeJSON(w, http.StatusAccepted, purchaseResponse{Escrow: escrowView(claimed, caller), Payment: payment, Pending: true})
		return
	}
	settled, err := s.engine.ConfirmPayment(r.Context(), id, result.GatewayResult(payment.ID))
	if err != nil {
		s.writeError(w, r, "confirm_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse{Escrow: escrowView(settled, caller)})
}

// PaymentWebhook settles a pending payment from a signed gateway callback.
// Failed payments are acknowledged once recorded so the gateway stops
// retrying.
func (s *Server) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unable to read body", Code: "invalid_terms"})
		return
	}
	hook, result, err := payments.ParseWebhook(s.webhookSecret, body, r.Header.Get(payments.HeaderSignature))
	if err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			s.logger.Warn("payment webhook signature rejected", slog.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature", Code: "unauthorized"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_terms"})
		return
	}
	if result.Pending {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	esc, err := s.engine.ConfirmPayment(r.Context(), hook.EscrowID, result.GatewayResult(hook.PaymentID))
	if err != nil && !errors.Is(err, escrow.ErrGatewayFailure) {
		s.writeError(w, r, "payment_webhook", err)
		return
	}
	resp := map[string]string{"status": "recorded"}
	if esc != nil {
		resp["state"] = string(esc.State)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reclaim returns an unpaid listing to the seller after the deadline.
func (s *Server) Reclaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	esc, err := s.engine.ReclaimProject(r.Context(), param(r, "id"), caller.ID)
	if err != nil {
		s.writeError(w, r, "reclaim", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(esc, caller))
}

type downloadResponse struct {
	AccessToken        string `json:"accessToken"`
	DownloadCount      int    `json:"downloadCount"`
	MaxDownloads       int    `json:"maxDownloads"`
	DownloadsRemaining int    `json:"downloadsRemaining"`
}

// Download counts a download and hands back the token the file store honours.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	esc, err := s.engine.RegisterDownload(r.Context(), param(r, "id"), caller.ID)
	if err != nil {
		s.writeError(w, r, "download", err)
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{
		AccessToken:        esc.AccessToken,
		DownloadCount:      esc.DownloadCount,
		MaxDownloads:       esc.MaxDownloads,
		DownloadsRemaining: esc.DownloadsRemaining(),
	})
}

type holdRequest struct {
	Reason string `json:"reason"`
}

// PlaceOnHold freezes an unpaid escrow for review.
func (s *Server) PlaceOnHold(w http.ResponseWriter, r *http.Request) {
	caller, _ := s.caller(w, r)
	var req holdRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "hold", err)
		return
	}
	esc, err := s.engine.PlaceOnHold(r.Context(), param(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, "hold", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(esc, caller))
}

// LiftHold returns a held escrow to pending_payment.
func (s *Server) LiftHold(w http.ResponseWriter, r *http.Request) {
	caller, _ := s.caller(w, r)
	esc, err := s.engine.LiftHold(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, r, "lift_hold", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(esc, caller))
}

// CancelHold cancels a held escrow.
func (s *Server) CancelHold(w http.ResponseWriter, r *http.Request) {
	caller, _ := s.caller(w, r)
	esc, err := s.engine.CancelHold(r.Context(), param(r, "id"))
	if err != nil {
		s.writeError(w, r, "cancel_hold", err)
		return
	}
	writeJSON(w, http.StatusOK, escrowView(esc, caller))
}

// ListNotifications returns the caller's inbox; ?unread=true filters.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	notes, err := s.inbox.List(r.Context(), caller.ID, unread)
	if err != nil {
		s.writeError(w, r, "notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// MarkNotificationRead flips the read flag on one of the caller's notifications.
func (s *Server) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	n, err := s.inbox.MarkRead(r.Context(), param(r, "id"), caller.ID)
	if err != nil {
		s.writeError(w, r, "mark_read", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// StreamNotifications upgrades to a websocket carrying live notifications.
func (s *Server) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "streaming disabled", Code: "unavailable"})
		return
	}
	s.hub.ServeWS(w, r, caller.ID)
}
