package escrowd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"digimarket/gateway/middleware"
	"digimarket/native/escrow"
	"digimarket/services/escrowd/notify"
	"digimarket/services/escrowd/payments"
)

const maxBodyBytes = 1 << 20

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Engine        *escrow.Engine
	Query         *escrow.Query
	Inbox         *notify.Inbox
	Hub           *notify.Hub
	Gateway       payments.Gateway
	WebhookSecret string
	Responses     middleware.ResponseStore
	Auth          *middleware.Authenticator
	CORS          middleware.CORSConfig
	Limiter       *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// Server exposes the escrow operations over HTTP.
type Server struct {
	engine        *escrow.Engine
	query         *escrow.Query
	inbox         *notify.Inbox
	hub           *notify.Hub
	gateway       payments.Gateway
	webhookSecret string
	responses     middleware.ResponseStore
	auth          *middleware.Authenticator
	cors          middleware.CORSConfig
	limiter       *middleware.RateLimiter
	obs           *middleware.Observability
	logger        *slog.Logger

	router http.Handler
}

// NewServer constructs the router. Engine, Query and Inbox are required.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:        cfg.Engine,
		query:         cfg.Query,
		inbox:         cfg.Inbox,
		hub:           cfg.Hub,
		gateway:       cfg.Gateway,
		webhookSecret: cfg.WebhookSecret,
		responses:     cfg.Responses,
		auth:          cfg.Auth,
		cors:          cfg.CORS,
		limiter:       cfg.Limiter,
		obs:           cfg.Observability,
		logger:        logger,
	}
	if s.gateway == nil {
		s.gateway = payments.StaticGateway{Approve: true}
	}
	if s.auth == nil {
		s.auth = middleware.NewAuthenticator(middleware.AuthConfig{OptionalPaths: []string{"/healthz", "/metrics", "/v1/payments/webhook"}}, logger)
	}
	if s.limiter == nil {
		s.limiter = middleware.NewRateLimiter(nil, logger)
	}
	if s.obs == nil {
		s.obs = middleware.NewObservability(middleware.ObservabilityConfig{}, logger)
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)
	r.Use(middleware.CORS(s.cors))
	r.Use(s.auth.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		if s.responses != nil {
			api.Use(middleware.Idempotency(s.responses, s.logger))
		}
		api.Post("/payments/webhook", s.PaymentWebhook)

		api.Route("/escrows", func(er chi.Router) {
			er.Use(s.limiter.Middleware("escrows"))
			er.With(middleware.RequireRole(middleware.RoleSeller)).Post("/", s.CreateEscrow)
			er.Get("/", s.ListEscrows)
			er.Get("/available", s.AvailableEscrows)
			er.Get("/search", s.SearchEscrows)
			er.With(middleware.RequireRole(middleware.RoleAdmin)).Get("/stats", s.EscrowStats)

			er.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.GetEscrow)
				one.Get("/transactions", s.EscrowTransactions)
				one.With(middleware.RequireRole(middleware.RoleBuyer), s.limiter.Middleware("purchase")).Post("/purchase", s.Purchase)
				one.With(middleware.RequireRole(middleware.RoleSeller)).Post("/reclaim", s.Reclaim)
				one.With(middleware.RequireRole(middleware.RoleBuyer)).Post("/download", s.Download)
				one.With(middleware.RequireRole(middleware.RoleAdmin)).Post("/hold", s.PlaceOnHold)
				one.With(middleware.RequireRole(middleware.RoleAdmin)).Post("/hold/lift", s.LiftHold)
				one.With(middleware.RequireRole(middleware.RoleAdmin)).Post("/hold/cancel", s.CancelHold)
				one.With(s.limiter.Middleware("disputes")).Post("/disputes", s.RaiseDispute)
				one.Get("/disputes", s.EscrowDisputes)
			})
		})

		api.Route("/disputes/{id}", func(dr chi.Router) {
			dr.Use(s.limiter.Middleware("disputes"))
			dr.Get("/", s.GetDispute)
			dr.Post("/evidence", s.AddEvidence)
			dr.With(middleware.RequireRole(middleware.RoleAdmin)).Post("/review", s.ReviewDispute)
			dr.With(middleware.RequireRole(middleware.RoleAdmin)).Post("/resolve", s.ResolveDispute)
		})

		api.Route("/notifications", func(nr chi.Router) {
			nr.Get("/", s.ListNotifications)
			nr.Get("/stream", s.StreamNotifications)
			nr.Post("/{id}/read", s.MarkNotificationRead)
		})
	})
	return r
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", escrow.ErrInvalidTerms, err)
	}
	return nil
}

// statusFor maps an escrow error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_terms":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "expired":
		return http.StatusGone
	case "gateway_failure":
		return http.StatusPaymentRequired
	case "quota_exceeded":
		return http.StatusForbidden
	case "invariant":
		return http.StatusUnprocessableEntity
	case "not_available", "not_pending", "invalid_state", "deadline_not_passed",
		"already_claimed", "duplicate_dispute", "conflict", "exists":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports an engine failure. Ownership violations are logged at
// warn as a potential abuse signal.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := escrow.Code(err)
	status := statusFor(code)
	caller, _ := middleware.CallerFromContext(r.Context())
	switch {
	case code == "unauthorized":
		s.logger.Warn("unauthorized escrow operation",
			slog.String("op", op),
			slog.String("caller", caller.ID),
			slog.String("path", r.URL.Path))
	case status >= http.StatusInternalServerError:
		s.logger.Error("escrow operation failed",
			slog.String("op", op),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (middleware.Caller, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required", Code: "unauthenticated"})
		return middleware.Caller{}, false
	}
	return caller, true
}

func isParty(esc *escrow.Escrow, caller middleware.Caller) bool {
	return caller.IsAdmin() || esc.SellerID == caller.ID || (esc.BuyerID != "" && esc.BuyerID == caller.ID)
}

// escrowView hides the buyer contact and the access token from callers who
// are not entitled to them.
func escrowView(esc *escrow.Escrow, caller middleware.Caller) *escrow.Escrow {
	if esc == nil {
		return nil
	}
	view := esc.Clone()
	if caller.IsAdmin() {
		return view
	}
	if view.BuyerID != caller.ID {
		view.AccessToken = ""
	}
	if view.SellerID != caller.ID && view.BuyerID != caller.ID {
		view.Buyer = escrow.Contact{}
		view.BuyerID = ""
		view.OpenDisputeID = ""
		view.HoldReason = ""
	}
	return view
}

func escrowViews(list []*escrow.Escrow, caller middleware.Caller) []*escrow.Escrow {
	out := make([]*escrow.Escrow, 0, len(list))
	for _, esc := range list {
		out = append(out, escrowView(esc, caller))
	}
	return out
}

func param(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

var errForbidden = fmt.Errorf("%w: not a party to this escrow", escrow.ErrUnauthorized)

// loadForParty fetches the escrow in the URL and checks that the caller is a
// party to it.
func (s *Server) loadForParty(w http.ResponseWriter, r *http.Request, op, id string) (*escrow.Escrow, middleware.Caller, bool) {
	caller, ok := s.caller(w, r)
	if !ok {
		return nil, caller, false
	}
	esc, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, op, err)
		return nil, caller, false
	}
	if !isParty(esc, caller) {
		s.writeError(w, r, op, errForbidden)
		return nil, caller, false
	}
	return esc, caller, true
}
