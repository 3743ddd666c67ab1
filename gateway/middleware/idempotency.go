package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderIdempotencyKey carries the client-chosen retry key.
const HeaderIdempotencyKey = "Idempotency-Key"

// ResponseStore persists the first response produced for an idempotency key.
// storage.Ledger and sqlstore.Store implement it.
type ResponseStore interface {
	LookupResponse(ctx context.Context, key string) (status int, body []byte, found bool, err error)
	SaveResponse(ctx context.Context, key, method, path string, status int, body []byte) error
}

// Idempotency replays the stored response when a mutating request repeats an
// Idempotency-Key. Keys are scoped per caller and route, and 5xx responses are
// not stored so the client may retry them.
func Idempotency(store ResponseStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			scoped := scopeKey(r, key)
			status, body, found, err := store.LookupResponse(r.Context(), scoped)
			if err != nil {
				logger.Error("idempotency lookup failed", slog.Any("error", err))
				writeError(w, http.StatusInternalServerError, "idempotency lookup failed")
				return
			}
			if found {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(status)
				_, _ = w.Write(body)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			if err := store.SaveResponse(r.Context(), scoped, r.Method, r.URL.Path, recorder.status, recorder.buf.Bytes()); err != nil {
				logger.Warn("idempotency save failed", slog.Any("error", err))
			}
		})
	}
}

func scopeKey(r *http.Request, key string) string {
	owner := "anonymous"
	if caller, ok := CallerFromContext(r.Context()); ok {
		owner = caller.ID
	}
	return owner + "|" + r.Method + " " + r.URL.Path + "|" + key
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
