package escrow

import "errors"

var (
	ErrInvalidTerms      = errors.New("escrow: invalid terms")
	ErrNotAvailable      = errors.New("escrow: not available")
	ErrNotPending        = errors.New("escrow: not awaiting payment")
	ErrInvalidState      = errors.New("escrow: invalid state")
	ErrExpired           = errors.New("escrow: payment deadline passed")
	ErrDeadlineNotPassed = errors.New("escrow: payment deadline not passed")
	ErrAlreadyClaimed    = errors.New("escrow: already claimed")
	ErrDuplicateDispute  = errors.New("escrow: dispute already open")
	ErrUnauthorized      = errors.New("escrow: unauthorized")
	ErrGatewayFailure    = errors.New("escrow: payment gateway failure")
	ErrQuotaExceeded     = errors.New("escrow: download quota exceeded")
	ErrNotFound          = errors.New("escrow: not found")
	ErrConflict          = errors.New("escrow: concurrent update conflict")
	ErrInvariant         = errors.New("escrow: invariant violated")

	// Store level failures.
	ErrVersionConflict  = errors.New("escrow store: version conflict")
	ErrTransactionFinal = errors.New("escrow store: transaction already final")
	ErrDisputeFinal     = errors.New("escrow store: dispute already final")
	ErrExists           = errors.New("escrow store: record exists")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidTerms, "invalid_terms"},
	{ErrNotAvailable, "not_available"},
	{ErrNotPending, "not_pending"},
	{ErrInvalidState, "invalid_state"},
	{ErrExpired, "expired"},
	{ErrDeadlineNotPassed, "deadline_not_passed"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrDuplicateDispute, "duplicate_dispute"},
	{ErrUnauthorized, "unauthorized"},
	{ErrGatewayFailure, "gateway_failure"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrInvariant, "invariant"},
	{ErrVersionConflict, "conflict"},
	{ErrTransactionFinal, "invariant"},
	{ErrDisputeFinal, "invariant"},
	{ErrExists, "exists"},
}

// Code returns a stable machine-readable code for err: "ok" for nil, the
// matching sentinel's code, or "internal".
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
