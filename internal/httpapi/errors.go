package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/roach88/medchain/internal/access"
	"github.com/roach88/medchain/internal/gate"
	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/ledger"
)

// Error codes outside the ledger's own.
const (
	CodeBadJSON      = "BAD_JSON"
	CodeBadRole      = "BAD_ROLE"
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeForbidden    = "FORBIDDEN"
	CodeInternal     = "INTERNAL"
	CodeUnavailable  = "UNAVAILABLE"
)

// writeFailure maps a domain error to a status and error code.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var lerr *ledger.Error
	switch {
	case errors.As(err, &lerr):
		// The genesis hash is the unlock secret; only duplicate hashes are echoed.
		var details any
		if lerr.Code == ledger.ErrCodeDuplicateHash && lerr.Hash != "" {
			details = map[string]string{"hash": lerr.Hash}
		}
		writeError(w, r, ledgerStatus(lerr.Code), string(lerr.Code), lerr.Message, details)
	case errors.Is(err, access.ErrGateDenied):
		writeError(w, r, http.StatusForbidden, CodeAccessDenied, access.ErrGateDenied.Error(), nil)
	case errors.Is(err, ir.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, "not found", nil)
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", requestID(r.Context()), "err", err)
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}

func ledgerStatus(code ledger.ErrorCode) int {
	switch code {
	case ledger.ErrCodeDuplicateHash, ledger.ErrCodeGenesisExists:
		return http.StatusConflict
	case ledger.ErrCodeUnknownSubject:
		return http.StatusNotFound
	case ledger.ErrCodeInvalidPayload:
		return http.StatusUnprocessableEntity
	case ledger.ErrCodeInvalidLane:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// stateStatus is the status of an unlock attempt that returned no error.
func stateStatus(s gate.State) int {
	if s == gate.Unlocked {
		return http.StatusOK
	}
	return http.StatusForbidden
}
