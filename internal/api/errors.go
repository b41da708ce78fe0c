package api

import (
	"errors"
	"net/http"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/session"
)

// writeError maps the error taxonomy onto HTTP statuses. Quota refusals
// are PermissionDenied underneath but get 429 so clients can back off
// instead of giving up.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	default:
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			status = http.StatusBadRequest
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
		case apperr.KindPermissionDenied:
			status = http.StatusForbidden
		case apperr.KindGitOperation, apperr.KindProvisioning:
			status = http.StatusBadGateway
		}
	}

	body := map[string]any{"error": apperr.Scrub(err.Error())}
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		body["kind"] = k.String()
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Output != "" {
		body["detail"] = ae.Output
	}
	writeJSON(w, status, body)
}
