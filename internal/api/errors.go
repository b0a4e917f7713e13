package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/numbers"
	"github.com/flowpbx/callforward/internal/provisioning"
)

// writeServiceError maps a management operation error to its HTTP status.
// Messages are passed through so the console can show them to the operator.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	var adapterErr *provisioning.AdapterError
	switch {
	case errors.Is(err, numbers.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provisioning.ErrNumberNotFound), errors.Is(err, database.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, provisioning.ErrCapabilityDenied):
		log.Warn(op+": provisioning capability denied", "error", err)
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &adapterErr):
		log.Error(op+": provisioning failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, database.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		log.Error(op+": rule store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error(op+": unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
