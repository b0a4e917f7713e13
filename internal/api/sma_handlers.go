package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/flowpbx/callforward/internal/sma"
	"github.com/google/uuid"
)

// handleSMAEvent decodes one SIP media application invocation event and
// returns the actions chosen for it. Unknown event fields are ignored; the
// platform adds fields over time.
func (s *Server) handleSMAEvent(w http.ResponseWriter, r *http.Request) {
	var ev sma.Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, decodeErrorMessage(err))
		return
	}
	if ev.InvocationEventType == "" {
		writeError(w, http.StatusBadRequest, "InvocationEventType is required")
		return
	}
	if ev.CallDetails.TransactionID == "" {
		ev.CallDetails.TransactionID = uuid.NewString()
		s.logger.Warn("sma event without transaction id, assigned one",
			"transaction_id", ev.CallDetails.TransactionID,
			"event_type", string(ev.InvocationEventType),
		)
	}

	writeJSON(w, http.StatusOK, s.calls.Dispatch(r.Context(), &ev))
}
