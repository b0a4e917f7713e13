package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flowpbx/callforward/internal/api/middleware"
	"github.com/flowpbx/callforward/internal/database"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/flowpbx/callforward/internal/numbers"
)

// updateNumberRequest is the JSON request body for POST /updateNumber.
type updateNumberRequest struct {
	PhoneNumber      string `json:"PhoneNumber"`
	ProductType      string `json:"ProductType"`
	ForwardToNumber  string `json:"ForwardToNumber"`
	VoiceConnectorID string `json:"VoiceConnectorId"`
}

// ruleResponse is the JSON shape of a committed forwarding rule.
type ruleResponse struct {
	PhoneNumber      string `json:"PhoneNumber"`
	ProductType      string `json:"ProductType"`
	ForwardToNumber  string `json:"ForwardToNumber,omitempty"`
	VoiceConnectorID string `json:"VoiceConnectorId,omitempty"`
	Status           string `json:"Status"`
	UpdatedAt        string `json:"UpdatedAt"`
}

func toRuleResponse(r *models.ForwardingRule) ruleResponse {
	return ruleResponse{
		PhoneNumber:      r.DialedNumber,
		ProductType:      string(r.ProductType),
		ForwardToNumber:  r.ForwardToNumber,
		VoiceConnectorID: r.VoiceConnectorID,
		Status:           string(r.Status),
		UpdatedAt:        r.UpdatedAt.Format(time.RFC3339),
	}
}

// numberResponse is one inventory entry in POST /queryNumber. E164PhoneNumber
// duplicates PhoneNumber for consoles that read the provider's field name.
type numberResponse struct {
	PhoneNumber      string `json:"PhoneNumber"`
	E164PhoneNumber  string `json:"E164PhoneNumber"`
	ProductType      string `json:"ProductType"`
	Status           string `json:"Status"`
	ForwardToNumber  string `json:"ForwardToNumber,omitempty"`
	VoiceConnectorID string `json:"VoiceConnectorId,omitempty"`
	Forwardable      bool   `json:"Forwardable"`
	Removable        bool   `json:"Removable"`
	UpdatedAt        string `json:"UpdatedAt,omitempty"`
}

type queryNumberResponse struct {
	PhoneNumbers       []numberResponse `json:"PhoneNumbers"`
	ForwardableNumbers []numberResponse `json:"ForwardableNumbers"`
	RemovableNumbers   []numberResponse `json:"RemovableNumbers"`
}

func toNumberResponses(states []numbers.NumberState) []numberResponse {
	items := make([]numberResponse, len(states))
	for i, st := range states {
		items[i] = numberResponse{
			PhoneNumber:      st.PhoneNumber,
			E164PhoneNumber:  st.PhoneNumber,
			ProductType:      st.ProductType,
			Status:           st.Status,
			ForwardToNumber:  st.ForwardToNumber,
			VoiceConnectorID: st.VoiceConnectorID,
			Forwardable:      st.Forwardable,
			Removable:        st.Removable,
		}
		if !st.UpdatedAt.IsZero() {
			items[i].UpdatedAt = st.UpdatedAt.Format(time.RFC3339)
		}
	}
	return items
}

type voiceConnectorResponse struct {
	VoiceConnectorID string `json:"VoiceConnectorId"`
	Name             string `json:"Name"`
}

type listVoiceConnectorsResponse struct {
	VoiceConnectors []voiceConnectorResponse `json:"VoiceConnectors"`
}

// numberHistoryRequest is the JSON request body for POST /numberHistory.
type numberHistoryRequest struct {
	PhoneNumber string `json:"PhoneNumber"`
	Limit       int    `json:"Limit"`
}

type auditEntryResponse struct {
	ID               string `json:"Id"`
	ForwardToNumber  string `json:"ForwardToNumber,omitempty"`
	VoiceConnectorID string `json:"VoiceConnectorId,omitempty"`
	Status           string `json:"Status"`
	Actor            string `json:"Actor"`
	ChangedAt        string `json:"ChangedAt"`
}

type numberHistoryResponse struct {
	PhoneNumber string               `json:"PhoneNumber"`
	Changes     []auditEntryResponse `json:"Changes"`
}

// actorContext tags ctx with the authenticated subject for the audit trail.
func actorContext(r *http.Request) context.Context {
	ctx := r.Context()
	if sub := middleware.SubjectFromContext(ctx); sub != "" {
		return database.WithActor(ctx, sub)
	}
	return ctx
}

// handleUpdateNumber forwards a number or associates it with a voice connector.
func (s *Server) handleUpdateNumber(w http.ResponseWriter, r *http.Request) {
	var req updateNumberRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateUpdateNumberRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rule, err := s.numbers.UpdateNumber(actorContext(r), numbers.UpdateRequest{
		PhoneNumber:      req.PhoneNumber,
		ProductType:      req.ProductType,
		ForwardToNumber:  req.ForwardToNumber,
		VoiceConnectorID: req.VoiceConnectorID,
	})
	if err != nil {
		writeServiceError(w, s.logger.With("dialed_number", req.PhoneNumber), "update number", err)
		return
	}

	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

func validateUpdateNumberRequest(req updateNumberRequest) string {
	if req.PhoneNumber == "" {
		return "PhoneNumber is required"
	}
	if msg := validateField("PhoneNumber", req.PhoneNumber, maxNumberLen); msg != "" {
		return msg
	}
	if msg := validateField("ForwardToNumber", req.ForwardToNumber, maxNumberLen); msg != "" {
		return msg
	}
	if msg := validateField("VoiceConnectorId", req.VoiceConnectorID, maxIDLen); msg != "" {
		return msg
	}
	return validateField("ProductType", req.ProductType, maxProductTypeLen)
}

// handleQueryNumber returns the merged number inventory.
func (s *Server) handleQueryNumber(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if errMsg := readOptionalJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	inv, err := s.numbers.QueryNumber(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, "query number", err)
		return
	}

	writeJSON(w, http.StatusOK, queryNumberResponse{
		PhoneNumbers:       toNumberResponses(inv.PhoneNumbers),
		ForwardableNumbers: toNumberResponses(inv.ForwardableNumbers),
		RemovableNumbers:   toNumberResponses(inv.RemovableNumbers),
	})
}

// handleListVoiceConnectors lists the trunks a number can be associated with.
func (s *Server) handleListVoiceConnectors(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if errMsg := readOptionalJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	trunks, err := s.numbers.ListVoiceConnectors(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, "list voice connectors", err)
		return
	}

	items := make([]voiceConnectorResponse, len(trunks))
	for i, t := range trunks {
		items[i] = voiceConnectorResponse{VoiceConnectorID: t.ID, Name: t.Name}
	}
	writeJSON(w, http.StatusOK, listVoiceConnectorsResponse{VoiceConnectors: items})
}

// handleNumberHistory returns the audit trail for one number, newest first.
func (s *Server) handleNumberHistory(w http.ResponseWriter, r *http.Request) {
	var req numberHistoryRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "PhoneNumber is required")
		return
	}
	if msg := validateField("PhoneNumber", req.PhoneNumber, maxNumberLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	entries, err := s.numbers.History(r.Context(), req.PhoneNumber, req.Limit)
	if err != nil {
		writeServiceError(w, s.logger.With("dialed_number", req.PhoneNumber), "number history", err)
		return
	}

	changes := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		changes[i] = auditEntryResponse{
			ID:               e.ID,
			ForwardToNumber:  e.ForwardToNumber,
			VoiceConnectorID: e.VoiceConnectorID,
			Status:           string(e.Status),
			Actor:            e.Actor,
			ChangedAt:        e.ChangedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, numberHistoryResponse{PhoneNumber: req.PhoneNumber, Changes: changes})
}
