package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/nugget/ember-agent/internal/convo"
)

// scriptTagPattern strips script elements from incoming content. The
// stored text feeds the dashboard, so it must never carry live markup.
var scriptTagPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>|<script\b[^>]*/?>`)

type messageRequest struct {
	Content          string            `json:"content"`
	ID               string            `json:"id,omitempty"`
	EnergyBudget     *float64          `json:"energyBudget,omitempty"`
	ApprovalResponse *approvalResponse `json:"approvalResponse,omitempty"`
}

type approvalResponse struct {
	ApprovalID  int64    `json:"approvalId,omitempty"`
	Approved    bool     `json:"approved"`
	Feedback    string   `json:"feedback,omitempty"`
	BudgetDelta *float64 `json:"budgetDelta,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorJSON(w, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxBodyBytes)
			return
		}
		s.errorJSON(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return
	}

	if req.ApprovalResponse != nil {
		s.handleApprovalResponse(w, req)
		return
	}

	if req.Content == "" {
		s.errorJSON(w, http.StatusBadRequest, "content must be a non-empty string")
		return
	}
	if len(req.Content) > s.cfg.MaxMessageLength {
		s.errorJSON(w, http.StatusBadRequest, "content exceeds maximum length of %d characters", s.cfg.MaxMessageLength)
		return
	}
	if req.EnergyBudget != nil && *req.EnergyBudget < 0 {
		s.errorJSON(w, http.StatusBadRequest, "energyBudget must be >= 0")
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else if !validUUIDv4(id) {
		s.errorJSON(w, http.StatusBadRequest, "id must be a UUID v4")
		return
	}

	content := scriptTagPattern.ReplaceAllString(req.Content, "")

	if err := s.store.UpsertRequest(id, content, req.EnergyBudget); err != nil {
		s.logger.Error("cannot persist message", "request_id", id, "error", err)
		s.errorJSON(w, http.StatusInternalServerError, "cannot persist message")
		return
	}
	s.loop.EnqueueMessage(id)

	now := s.now()
	s.logger.Info("message received", "request_id", id, "length", len(content))
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"status":    "received",
		"requestId": id,
		"timestamp": now,
	})
}

// handleApprovalResponse mutates the latest pending approval for an
// existing conversation instead of creating a new one.
func (s *Server) handleApprovalResponse(w http.ResponseWriter, req messageRequest) {
	if req.ID == "" || !validUUIDv4(req.ID) {
		s.errorJSON(w, http.StatusBadRequest, "approvalResponse requires a valid conversation id")
		return
	}
	if !s.store.Exists(req.ID) {
		s.errorJSON(w, http.StatusNotFound, "conversation %s not found", req.ID)
		return
	}

	ar := req.ApprovalResponse
	status := convo.ApprovalRejected
	if ar.Approved {
		status = convo.ApprovalApproved
	}
	if err := s.store.SetApprovalStatus(req.ID, ar.ApprovalID, status, ar.Feedback, s.now()); err != nil {
		s.errorJSON(w, http.StatusConflict, "cannot update approval: %v", err)
		return
	}
	if ar.BudgetDelta != nil {
		if err := s.store.AdjustBudget(req.ID, *ar.BudgetDelta); err != nil {
			s.logger.Warn("cannot adjust budget after approval",
				"request_id", req.ID, "error", err)
		}
	}
	s.loop.Wake()

	s.logger.Info("approval response processed",
		"request_id", req.ID, "status", status)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "approval " + status,
		"requestId": req.ID,
	})
}

func validUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4
}

func parseLimit(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}
