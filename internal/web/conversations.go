package web

import (
	"encoding/json"
	"net/http"

	"github.com/nugget/ember-agent/internal/convo"
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 50)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, "%v", err)
		return
	}

	list, err := s.store.Filtered(q.Get("state"), q.Get("budgetStatus"), limit)
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversations": list,
		"count":         len(list),
	})
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.Get(id)
	if err != nil {
		s.errorJSON(w, http.StatusNotFound, "conversation %s not found", id)
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.Exists(id) {
		s.errorJSON(w, http.StatusNotFound, "conversation %s not found", id)
		return
	}
	approvals := s.store.Approvals(id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

type approvalActionRequest struct {
	ApprovalID  int64    `json:"approvalId,omitempty"`
	Feedback    string   `json:"feedback,omitempty"`
	BudgetDelta *float64 `json:"budgetDelta,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, convo.ApprovalApproved)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, convo.ApprovalRejected)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, status string) {
	id := r.PathValue("id")
	if !s.store.Exists(id) {
		s.errorJSON(w, http.StatusNotFound, "conversation %s not found", id)
		return
	}

	var req approvalActionRequest
	if r.Body != nil {
		// An empty body is fine; feedback and delta are optional.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	}

	if err := s.store.SetApprovalStatus(id, req.ApprovalID, status, req.Feedback, s.now()); err != nil {
		s.errorJSON(w, http.StatusConflict, "cannot update approval: %v", err)
		return
	}
	if req.BudgetDelta != nil {
		if err := s.store.AdjustBudget(id, *req.BudgetDelta); err != nil {
			s.logger.Warn("cannot adjust budget after approval",
				"request_id", id, "error", err)
		}
	}
	s.loop.Wake()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"requestId": id,
	})
}
