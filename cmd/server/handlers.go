package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/liamcoop/expensepolicy/gate"
	"github.com/liamcoop/expensepolicy/internal/logger"
	"github.com/liamcoop/expensepolicy/internal/pagination"
	"github.com/liamcoop/expensepolicy/multitenant"
	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "unhealthy",
				Error:  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Companies: len(s.manager.Companies()),
	})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")

	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	rule, err := req.toRule(id)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule payload", err)
		return
	}

	err = s.manager.AddRule(r.Context(), companyID, rule)
	s.metrics.RecordRuleWrite("create", err)
	if err != nil {
		respondStoreError(w, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")
	q := r.URL.Query()

	filter := rules.ListFilter{
		RuleType:   rules.RuleType(q.Get("ruleType")),
		CategoryID: q.Get("categoryId"),
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "active must be a boolean", err)
			return
		}
		filter.Active = &active
	}
	page, err := queryInt(q.Get("page"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "page must be an integer", err)
		return
	}
	pageSize, err := queryInt(q.Get("pageSize"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "pageSize must be an integer", err)
		return
	}

	list, err := s.manager.ListRules(r.Context(), companyID, filter)
	if err != nil {
		respondStoreError(w, "failed to list rules", err)
		return
	}

	var keep func(*rules.ExpenseRule) bool
	if search := strings.ToLower(strings.TrimSpace(q.Get("q"))); search != "" {
		keep = func(rule *rules.ExpenseRule) bool {
			return strings.Contains(strings.ToLower(rule.Name), search) ||
				strings.Contains(strings.ToLower(rule.ID), search)
		}
	}

	result := pagination.Paginate(list, keep, page, pageSize)
	respondJSON(w, http.StatusOK, RulesListResponse{
		Rules: result.Items,
		Meta:  result.Meta,
	})
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.manager.GetRule(r.Context(), companyID, ruleID)
	if err != nil {
		respondStoreError(w, "failed to get rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID != "" && req.ID != ruleID {
		respondError(w, http.StatusBadRequest, "rule id in body does not match the URL", nil)
		return
	}

	rule, err := req.toRule(ruleID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule payload", err)
		return
	}

	err = s.manager.UpdateRule(r.Context(), companyID, rule)
	s.metrics.RecordRuleWrite("update", err)
	if err != nil {
		respondStoreError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyId")
	ruleID := chi.URLParam(r, "ruleId")

	err := s.manager.DeleteRule(r.Context(), companyID, ruleID)
	s.metrics.RecordRuleWrite("delete", err)
	if err != nil {
		respondStoreError(w, "failed to delete rule", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	c, _, verdict, ok := s.evaluateRequest(w, r)
	if !ok {
		return
	}

	logger.Debug("expense evaluated",
		"company_id", c.CompanyID,
		"allowed", verdict.Allowed,
		"requires_approval", verdict.RequiresApproval,
		"rule_id", verdict.RuleID,
	)
	respondJSON(w, http.StatusOK, verdict)
}

// Submit handler: draft -> submitted
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	c, _, verdict, ok := s.evaluateRequest(w, r)
	if !ok {
		return
	}

	if err := gate.Submit(c, verdict); err != nil {
		s.respondRefusal(w, "submit", err, verdict)
		return
	}

	s.metrics.RecordGateDecision("submit", "permitted")
	respondJSON(w, http.StatusOK, TransitionResponse{
		Action:  "submit",
		From:    c.CurrentStatus,
		To:      policy.StatusSubmitted,
		Verdict: verdict,
	})
}

// Approve handler: submitted -> approved
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	c, req, verdict, ok := s.evaluateRequest(w, r)
	if !ok {
		return
	}

	if err := gate.Approve(c, verdict, gate.ParseRole(req.ActorRole)); err != nil {
		s.respondRefusal(w, "approve", err, verdict)
		return
	}

	s.metrics.RecordGateDecision("approve", "permitted")
	respondJSON(w, http.StatusOK, TransitionResponse{
		Action:  "approve",
		From:    c.CurrentStatus,
		To:      policy.StatusApproved,
		Verdict: verdict,
	})
}

// evaluateRequest decodes the expense, loads the company snapshot and
// evaluates it. It writes the error response itself and reports ok=false.
func (s *Server) evaluateRequest(w http.ResponseWriter, r *http.Request) (policy.Candidate, ExpenseRequest, policy.Verdict, bool) {
	companyID := chi.URLParam(r, "companyId")

	var req ExpenseRequest
	if !s.decode(w, r, &req) {
		return policy.Candidate{}, req, policy.Verdict{}, false
	}

	c, err := req.candidate(companyID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid expense", err)
		return policy.Candidate{}, req, policy.Verdict{}, false
	}

	snapshot, err := s.manager.Snapshot(r.Context(), companyID)
	if err != nil {
		respondStoreError(w, "failed to load rules", err)
		return policy.Candidate{}, req, policy.Verdict{}, false
	}

	start := time.Now()
	verdict := s.evaluator.Evaluate(snapshot, c)
	s.metrics.RecordEvaluation(verdict.Allowed, verdict.RequiresApproval, time.Since(start))

	return c, req, verdict, true
}

func (s *Server) respondRefusal(w http.ResponseWriter, action string, err error, verdict policy.Verdict) {
	var refusal *gate.RefusalError
	if !errors.As(err, &refusal) {
		respondError(w, http.StatusInternalServerError, "gate failed", err)
		return
	}

	s.metrics.RecordGateDecision(action, refusal.Code)

	status := http.StatusUnprocessableEntity
	if refusal.Code == gate.CodeApproverRoleRequired {
		status = http.StatusForbidden
	}
	respondJSON(w, status, RefusalResponse{
		Error:   refusal.Message,
		Code:    refusal.Code,
		Verdict: verdict,
	})
}

// decode reads a JSON body into dst and runs its validate tags
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// Helper functions

// queryInt parses an optional integer query parameter; absent means 0
func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondStoreError maps store and validation errors to HTTP statuses
func respondStoreError(w http.ResponseWriter, message string, err error) {
	var invalid *multitenant.ValidationError
	switch {
	case errors.As(err, &invalid):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, "rule already exists", err)
	case errors.Is(err, rules.ErrReadOnlyStore):
		respondError(w, http.StatusMethodNotAllowed, "rules are read-only", err)
	default:
		logger.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}
