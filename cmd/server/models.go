package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/expensepolicy/internal/pagination"
	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

// RuleRequest is the body of rule create and update requests.
// Conditions and actions may be sent as JSON objects or as JSON text.
type RuleRequest struct {
	ID         string          `json:"id,omitempty" validate:"omitempty,max=100"`
	Name       string          `json:"name" validate:"max=200"`
	RuleType   string          `json:"ruleType" validate:"required"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Actions    json.RawMessage `json:"actions,omitempty"`
	Priority   int             `json:"priority"`
	IsActive   *bool           `json:"isActive,omitempty"`
	CategoryID string          `json:"categoryId,omitempty" validate:"max=100"`
}

// toRule converts the request into a rule; new rules are active unless told otherwise
func (req RuleRequest) toRule(id string) (*rules.ExpenseRule, error) {
	conditions, err := payloadText(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("conditions: %w", err)
	}
	actions, err := payloadText(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	return &rules.ExpenseRule{
		ID:         id,
		Name:       req.Name,
		RuleType:   rules.RuleType(req.RuleType),
		Conditions: conditions,
		Actions:    actions,
		Priority:   req.Priority,
		IsActive:   active,
		CategoryID: req.CategoryID,
	}, nil
}

// payloadText returns the stored text form of a payload: a JSON string is
// unwrapped, anything else is kept as compact JSON
func payloadText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "{}", nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", err
		}
		return text, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RulesListResponse is a page of rules
type RulesListResponse struct {
	Rules []*rules.ExpenseRule `json:"rules"`
	Meta  pagination.Meta      `json:"meta"`
}

// ExpenseRequest is the candidate expense sent to evaluate, submit and approve
type ExpenseRequest struct {
	Amount        *decimal.Decimal `json:"amount" validate:"required"`
	VendorName    string           `json:"vendorName" validate:"max=200"`
	CategoryID    string           `json:"categoryId" validate:"max=100"`
	CurrentStatus string           `json:"currentStatus"`
	ActorRole     string           `json:"actorRole"`
}

// candidate validates the request and builds the candidate for companyID
func (req ExpenseRequest) candidate(companyID string) (policy.Candidate, error) {
	status, err := policy.ParseStatus(req.CurrentStatus)
	if err != nil {
		return policy.Candidate{}, err
	}

	c := policy.Candidate{
		Amount:        *req.Amount,
		VendorName:    req.VendorName,
		CategoryID:    req.CategoryID,
		CurrentStatus: status,
		CompanyID:     companyID,
	}
	if err := c.Validate(); err != nil {
		return policy.Candidate{}, err
	}
	return c, nil
}

// TransitionResponse is returned when the gate permits a transition
type TransitionResponse struct {
	Action  string         `json:"action"`
	From    policy.Status  `json:"from,omitempty"`
	To      policy.Status  `json:"to"`
	Verdict policy.Verdict `json:"verdict"`
}

// RefusalResponse is returned when the gate refuses a transition
type RefusalResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Verdict policy.Verdict `json:"verdict"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Companies int    `json:"companies"`
	Error     string `json:"error,omitempty"`
}
