package policy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an expense
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusPaid, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus normalizes a status name; the empty string is returned unchanged
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "" || st.IsValid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown expense status %q", s)
}

// Candidate is an in-flight expense tested against policy before a state
// transition. It is never persisted by this package.
type Candidate struct {
	Amount        decimal.Decimal `json:"amount"`
	VendorName    string          `json:"vendorName,omitempty"`
	CategoryID    string          `json:"categoryId,omitempty"`
	CurrentStatus Status          `json:"currentStatus,omitempty"`
	CompanyID     string          `json:"companyId,omitempty"`
}

// Validate checks the preconditions Evaluate relies on
func (c Candidate) Validate() error {
	if c.Amount.IsNegative() {
		return &InvalidCandidateError{Field: "amount", Reason: "must not be negative"}
	}
	if c.CurrentStatus != "" && !c.CurrentStatus.IsValid() {
		return &InvalidCandidateError{Field: "currentStatus", Reason: fmt.Sprintf("unknown status %q", c.CurrentStatus)}
	}
	return nil
}

// InvalidCandidateError reports a caller bug: the candidate breaks a
// precondition of Evaluate. Evaluate panics with this value.
type InvalidCandidateError struct {
	Field  string
	Reason string
}

func (e *InvalidCandidateError) Error() string {
	return fmt.Sprintf("invalid expense candidate: %s %s", e.Field, e.Reason)
}

// Advisory carries the parsed actions of a rule that fired.
// Actions are informational and never executed by the engine.
type Advisory struct {
	RuleID          string   `json:"ruleId"`
	RequireApproval bool     `json:"requireApproval,omitempty"`
	Notify          []string `json:"notify,omitempty"`
}

// Verdict is the outcome of one evaluation
type Verdict struct {
	Allowed          bool       `json:"allowed"`
	Reason           string     `json:"reason,omitempty"`
	RequiresApproval bool       `json:"requiresApproval"`
	RuleID           string     `json:"ruleId,omitempty"`
	Advisories       []Advisory `json:"advisories,omitempty"`
}

const (
	reasonAmountLimitFmt = "Amount exceeds policy limit of %s"
	reasonVendor         = "Vendor restricted by policy"
)
