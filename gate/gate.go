// Package gate decides whether an expense may move to its next status,
// combining a policy verdict with the acting user's role.
package gate

import (
	"fmt"
	"strings"

	"github.com/liamcoop/expensepolicy/policy"
)

// Role is the acting user's role
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
	RoleManager    Role = "manager"
	RoleEmployee   Role = "employee"
)

// ParseRole normalizes a role name. Unknown roles are kept; they are simply unprivileged.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// IsApprover reports whether the role may approve expenses that require approval
func (r Role) IsApprover() bool {
	return r == RoleAdmin || r == RoleAccountant
}

// Refusal codes
const (
	CodePolicyViolation      = "POLICY_VIOLATION"
	CodeApproverRoleRequired = "APPROVER_ROLE_REQUIRED"
	CodeInvalidState         = "INVALID_STATE"
)

// MsgApproverRoleRequired is shown when an unprivileged actor tries to approve
const MsgApproverRoleRequired = "Approval requires an approver role"

// RefusalError is returned when a transition is not permitted
type RefusalError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RefusalError) Error() string {
	return e.Message
}

func refuse(code, message string) *RefusalError {
	return &RefusalError{Code: code, Message: message}
}

var transitions = map[policy.Status][]policy.Status{
	policy.StatusDraft:     {policy.StatusSubmitted, policy.StatusCancelled},
	policy.StatusSubmitted: {policy.StatusApproved, policy.StatusCancelled},
	policy.StatusApproved:  {policy.StatusPaid},
}

// CanTransition reports whether the expense state machine has an edge from -> to
func CanTransition(from, to policy.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkEdge validates the status edge when the candidate carries a status
func checkEdge(c policy.Candidate, to policy.Status) error {
	if c.CurrentStatus == "" || CanTransition(c.CurrentStatus, to) {
		return nil
	}
	return refuse(CodeInvalidState, fmt.Sprintf("Cannot move expense from %s to %s", c.CurrentStatus, to))
}

// Submit permits draft -> submitted only when the verdict allows the expense
func Submit(c policy.Candidate, v policy.Verdict) error {
	if err := checkEdge(c, policy.StatusSubmitted); err != nil {
		return err
	}
	if !v.Allowed {
		return refuse(CodePolicyViolation, v.Reason)
	}
	return nil
}

// Approve permits submitted -> approved. When the verdict requires approval
// the actor must hold an approver role; otherwise any actor may approve.
func Approve(c policy.Candidate, v policy.Verdict, actor Role) error {
	if err := checkEdge(c, policy.StatusApproved); err != nil {
		return err
	}
	if v.RequiresApproval && !actor.IsApprover() {
		return refuse(CodeApproverRoleRequired, MsgApproverRoleRequired)
	}
	return nil
}

// Cancel permits draft|submitted -> cancelled; policy is not consulted
func Cancel(c policy.Candidate) error {
	return checkEdge(c, policy.StatusCancelled)
}

// Pay permits approved -> paid; policy is not consulted
func Pay(c policy.Candidate) error {
	return checkEdge(c, policy.StatusPaid)
}
