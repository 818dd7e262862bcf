package rules

import (
	"errors"
	"time"
)

// RuleType selects how a rule's conditions are interpreted
type RuleType string

const (
	RuleTypeAmountLimit       RuleType = "amount_limit"
	RuleTypeVendorRestriction RuleType = "vendor_restriction"
	RuleTypeApprovalRequired  RuleType = "approval_required"
)

// IsValid reports whether t is one of the known rule types
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeAmountLimit, RuleTypeVendorRestriction, RuleTypeApprovalRequired:
		return true
	}
	return false
}

func (t RuleType) String() string {
	return string(t)
}

// ExpenseRule is a single expense governance rule as persisted by a RuleStore.
// Conditions and Actions hold serialized JSON objects and are interpreted by
// the policy package; the store never inspects them.
type ExpenseRule struct {
	ID         string    `json:"id" yaml:"id"`
	CompanyID  string    `json:"companyId" yaml:"companyId,omitempty"`
	Name       string    `json:"name" yaml:"name"`
	RuleType   RuleType  `json:"ruleType" yaml:"ruleType"`
	Conditions string    `json:"conditions" yaml:"-"`
	Actions    string    `json:"actions" yaml:"-"`
	Priority   int       `json:"priority" yaml:"priority"`
	IsActive   bool      `json:"isActive" yaml:"isActive"`
	CategoryID string    `json:"categoryId,omitempty" yaml:"categoryId,omitempty"`
	CreatedAt  time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"-"`
}

// Clone returns a copy of the rule that can be handed out without sharing state
func (r *ExpenseRule) Clone() *ExpenseRule {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// AppliesToCategory reports whether the rule is scoped to categoryID.
// Unscoped rules apply to every category.
func (r *ExpenseRule) AppliesToCategory(categoryID string) bool {
	return r.CategoryID == "" || r.CategoryID == categoryID
}

// ListFilter narrows RuleStore.List results. Zero values match everything.
type ListFilter struct {
	RuleType   RuleType
	CategoryID string
	Active     *bool
}

// Matches reports whether r passes the filter
func (f ListFilter) Matches(r *ExpenseRule) bool {
	if f.RuleType != "" && r.RuleType != f.RuleType {
		return false
	}
	if f.CategoryID != "" && r.CategoryID != f.CategoryID {
		return false
	}
	if f.Active != nil && r.IsActive != *f.Active {
		return false
	}
	return true
}

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrRuleExists    = errors.New("rule already exists")
	ErrReadOnlyStore = errors.New("rule store is read-only")
)
