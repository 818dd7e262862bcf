package multitenant

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

func TestValidateRule_Accepts(t *testing.T) {
	v := NewValidator(policy.Default().Parser())

	valid := []*rules.ExpenseRule{
		{ID: "r1", CompanyID: "acme", RuleType: rules.RuleTypeAmountLimit, Conditions: `{"limit": "250.50"}`},
		{ID: "r2", CompanyID: "acme", RuleType: rules.RuleTypeVendorRestriction, Conditions: `{"blockedVendors": "casino, bar"}`},
		{ID: "r3", CompanyID: "acme", RuleType: rules.RuleTypeApprovalRequired, CategoryID: "travel", Actions: `{"requireApproval": true}`},
		{ID: "r4", CompanyID: "acme", RuleType: rules.RuleTypeApprovalRequired, Conditions: `{"when": "expense.amount > 100"}`},
		{ID: "rule:2026.q1", CompanyID: "acme-eu_1", RuleType: rules.RuleTypeAmountLimit, Priority: -5},
	}
	for _, r := range valid {
		assert.NoError(t, v.ValidateRule(r), "rule %s", r.ID)
	}
}

func TestValidateRule_ReportsEveryProblem(t *testing.T) {
	v := NewValidator(policy.Default().Parser())

	err := v.ValidateRule(&rules.ExpenseRule{
		CompanyID:  "acme",
		RuleType:   "budget",
		Priority:   2_000_000,
		CategoryID: "-travel",
		Name:       strings.Repeat("x", 201),
	})
	require.Error(t, err)

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "invalid rule: "), msg)
	for _, want := range []string{
		"id is required",
		`ruleType "budget" must be one of: amount_limit, vendor_restriction, approval_required`,
		"priority 2000000 is out of range",
		`categoryId "-travel" must start with a letter or digit`,
		"name exceeds maximum length of 200",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateRule_Nil(t *testing.T) {
	v := NewValidator(policy.Default().Parser())
	assert.EqualError(t, v.ValidateRule(nil), "rule is required")
}

func TestValidateCompanyID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr string
	}{
		{name: "valid", id: "acme"},
		{name: "valid with separators", id: "acme.eu-1:prod_2"},
		{name: "empty", id: "", wantErr: "cannot be empty"},
		{name: "too long", id: strings.Repeat("a", 101), wantErr: "exceeds maximum of 100"},
		{name: "space", id: "acme corp", wantErr: "must start with a letter or digit"},
		{name: "leading dash", id: "-acme", wantErr: "must start with a letter or digit"},
		{name: "slash", id: "acme/eu", wantErr: "must start with a letter or digit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCompanyID(tt.id)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.IsType(t, &ValidationError{}, err)
		})
	}
}
