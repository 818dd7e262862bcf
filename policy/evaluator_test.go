package policy

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/liamcoop/expensepolicy/rules"
)

func amountRule(id string, priority int, conditions string) *rules.ExpenseRule {
	return &rules.ExpenseRule{
		ID:         id,
		RuleType:   rules.RuleTypeAmountLimit,
		Conditions: conditions,
		Priority:   priority,
		IsActive:   true,
	}
}

func vendorRule(id string, priority int, conditions string) *rules.ExpenseRule {
	return &rules.ExpenseRule{
		ID:         id,
		RuleType:   rules.RuleTypeVendorRestriction,
		Conditions: conditions,
		Priority:   priority,
		IsActive:   true,
	}
}

func approvalRule(id, categoryID string) *rules.ExpenseRule {
	return &rules.ExpenseRule{
		ID:         id,
		RuleType:   rules.RuleTypeApprovalRequired,
		Conditions: "{}",
		IsActive:   true,
		CategoryID: categoryID,
	}
}

func candidate(amount string, vendor, category string) Candidate {
	return Candidate{
		Amount:     decimal.RequireFromString(amount),
		VendorName: vendor,
		CategoryID: category,
	}
}

func TestEvaluate_NoActiveRules(t *testing.T) {
	inactive := amountRule("r1", 1, `{"limit": 10}`)
	inactive.IsActive = false

	for name, ruleSet := range map[string][]*rules.ExpenseRule{
		"nil":          nil,
		"empty":        {},
		"all inactive": {inactive},
	} {
		t.Run(name, func(t *testing.T) {
			v := Evaluate(ruleSet, candidate("999999", "Anyone", "travel"))
			if !v.Allowed || v.RequiresApproval || v.Reason != "" {
				t.Errorf("Expected allowed verdict without approval, got %+v", v)
			}
		})
	}
}

func TestEvaluate_AmountLimitBoundary(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{amountRule("cap", 1, `{"limit": 1000}`)}

	v := Evaluate(ruleSet, candidate("1000", "", ""))
	if !v.Allowed {
		t.Errorf("Expected amount equal to limit to be allowed, got %+v", v)
	}

	v = Evaluate(ruleSet, candidate("1000.01", "", ""))
	if v.Allowed {
		t.Fatal("Expected amount above limit to be rejected")
	}
	if !strings.Contains(v.Reason, "1000") {
		t.Errorf("Expected reason to mention 1000, got %q", v.Reason)
	}
	if v.RuleID != "cap" {
		t.Errorf("Expected rule ID 'cap', got %q", v.RuleID)
	}
}

func TestEvaluate_AmountLimitZeroOrAbsentIsNoLimit(t *testing.T) {
	for _, conditions := range []string{`{"limit": 0}`, `{}`, ``, `null`, `{"limit": "0.00"}`} {
		v := Evaluate([]*rules.ExpenseRule{amountRule("r", 1, conditions)}, candidate("1000000", "", ""))
		if !v.Allowed {
			t.Errorf("conditions %q: expected no limit, got %+v", conditions, v)
		}
	}
}

func TestEvaluate_AmountLimitAsString(t *testing.T) {
	v := Evaluate([]*rules.ExpenseRule{amountRule("r", 1, `{"limit": "250.50"}`)}, candidate("250.51", "", ""))
	if v.Allowed {
		t.Fatal("Expected string limit to be honoured")
	}
	if v.Reason != "Amount exceeds policy limit of 250.5" {
		t.Errorf("Unexpected reason %q", v.Reason)
	}
}

func TestEvaluate_FirstViolationByPriorityWins(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("loose", 5, `{"limit": 200}`),
		amountRule("strict", 1, `{"limit": 100}`),
		amountRule("not-violated", 0, `{"limit": 5000}`),
	}

	v := Evaluate(ruleSet, candidate("300", "", ""))
	if v.Allowed {
		t.Fatal("Expected rejection")
	}
	if v.RuleID != "strict" || v.Reason != "Amount exceeds policy limit of 100" {
		t.Errorf("Expected the priority 1 rule to decide, got %+v", v)
	}
}

func TestEvaluate_EqualPriorityKeepsInputOrder(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("first", 1, `{"limit": 10}`),
		amountRule("second", 1, `{"limit": 20}`),
	}

	v := Evaluate(ruleSet, candidate("50", "", ""))
	if v.RuleID != "first" {
		t.Errorf("Expected input order to break ties, got %q", v.RuleID)
	}
}

func TestEvaluate_VendorRestriction(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{vendorRule("v", 1, `{"blockedVendors": ["acme"]}`)}

	tests := []struct {
		vendor  string
		allowed bool
	}{
		{"ACME Corp", false},
		{"acme", false},
		{"Big Acme Supplies", false},
		{"Globex", true},
		{"", true},
		{"   ", true},
	}

	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			v := Evaluate(ruleSet, candidate("10", tt.vendor, ""))
			if v.Allowed != tt.allowed {
				t.Errorf("vendor %q: expected allowed=%v, got %+v", tt.vendor, tt.allowed, v)
			}
			if !tt.allowed && v.Reason != "Vendor restricted by policy" {
				t.Errorf("Unexpected reason %q", v.Reason)
			}
		})
	}
}

func TestEvaluate_VendorCommaSeparatedTokens(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{vendorRule("v", 1, `{"blockedVendors": " Initech , ,umbrella "}`)}

	if v := Evaluate(ruleSet, candidate("1", "Umbrella Corp", "")); v.Allowed {
		t.Error("Expected comma separated token to block")
	}
	// Blank tokens must not block every vendor
	if v := Evaluate(ruleSet, candidate("1", "Globex", "")); !v.Allowed {
		t.Errorf("Expected Globex to be allowed, got %+v", v)
	}
}

func TestEvaluate_AmountCheckedBeforeVendor(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		vendorRule("vendor", 0, `{"blockedVendors": ["acme"]}`),
		amountRule("amount", 9, `{"limit": 100}`),
	}

	v := Evaluate(ruleSet, candidate("500", "Acme", ""))
	if v.RuleID != "amount" || !strings.HasPrefix(v.Reason, "Amount exceeds") {
		t.Errorf("Expected the amount rule to decide, got %+v", v)
	}
}

func TestEvaluate_ApprovalRequiredCategoryScope(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{approvalRule("travel-approval", "travel")}

	if v := Evaluate(ruleSet, candidate("10", "", "travel")); !v.RequiresApproval || !v.Allowed {
		t.Errorf("Expected travel to require approval and stay allowed, got %+v", v)
	}
	if v := Evaluate(ruleSet, candidate("10", "", "office")); v.RequiresApproval {
		t.Errorf("Expected office not to require approval, got %+v", v)
	}
	if v := Evaluate(ruleSet, candidate("10", "", "")); v.RequiresApproval {
		t.Errorf("Expected uncategorised expense not to match a scoped rule, got %+v", v)
	}
}

func TestEvaluate_ApprovalIndependentOfAllowed(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("cap", 1, `{"limit": 100}`),
		approvalRule("approval", ""),
	}

	v := Evaluate(ruleSet, candidate("500", "", "office"))
	if v.Allowed || !v.RequiresApproval {
		t.Errorf("Expected rejected verdict that still requires approval, got %+v", v)
	}
}

func TestEvaluate_InactiveRulesIgnored(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("cap", 1, `{"limit": 1}`),
		vendorRule("vendor", 1, `{"blockedVendors": ["acme"]}`),
		approvalRule("approval", ""),
	}
	for _, r := range ruleSet {
		r.IsActive = false
	}

	v := Evaluate(ruleSet, candidate("1000", "Acme", "travel"))
	if !reflect.DeepEqual(v, Verdict{Allowed: true}) {
		t.Errorf("Expected inactive rules to have no effect, got %+v", v)
	}
}

func TestEvaluate_MalformedConditionsNeverMatch(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("garbage", 1, `{limit: 10`),
		amountRule("negative", 2, `{"limit": -5}`),
		amountRule("wrong-type", 3, `{"limit": [1]}`),
		amountRule("array", 4, `[1,2,3]`),
		vendorRule("bad-vendors", 1, `{"blockedVendors": 42}`),
		amountRule("bad-guard", 5, `{"limit": 1, "when": "expense.amount >"}`),
		amountRule("non-bool-guard", 6, `{"limit": 1, "when": "'text'"}`),
		{ID: "unknown-type", RuleType: "mileage", Conditions: `{"limit": 1}`, IsActive: true},
	}

	v := Evaluate(ruleSet, candidate("1000", "Globex", ""))
	if !v.Allowed || v.RequiresApproval {
		t.Errorf("Expected malformed rules to be ignored, got %+v", v)
	}
}

func TestEvaluate_MalformedActionsKeepCondition(t *testing.T) {
	r := amountRule("cap", 1, `{"limit": 10}`)
	r.Actions = `not json`

	v := Evaluate([]*rules.ExpenseRule{r}, candidate("20", "", ""))
	if v.Allowed {
		t.Error("Expected the condition to apply despite malformed actions")
	}
	if len(v.Advisories) != 0 {
		t.Errorf("Expected no advisories, got %+v", v.Advisories)
	}
}

func TestEvaluate_Advisories(t *testing.T) {
	capRule := amountRule("cap", 1, `{"limit": 10}`)
	capRule.Actions = `{"notify": ["finance@example.com"]}`
	quiet := amountRule("quiet", 2, `{"limit": 5}`)
	quiet.Actions = `{"notify": ["nobody"]}`
	approval := approvalRule("approval", "")
	approval.Actions = `{"requireApproval": true, "notify": "cfo, controller"}`
	approval.Priority = 3

	v := Evaluate([]*rules.ExpenseRule{capRule, quiet, approval}, candidate("20", "", "travel"))

	want := []Advisory{
		{RuleID: "cap", Notify: []string{"finance@example.com"}},
		{RuleID: "approval", RequireApproval: true, Notify: []string{"cfo", "controller"}},
	}
	if !reflect.DeepEqual(v.Advisories, want) {
		t.Errorf("Expected advisories %+v, got %+v", want, v.Advisories)
	}
}

func TestEvaluate_WhenGuard(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("weekend-vendor-cap", 1, `{"limit": 50, "when": "expense.vendorName.startsWith('Uber')"}`),
		approvalRule("big-spend", ""),
	}
	ruleSet[1].Conditions = `{"when": "expense.amount >= 1000"}`

	if v := Evaluate(ruleSet, candidate("80", "Uber Eats", "")); v.Allowed {
		t.Error("Expected guarded limit to apply to Uber vendors")
	}
	if v := Evaluate(ruleSet, candidate("80", "Lyft", "")); !v.Allowed {
		t.Errorf("Expected guarded limit to be skipped for other vendors, got %+v", v)
	}
	if v := Evaluate(ruleSet, candidate("1000", "Lyft", "")); !v.RequiresApproval {
		t.Error("Expected approval guard on amount to match")
	}
	if v := Evaluate(ruleSet, candidate("999.99", "Lyft", "")); v.RequiresApproval {
		t.Error("Expected approval guard on amount not to match")
	}
}

func TestEvaluate_CompanyScope(t *testing.T) {
	r := amountRule("cap", 1, `{"limit": 10}`)
	r.CompanyID = "acme"

	c := candidate("20", "", "")
	c.CompanyID = "globex"
	if v := Evaluate([]*rules.ExpenseRule{r}, c); !v.Allowed {
		t.Error("Expected another company's rule to be ignored")
	}

	c.CompanyID = "acme"
	if v := Evaluate([]*rules.ExpenseRule{r}, c); v.Allowed {
		t.Error("Expected own company's rule to apply")
	}

	c.CompanyID = ""
	if v := Evaluate([]*rules.ExpenseRule{r}, c); v.Allowed {
		t.Error("Expected rule to apply when the candidate has no company")
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	capRule := amountRule("cap", 1, `{"limit": 100, "when": "expense.categoryId == 'travel'"}`)
	capRule.Actions = `{"notify": ["finance"]}`
	ruleSet := []*rules.ExpenseRule{
		capRule,
		vendorRule("v", 2, `{"blockedVendors": ["acme"]}`),
		approvalRule("a", "travel"),
	}
	c := candidate("150", "Acme", "travel")

	first := Evaluate(ruleSet, c)
	second := Evaluate(ruleSet, c)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical verdicts, got %+v and %+v", first, second)
	}
}

func TestEvaluate_DoesNotMutateRules(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("b", 2, `{"limit": 100}`),
		amountRule("a", 1, `{"limit": 50}`),
	}
	before := []rules.ExpenseRule{*ruleSet[0], *ruleSet[1]}

	Evaluate(ruleSet, candidate("75", "", ""))

	if *ruleSet[0] != before[0] || *ruleSet[1] != before[1] {
		t.Error("Expected the rule snapshot to be left untouched")
	}
}

func TestEvaluate_Concurrent(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("cap", 1, `{"limit": 500, "when": "expense.amount > 0.0"}`),
		vendorRule("v", 2, `{"blockedVendors": ["acme"]}`),
		approvalRule("a", "travel"),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := decimal.NewFromInt(int64(i * 10))
			v := Evaluate(ruleSet, Candidate{Amount: amount, VendorName: "Globex", CategoryID: "travel"})
			if v.Allowed != (i*10 <= 500) || !v.RequiresApproval {
				errs <- fmt.Errorf("amount %s: unexpected verdict %+v", amount, v)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestEvaluate_PanicsOnInvalidCandidate(t *testing.T) {
	tests := map[string]Candidate{
		"negative amount": {Amount: decimal.NewFromInt(-1)},
		"unknown status":  {Amount: decimal.NewFromInt(1), CurrentStatus: "archived"},
	}

	for name, c := range tests {
		t.Run(name, func(t *testing.T) {
			defer func() {
				rec := recover()
				if rec == nil {
					t.Fatal("Expected Evaluate to panic")
				}
				err, ok := rec.(error)
				var invalid *InvalidCandidateError
				if !ok || !errors.As(err, &invalid) {
					t.Errorf("Expected *InvalidCandidateError, got %v", rec)
				}
			}()
			Evaluate(nil, c)
		})
	}
}

// End-to-end: a single amount cap rejects an expense over the limit
func TestEvaluate_AmountLimitScenario(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{amountRule("r1", 1, `{"limit": 500}`)}

	got := Evaluate(ruleSet, candidate("750", "Staples", ""))
	want := Verdict{
		Allowed:          false,
		Reason:           "Amount exceeds policy limit of 500",
		RequiresApproval: false,
		RuleID:           "r1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestApplicable_Ordering(t *testing.T) {
	ruleSet := []*rules.ExpenseRule{
		amountRule("c", 3, `{"limit": 1}`),
		amountRule("a", 1, `{"limit": 1}`),
		amountRule("broken", 0, `{`),
		approvalRule("b", ""),
	}
	ruleSet[3].Priority = 2

	applicable := Default().Applicable(ruleSet, candidate("1", "", ""))

	var ids []string
	for _, pr := range applicable {
		ids = append(ids, pr.Rule.ID)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Errorf("Expected [a b c], got %v", ids)
	}
}
