package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/expensepolicy/rules"
)

// Evaluator decides whether an expense candidate is allowed by a rule
// snapshot. It keeps no rule state between calls and is safe for concurrent use.
type Evaluator struct {
	parser *Parser
}

// NewEvaluator creates an evaluator that parses rules with parser
func NewEvaluator(parser *Parser) *Evaluator {
	return &Evaluator{parser: parser}
}

var defaultEvaluator = sync.OnceValue(func() *Evaluator {
	parser, err := NewParser()
	if err != nil {
		panic(err)
	}
	return NewEvaluator(parser)
})

// Default returns the process-wide evaluator
func Default() *Evaluator {
	return defaultEvaluator()
}

// Evaluate runs the process-wide evaluator
func Evaluate(ruleSet []*rules.ExpenseRule, c Candidate) Verdict {
	return Default().Evaluate(ruleSet, c)
}

// Parser returns the parser the evaluator uses
func (e *Evaluator) Parser() *Parser {
	return e.parser
}

// Evaluate produces the verdict for c under ruleSet.
//
// Amount limits are checked before vendor restrictions, each in ascending
// priority order, and the first violation decides the reason. Approval
// requirements are reported independently of Allowed.
//
// Evaluate panics with *InvalidCandidateError when c fails Validate.
func (e *Evaluator) Evaluate(ruleSet []*rules.ExpenseRule, c Candidate) Verdict {
	if err := c.Validate(); err != nil {
		panic(err)
	}

	applicable := e.Applicable(ruleSet, c)
	verdict := Verdict{Allowed: true}
	fired := make(map[int]bool)

	for i, pr := range applicable {
		if limit, ok := pr.Condition.(AmountLimit); ok && limit.Exceeded(c.Amount) {
			verdict.Allowed = false
			verdict.Reason = fmt.Sprintf(reasonAmountLimitFmt, limit.Limit.String())
			verdict.RuleID = pr.Rule.ID
			fired[i] = true
			break
		}
	}

	if verdict.Allowed {
		for i, pr := range applicable {
			if vendors, ok := pr.Condition.(VendorRestriction); ok && vendors.Blocks(c.VendorName) {
				verdict.Allowed = false
				verdict.Reason = reasonVendor
				verdict.RuleID = pr.Rule.ID
				fired[i] = true
				break
			}
		}
	}

	for i, pr := range applicable {
		if _, ok := pr.Condition.(ApprovalRequirement); ok {
			verdict.RequiresApproval = true
			fired[i] = true
		}
	}

	for i, pr := range applicable {
		if fired[i] && !pr.Actions.IsZero() {
			verdict.Advisories = append(verdict.Advisories, Advisory{
				RuleID:          pr.Rule.ID,
				RequireApproval: pr.Actions.RequireApproval,
				Notify:          append([]string(nil), pr.Actions.Notify...),
			})
		}
	}

	return verdict
}

// Applicable returns the parsed rules that can affect c, ordered by
// ascending priority with ties kept in input order. Inactive, out of scope,
// malformed and guarded-out rules are dropped.
func (e *Evaluator) Applicable(ruleSet []*rules.ExpenseRule, c Candidate) []ParsedRule {
	out := make([]ParsedRule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r == nil || !r.IsActive || !r.AppliesToCategory(c.CategoryID) {
			continue
		}
		if r.CompanyID != "" && c.CompanyID != "" && r.CompanyID != c.CompanyID {
			continue
		}

		pr := e.parser.Parse(r)
		if !pr.Effective() || !pr.guardAllows(c) {
			continue
		}
		out = append(out, pr)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rule.Priority < out[j].Rule.Priority
	})
	return out
}
