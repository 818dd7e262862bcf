package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/liamcoop/expensepolicy/internal/logger"
	"github.com/liamcoop/expensepolicy/rules"
)

// Condition is the typed form of a rule's conditions payload. The concrete
// type always matches the rule type: AmountLimit, VendorRestriction,
// ApprovalRequirement, or Noop when the payload could not be parsed.
type Condition interface {
	ruleType() rules.RuleType
}

// AmountLimit vetoes expenses strictly above Limit. A non-positive limit means no limit.
type AmountLimit struct {
	Limit decimal.Decimal
}

func (AmountLimit) ruleType() rules.RuleType { return rules.RuleTypeAmountLimit }

// Exceeded reports whether amount is over the limit
func (c AmountLimit) Exceeded(amount decimal.Decimal) bool {
	return c.Limit.IsPositive() && amount.GreaterThan(c.Limit)
}

// VendorRestriction vetoes vendors whose name contains a blocked token.
// Tokens are stored trimmed and lower-cased.
type VendorRestriction struct {
	BlockedVendors []string
}

func (VendorRestriction) ruleType() rules.RuleType { return rules.RuleTypeVendorRestriction }

// Blocks reports whether vendorName contains any blocked token, ignoring case.
// An empty vendor name is never blocked.
func (c VendorRestriction) Blocks(vendorName string) bool {
	name := strings.ToLower(strings.TrimSpace(vendorName))
	if name == "" {
		return false
	}
	for _, token := range c.BlockedVendors {
		if strings.Contains(name, token) {
			return true
		}
	}
	return false
}

// ApprovalRequirement marks matching expenses as needing a privileged approver
type ApprovalRequirement struct{}

func (ApprovalRequirement) ruleType() rules.RuleType { return rules.RuleTypeApprovalRequired }

// Noop is the condition of a rule whose payload could not be parsed. It never matches.
type Noop struct {
	Cause error
}

func (Noop) ruleType() rules.RuleType { return "" }

// Actions is the typed form of a rule's actions payload
type Actions struct {
	RequireApproval bool
	Notify          []string
}

// IsZero reports whether no action is set
func (a Actions) IsZero() bool {
	return !a.RequireApproval && len(a.Notify) == 0
}

// ParsedRule pairs a stored rule with its typed payloads
type ParsedRule struct {
	Rule      *rules.ExpenseRule
	Condition Condition
	Actions   Actions
	guard     cel.Program
}

// Effective reports whether the rule can ever match
func (pr ParsedRule) Effective() bool {
	_, noop := pr.Condition.(Noop)
	return !noop
}

const whenKey = "when"

// DefaultProgramCacheSize bounds the number of compiled guards a Parser keeps
const DefaultProgramCacheSize = 1024

// Parser turns stored rule payloads into typed conditions. Successfully
// compiled CEL guards are kept in an LRU keyed by expression text; guards
// that fail to compile are never retained. Parser is safe for concurrent use.
type Parser struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// ParserOption configures a Parser
type ParserOption func(*parserOptions)

type parserOptions struct {
	programCacheSize int
}

// WithProgramCacheSize sets how many compiled guards are kept
func WithProgramCacheSize(n int) ParserOption {
	return func(o *parserOptions) {
		o.programCacheSize = n
	}
}

// NewParser creates a parser with the CEL environment used for "when" guards.
// Guards see a single map variable, expense, with the keys amount (double),
// vendorName, categoryId, status and companyId.
func NewParser(opts ...ParserOption) (*Parser, error) {
	o := parserOptions{programCacheSize: DefaultProgramCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	programs, err := lru.New[string, cel.Program](o.programCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard program cache: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("expense", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Parser{
		env:      env,
		programs: programs,
	}, nil
}

// Parse converts r into its typed form. It never fails: a malformed payload
// is logged and yields a Noop condition so the rule has no effect.
func (p *Parser) Parse(r *rules.ExpenseRule) ParsedRule {
	pr := ParsedRule{Rule: r}

	cond, guard, err := p.parseConditions(r.RuleType, r.Conditions)
	if err != nil {
		logger.Warn("ignoring rule with malformed conditions",
			"rule_id", r.ID,
			"rule_type", string(r.RuleType),
			"error", err,
		)
		pr.Condition = Noop{Cause: err}
		return pr
	}
	pr.Condition = cond
	pr.guard = guard

	actions, err := ParseActions(r.Actions)
	if err != nil {
		logger.Warn("ignoring malformed rule actions", "rule_id", r.ID, "error", err)
	}
	pr.Actions = actions

	return pr
}

// Check is the strict counterpart of Parse: it reports why a rule's
// conditions or actions would be ignored at evaluation time.
func (p *Parser) Check(r *rules.ExpenseRule) error {
	if _, _, err := p.parseConditions(r.RuleType, r.Conditions); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	if _, err := ParseActions(r.Actions); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	return nil
}

func (p *Parser) parseConditions(t rules.RuleType, raw string) (Condition, cel.Program, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, nil, err
	}

	var guard cel.Program
	if expr, ok := fields[whenKey]; ok {
		var src string
		if err := json.Unmarshal(expr, &src); err != nil {
			return nil, nil, fmt.Errorf("%q must be a string: %w", whenKey, err)
		}
		if guard, err = p.compile(src); err != nil {
			return nil, nil, err
		}
	}

	switch t {
	case rules.RuleTypeAmountLimit:
		var limit decimal.Decimal
		if v, ok := fields["limit"]; ok {
			if err := json.Unmarshal(v, &limit); err != nil {
				return nil, nil, fmt.Errorf("limit must be numeric: %w", err)
			}
			if limit.IsNegative() {
				return nil, nil, fmt.Errorf("limit must not be negative, got %s", limit)
			}
		}
		return AmountLimit{Limit: limit}, guard, nil

	case rules.RuleTypeVendorRestriction:
		tokens, err := decodeStringList(fields["blockedVendors"])
		if err != nil {
			return nil, nil, fmt.Errorf("blockedVendors: %w", err)
		}
		blocked := make([]string, 0, len(tokens))
		for _, token := range tokens {
			token = strings.ToLower(strings.TrimSpace(token))
			if token != "" {
				blocked = append(blocked, token)
			}
		}
		return VendorRestriction{BlockedVendors: blocked}, guard, nil

	case rules.RuleTypeApprovalRequired:
		return ApprovalRequirement{}, guard, nil

	default:
		return nil, nil, fmt.Errorf("unknown rule type %q", t)
	}
}

func (p *Parser) compile(src string) (cel.Program, error) {
	if prog, ok := p.programs.Get(src); ok {
		return prog, nil
	}

	prog, err := p.compileUncached(src)
	if err != nil {
		return nil, err
	}
	p.programs.Add(src, prog)
	return prog, nil
}

func (p *Parser) compileUncached(src string) (cel.Program, error) {
	ast, issues := p.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("when guard compile error: %w", issues.Err())
	}

	out := ast.OutputType()
	if !reflect.DeepEqual(out, cel.BoolType) && !reflect.DeepEqual(out, cel.DynType) {
		return nil, fmt.Errorf("when guard must evaluate to bool, got %s", out)
	}

	prog, err := p.env.Program(ast, cel.CostLimit(100000))
	if err != nil {
		return nil, fmt.Errorf("when guard program error: %w", err)
	}
	return prog, nil
}

// guardAllows evaluates the rule's "when" guard. Rules without a guard
// always apply; evaluation errors and non-boolean results do not.
func (pr ParsedRule) guardAllows(c Candidate) bool {
	if pr.guard == nil {
		return true
	}

	out, _, err := pr.guard.Eval(map[string]any{
		"expense": map[string]any{
			"amount":     c.Amount.InexactFloat64(),
			"vendorName": c.VendorName,
			"categoryId": c.CategoryID,
			"status":     string(c.CurrentStatus),
			"companyId":  c.CompanyID,
		},
	})
	if err != nil {
		logger.Debug("when guard evaluation failed", "rule_id", pr.Rule.ID, "error", err)
		return false
	}

	matched, ok := out.Value().(bool)
	return ok && matched
}

// ParseActions decodes an actions payload. Unknown keys are ignored.
func ParseActions(raw string) (Actions, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return Actions{}, err
	}

	var a Actions
	if v, ok := fields["requireApproval"]; ok {
		if err := json.Unmarshal(v, &a.RequireApproval); err != nil {
			return Actions{}, fmt.Errorf("requireApproval must be a boolean: %w", err)
		}
	}
	if a.Notify, err = decodeStringList(fields["notify"]); err != nil {
		return Actions{}, fmt.Errorf("notify: %w", err)
	}
	return a, nil
}

// decodeObject decodes a JSON object; blank text and null are empty objects
func decodeObject(raw string) (map[string]json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]json.RawMessage{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

var errNotStringList = errors.New("must be a list of strings or a comma separated string")

// decodeStringList accepts ["a","b"] or "a, b"; absent or null yields nil
func decodeStringList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err != nil {
		return nil, errNotStringList
	}
	var out []string
	for _, part := range strings.Split(joined, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}
