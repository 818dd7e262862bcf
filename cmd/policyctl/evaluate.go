package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/liamcoop/expensepolicy/gate"
	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

var evaluateFlags struct {
	company  string
	amount   string
	vendor   string
	category string
	status   string
	action   string
	role     string
	format   string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate an expense against a rule file",
	Long: `Evaluate one expense against the active rules of a YAML bundle and print
the verdict.

With --action the verdict is also passed through the approval gate, and the
command fails when the gate refuses the transition.

Examples:
  # Amount over a 500 limit
  policyctl evaluate --rules rules.yaml --company acme --amount 750

  # Submit a draft expense
  policyctl evaluate --amount 120 --vendor Staples --status draft --action submit

  # Approve as an employee
  policyctl evaluate --amount 120 --category travel --action approve --role employee --format json`,
	RunE: evaluateExpense,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evaluateFlags.company, "company", "", "company the expense belongs to; empty evaluates every rule")
	evaluateCmd.Flags().StringVar(&evaluateFlags.amount, "amount", "", "expense amount (required)")
	evaluateCmd.Flags().StringVar(&evaluateFlags.vendor, "vendor", "", "vendor name")
	evaluateCmd.Flags().StringVar(&evaluateFlags.category, "category", "", "category id")
	evaluateCmd.Flags().StringVar(&evaluateFlags.status, "status", "", "current status: draft, submitted, approved, paid, cancelled")
	evaluateCmd.Flags().StringVar(&evaluateFlags.action, "action", "", "gate check to run: submit, approve")
	evaluateCmd.Flags().StringVar(&evaluateFlags.role, "role", "", "acting user's role for --action approve")
	evaluateCmd.Flags().StringVar(&evaluateFlags.format, "format", "text", "output format: text, json")
}

// evaluationResult is the JSON output of the evaluate command
type evaluationResult struct {
	Verdict policy.Verdict     `json:"verdict"`
	Action  string             `json:"action,omitempty"`
	Refusal *gate.RefusalError `json:"refusal,omitempty"`
}

func evaluateExpense(cmd *cobra.Command, args []string) error {
	candidate, err := candidateFromFlags()
	if err != nil {
		return err
	}

	ruleSet, err := rules.LoadRuleFile(rulesFile)
	if err != nil {
		return err
	}

	result := evaluationResult{
		Verdict: policy.Evaluate(ruleSet, candidate),
		Action:  evaluateFlags.action,
	}

	var gateErr error
	switch strings.ToLower(evaluateFlags.action) {
	case "":
	case "submit":
		gateErr = gate.Submit(candidate, result.Verdict)
	case "approve":
		gateErr = gate.Approve(candidate, result.Verdict, gate.ParseRole(evaluateFlags.role))
	default:
		return fmt.Errorf("unknown action %q (use: submit, approve)", evaluateFlags.action)
	}
	if gateErr != nil && !errors.As(gateErr, &result.Refusal) {
		return gateErr
	}

	out := cmd.OutOrStdout()
	if evaluateFlags.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(out, result)
	}

	if result.Refusal != nil {
		return fmt.Errorf("%s refused: %s", result.Action, result.Refusal.Code)
	}
	return nil
}

func candidateFromFlags() (policy.Candidate, error) {
	if evaluateFlags.amount == "" {
		return policy.Candidate{}, errors.New("--amount is required")
	}
	amount, err := decimal.NewFromString(evaluateFlags.amount)
	if err != nil {
		return policy.Candidate{}, fmt.Errorf("invalid amount %q: %w", evaluateFlags.amount, err)
	}
	status, err := policy.ParseStatus(evaluateFlags.status)
	if err != nil {
		return policy.Candidate{}, err
	}

	c := policy.Candidate{
		Amount:        amount,
		VendorName:    evaluateFlags.vendor,
		CategoryID:    evaluateFlags.category,
		CurrentStatus: status,
		CompanyID:     evaluateFlags.company,
	}
	// Evaluate panics on invalid candidates; report them as flag errors instead
	if err := c.Validate(); err != nil {
		return policy.Candidate{}, err
	}
	return c, nil
}

func printResult(w io.Writer, r evaluationResult) {
	v := r.Verdict
	if v.Allowed {
		fmt.Fprintln(w, "Allowed: yes")
	} else {
		fmt.Fprintf(w, "Allowed: no (%s, rule %s)\n", v.Reason, v.RuleID)
	}
	if v.RequiresApproval {
		fmt.Fprintln(w, "Requires approval: yes")
	} else {
		fmt.Fprintln(w, "Requires approval: no")
	}
	for _, a := range v.Advisories {
		fmt.Fprintf(w, "Advisory from %s: requireApproval=%t notify=%s\n", a.RuleID, a.RequireApproval, strings.Join(a.Notify, ","))
	}

	if r.Action == "" {
		return
	}
	if r.Refusal != nil {
		fmt.Fprintf(w, "%s: refused [%s] %s\n", r.Action, r.Refusal.Code, r.Refusal.Message)
	} else {
		fmt.Fprintf(w, "%s: permitted\n", r.Action)
	}
}
