package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/liamcoop/expensepolicy/multitenant"
	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

// lintCompany stands in for the owner of unscoped rules, which apply to every company
const lintCompany = "any"

var lintFlags struct {
	format string
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Validate a rule file",
	Long: `Validate a YAML rule bundle with the same checks the API applies to writes:
  - YAML syntax and duplicate rule IDs
  - Field constraints (identifiers, rule type, priority range)
  - Conditions and actions payloads, including "when" guards

The server loads such rules anyway and ignores the broken ones at evaluation
time, so lint before deploying.

Examples:
  policyctl lint --rules rules.yaml
  policyctl lint --rules rules.yaml --format json`,
	RunE: lintRules,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().StringVar(&lintFlags.format, "format", "text", "output format: text, json")
}

// LintResult is the validation outcome of one rule file
type LintResult struct {
	File   string      `json:"file"`
	Valid  bool        `json:"valid"`
	Rules  int         `json:"rules"`
	Errors []LintIssue `json:"errors,omitempty"`
}

// LintIssue is a single problem found in a rule
type LintIssue struct {
	RuleID  string `json:"ruleId,omitempty"`
	Message string `json:"message"`
}

func lintRules(cmd *cobra.Command, args []string) error {
	result := lintFile(rulesFile)

	out := cmd.OutOrStdout()
	if lintFlags.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printLint(out, result)
	}

	if !result.Valid {
		return fmt.Errorf("%s: %d problem(s) found", result.File, len(result.Errors))
	}
	return nil
}

func lintFile(path string) LintResult {
	result := LintResult{File: path, Valid: true}

	ruleSet, err := rules.LoadRuleFile(path)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, LintIssue{Message: err.Error()})
		return result
	}
	result.Rules = len(ruleSet)

	v := multitenant.NewValidator(policy.Default().Parser())
	for _, r := range ruleSet {
		check := r.Clone()
		if check.CompanyID == "" {
			check.CompanyID = lintCompany
		}
		if err := v.ValidateRule(check); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, LintIssue{RuleID: r.ID, Message: err.Error()})
		}
	}
	return result
}

func printLint(w io.Writer, r LintResult) {
	if r.Valid {
		fmt.Fprintf(w, "%s: %d rule(s) OK\n", r.File, r.Rules)
		return
	}
	fmt.Fprintf(w, "%s: invalid\n", r.File)
	for _, issue := range r.Errors {
		if issue.RuleID != "" {
			fmt.Fprintf(w, "  %s: %s\n", issue.RuleID, issue.Message)
		} else {
			fmt.Fprintf(w, "  %s\n", issue.Message)
		}
	}
}
