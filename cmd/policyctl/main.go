// policyctl evaluates expenses against a YAML rule file without a running
// server, and lints rule files before they are deployed.
//
// Usage:
//
//	# Evaluate an expense
//	policyctl evaluate --rules rules.yaml --company acme --amount 750 --vendor Staples
//
//	# Check whether an employee may approve a travel expense
//	policyctl evaluate --rules rules.yaml --amount 120 --category travel --action approve --role employee
//
//	# Validate a rule file
//	policyctl lint --rules rules.yaml
package main

func main() {
	Execute()
}
