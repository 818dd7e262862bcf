package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const bundleYAML = `
companyId: acme
rules:
  - id: travel-cap
    name: Travel cap
    ruleType: amount_limit
    priority: 2
    isActive: true
    categoryId: travel
    conditions: {limit: 500}
    actions:
      notify: [finance]
  - id: blocked
    ruleType: vendor_restriction
    priority: 1
    isActive: true
    conditions: '{"blockedVendors": ["acme"]}'
  - id: shared
    companyId: globex
    ruleType: approval_required
    isActive: true
`

func TestParseRuleBundle(t *testing.T) {
	list, err := ParseRuleBundle([]byte(bundleYAML))
	if err != nil {
		t.Fatalf("Failed to parse bundle: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(list))
	}

	byID := map[string]*ExpenseRule{}
	for _, r := range list {
		byID[r.ID] = r
	}

	travel := byID["travel-cap"]
	if travel.Conditions != `{"limit":500}` {
		t.Errorf("Expected mapping to be serialized as JSON, got %q", travel.Conditions)
	}
	if travel.Actions != `{"notify":["finance"]}` {
		t.Errorf("Unexpected actions %q", travel.Actions)
	}
	if travel.CompanyID != "acme" || travel.CategoryID != "travel" || travel.Name != "Travel cap" {
		t.Errorf("Unexpected rule %+v", travel)
	}
	if byID["blocked"].Conditions != `{"blockedVendors": ["acme"]}` {
		t.Errorf("Expected scalar payload verbatim, got %q", byID["blocked"].Conditions)
	}
	if byID["shared"].CompanyID != "globex" {
		t.Errorf("Expected per-rule company to win, got %q", byID["shared"].CompanyID)
	}
	if list[0].ID != "shared" || list[1].ID != "blocked" || list[2].ID != "travel-cap" {
		t.Errorf("Expected priority ordering, got %s, %s, %s", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestParseRuleBundle_Errors(t *testing.T) {
	tests := map[string]string{
		"not yaml":     "rules: [",
		"missing id":   "rules:\n  - ruleType: amount_limit\n",
		"duplicate id": "rules:\n  - id: a\n  - id: a\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRuleBundle([]byte(input)); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func writeBundle(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write bundle: %v", err)
	}
}

func TestFileRuleSource_Store(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeBundle(t, path, bundleYAML+`
  - id: everyone
    ruleType: approval_required
    companyId: ""
    isActive: false
`)

	source, err := NewFileRuleSource(path)
	if err != nil {
		t.Fatalf("Failed to load source: %v", err)
	}

	companies := source.Companies()
	if len(companies) != 2 || companies[0] != "acme" || companies[1] != "globex" {
		t.Errorf("Expected [acme globex], got %v", companies)
	}

	store := source.Store("acme")
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("Expected 2 active acme rules, got %d", len(active))
	}

	// An empty per-rule company inherits the bundle company
	all, _ := store.List(ctx, ListFilter{})
	if len(all) != 3 {
		t.Errorf("Expected 3 rules for acme, got %d", len(all))
	}

	if _, err := store.Get(ctx, "shared"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Expected globex rule to be hidden from acme, got %v", err)
	}
	if err := store.Add(ctx, &ExpenseRule{ID: "x"}); !errors.Is(err, ErrReadOnlyStore) {
		t.Errorf("Expected ErrReadOnlyStore, got %v", err)
	}
	if err := store.Delete(ctx, "blocked"); !errors.Is(err, ErrReadOnlyStore) {
		t.Errorf("Expected ErrReadOnlyStore, got %v", err)
	}
}

func TestFileRuleSource_UnscopedRulesApplyToEveryCompany(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeBundle(t, path, `
rules:
  - id: global-cap
    ruleType: amount_limit
    isActive: true
    conditions: {limit: 1000}
  - id: acme-only
    companyId: acme
    ruleType: approval_required
    isActive: true
`)

	source, err := NewFileRuleSource(path)
	if err != nil {
		t.Fatalf("Failed to load source: %v", err)
	}

	acme, _ := source.Store("acme").ListActive(ctx)
	other, _ := source.Store("initech").ListActive(ctx)
	if len(acme) != 2 {
		t.Errorf("Expected 2 rules for acme, got %d", len(acme))
	}
	if len(other) != 1 || other[0].ID != "global-cap" {
		t.Errorf("Expected only the unscoped rule for initech, got %+v", other)
	}
	if companies := source.Companies(); len(companies) != 1 || companies[0] != "acme" {
		t.Errorf("Expected [acme], got %v", companies)
	}
}

func TestFileRuleSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeBundle(t, path, bundleYAML)

	source, err := NewFileRuleSource(path)
	if err != nil {
		t.Fatalf("Failed to load source: %v", err)
	}

	writeBundle(t, path, "rules: [")
	if err := source.Reload(); err == nil {
		t.Fatal("Expected reload of a broken file to fail")
	}

	all, _ := source.Store("acme").List(context.Background(), ListFilter{})
	if len(all) != 2 {
		t.Errorf("Expected previous rules to stay in effect, got %d", len(all))
	}
}

func TestFileRuleSource_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeBundle(t, path, bundleYAML)

	source, err := NewFileRuleSource(path)
	if err != nil {
		t.Fatalf("Failed to load source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- source.Watch(ctx, 20*time.Millisecond, func() {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeBundle(t, path, `
companyId: acme
rules:
  - id: only
    ruleType: approval_required
    isActive: true
`)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	all, _ := source.Store("acme").List(context.Background(), ListFilter{})
	if len(all) != 1 || all[0].ID != "only" {
		t.Errorf("Expected reloaded rules, got %+v", all)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
