package multitenant

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/expensepolicy/internal/logger"
	"github.com/liamcoop/expensepolicy/policy"
	"github.com/liamcoop/expensepolicy/rules"
)

// StoreFactory builds the RuleStore for a company
type StoreFactory func(companyID string) rules.RuleStore

// Manager resolves per-company rule stores and serves cached active-rule
// snapshots for evaluation. Company identity is always passed explicitly.
type Manager struct {
	factory   StoreFactory
	cache     rules.RulesCache
	validator *Validator
	stores    map[string]rules.RuleStore
	onLookup  func(hit bool)
	mu        sync.RWMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithCache sets the snapshot cache. Default is an in-memory cache without TTL.
func WithCache(cache rules.RulesCache) Option {
	return func(m *Manager) {
		m.cache = cache
	}
}

// WithCacheObserver registers a callback invoked on every snapshot lookup
func WithCacheObserver(fn func(hit bool)) Option {
	return func(m *Manager) {
		m.onLookup = fn
	}
}

// NewManager creates a manager that builds stores with factory and validates
// writes with parser
func NewManager(factory StoreFactory, parser *policy.Parser, opts ...Option) *Manager {
	m := &Manager{
		factory:   factory,
		cache:     rules.NewInMemoryRulesCache(rules.DefaultCacheConfig()),
		validator: NewValidator(parser),
		stores:    make(map[string]rules.RuleStore),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the company's rule store, creating it on first use
func (m *Manager) Store(companyID string) (rules.RuleStore, error) {
	if err := ValidateCompanyID(companyID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	store, ok := m.stores[companyID]
	m.mu.RUnlock()
	if ok {
		return store, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok = m.stores[companyID]; !ok {
		store = m.factory(companyID)
		m.stores[companyID] = store
	}
	return store, nil
}

// Snapshot returns the company's active rules ordered by priority, from the
// cache when possible. Callers own the returned slice.
//
// The cache version is read before the store so that a write landing during
// the load makes the cache reject the now stale snapshot.
func (m *Manager) Snapshot(ctx context.Context, companyID string) ([]*rules.ExpenseRule, error) {
	store, err := m.Store(companyID)
	if err != nil {
		return nil, err
	}

	if cached, ok := m.cache.Get(ctx, companyID); ok {
		m.observe(true)
		return cached, nil
	}
	m.observe(false)

	version := m.cache.Version(ctx, companyID)
	active, err := store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules for company %s: %w", companyID, err)
	}
	if !m.cache.Set(ctx, companyID, version, active) {
		logger.Debug("rule snapshot not cached", "company_id", companyID, "version", version)
	}

	return active, nil
}

// Warm loads the snapshots of companies into the cache. Companies that fail
// to load are logged and skipped; the number warmed is returned.
func (m *Manager) Warm(ctx context.Context, companies []string) int {
	warmed := 0
	for _, companyID := range companies {
		if _, err := m.Snapshot(ctx, companyID); err != nil {
			logger.Warn("failed to warm rule snapshot", "company_id", companyID, "error", err)
			continue
		}
		warmed++
	}
	return warmed
}

// AddRule validates and stores a new rule for the company
func (m *Manager) AddRule(ctx context.Context, companyID string, r *rules.ExpenseRule) error {
	store, err := m.Store(companyID)
	if err != nil {
		return err
	}

	r.CompanyID = companyID
	if err := m.validator.ValidateRule(r); err != nil {
		return err
	}

	if err := store.Add(ctx, r); err != nil {
		return err
	}

	m.cache.Invalidate(ctx, companyID)
	logger.Info("rule added", "company_id", companyID, "rule_id", r.ID, "rule_type", string(r.RuleType))
	return nil
}

// UpdateRule validates and replaces an existing rule
func (m *Manager) UpdateRule(ctx context.Context, companyID string, r *rules.ExpenseRule) error {
	store, err := m.Store(companyID)
	if err != nil {
		return err
	}

	r.CompanyID = companyID
	if err := m.validator.ValidateRule(r); err != nil {
		return err
	}

	if err := store.Update(ctx, r); err != nil {
		return err
	}

	m.cache.Invalidate(ctx, companyID)
	logger.Info("rule updated", "company_id", companyID, "rule_id", r.ID)
	return nil
}

// DeleteRule removes a rule
func (m *Manager) DeleteRule(ctx context.Context, companyID, ruleID string) error {
	store, err := m.Store(companyID)
	if err != nil {
		return err
	}

	if err := store.Delete(ctx, ruleID); err != nil {
		return err
	}

	m.cache.Invalidate(ctx, companyID)
	logger.Info("rule deleted", "company_id", companyID, "rule_id", ruleID)
	return nil
}

// GetRule fetches a single rule
func (m *Manager) GetRule(ctx context.Context, companyID, ruleID string) (*rules.ExpenseRule, error) {
	store, err := m.Store(companyID)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ruleID)
}

// ListRules lists the company's rules, active or not, matching filter
func (m *Manager) ListRules(ctx context.Context, companyID string, filter rules.ListFilter) ([]*rules.ExpenseRule, error) {
	store, err := m.Store(companyID)
	if err != nil {
		return nil, err
	}
	return store.List(ctx, filter)
}

// Invalidate drops the cached snapshot of one company
func (m *Manager) Invalidate(ctx context.Context, companyID string) {
	m.cache.Invalidate(ctx, companyID)
}

// InvalidateAll drops the cached snapshots of every known company
func (m *Manager) InvalidateAll(ctx context.Context) {
	for _, companyID := range m.Companies() {
		m.cache.Invalidate(ctx, companyID)
	}
}

// Companies returns the companies whose stores have been resolved
func (m *Manager) Companies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	companies := make([]string, 0, len(m.stores))
	for companyID := range m.stores {
		companies = append(companies, companyID)
	}
	sort.Strings(companies)
	return companies
}

func (m *Manager) observe(hit bool) {
	if m.onLookup != nil {
		m.onLookup(hit)
	}
}
