package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages expense rule persistence for a single company
type RuleStore interface {
	// Add a new rule
	Add(ctx context.Context, rule *ExpenseRule) error

	// Get a rule by ID
	Get(ctx context.Context, id string) (*ExpenseRule, error)

	// List rules matching the filter, ordered by priority
	List(ctx context.Context, filter ListFilter) ([]*ExpenseRule, error)

	// ListActive returns the active rules ordered by priority
	ListActive(ctx context.Context) ([]*ExpenseRule, error)

	// Update an existing rule
	Update(ctx context.Context, rule *ExpenseRule) error

	// Delete a rule
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRuleStore struct {
	companyID string
	rules     map[string]*ExpenseRule
	mu        sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store for a company
func NewInMemoryRuleStore(companyID string) *InMemoryRuleStore {
	return &InMemoryRuleStore{
		companyID: companyID,
		rules:     make(map[string]*ExpenseRule),
	}
}

// Add adds a new rule to the store, stamping CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(_ context.Context, rule *ExpenseRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now()
	rule.CompanyID = s.companyID
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*ExpenseRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// List returns the rules that pass filter
func (s *InMemoryRuleStore) List(_ context.Context, filter ListFilter) ([]*ExpenseRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*ExpenseRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if filter.Matches(rule) {
			list = append(list, rule.Clone())
		}
	}
	SortByPriority(list)
	return list, nil
}

// ListActive returns all active rules
func (s *InMemoryRuleStore) ListActive(ctx context.Context) ([]*ExpenseRule, error) {
	active := true
	return s.List(ctx, ListFilter{Active: &active})
}

// Update updates an existing rule, preserving CreatedAt
func (s *InMemoryRuleStore) Update(_ context.Context, rule *ExpenseRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CompanyID = s.companyID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	delete(s.rules, id)
	return nil
}

// SortByPriority orders rules by ascending priority, breaking ties by
// creation time and then ID so listings are stable.
func SortByPriority(list []*ExpenseRule) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
