package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/expensepolicy/internal/logger"
)

// ruleBundle is the on-disk YAML layout of a rule file.
//
//	companyId: acme
//	rules:
//	  - id: travel-cap
//	    ruleType: amount_limit
//	    priority: 1
//	    isActive: true
//	    categoryId: travel
//	    conditions: {limit: 500}
//	    actions: {notify: [finance]}
type ruleBundle struct {
	CompanyID string     `yaml:"companyId"`
	Rules     []fileRule `yaml:"rules"`
}

type fileRule struct {
	ExpenseRule `yaml:",inline"`
	Conditions  yaml.Node `yaml:"conditions"`
	Actions     yaml.Node `yaml:"actions"`
}

// ParseRuleBundle decodes a YAML rule bundle. Conditions and actions may be
// written either as YAML mappings or as raw JSON text; mappings are
// serialized to JSON so the stored form matches the other stores.
func ParseRuleBundle(data []byte) ([]*ExpenseRule, error) {
	var bundle ruleBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("invalid rule bundle: %w", err)
	}

	out := make([]*ExpenseRule, 0, len(bundle.Rules))
	seen := make(map[string]bool, len(bundle.Rules))
	for i, fr := range bundle.Rules {
		r := fr.ExpenseRule
		if r.ID == "" {
			return nil, fmt.Errorf("rule #%d has no id", i+1)
		}
		if r.CompanyID == "" {
			r.CompanyID = bundle.CompanyID
		}
		key := r.CompanyID + "/" + r.ID
		if seen[key] {
			return nil, fmt.Errorf("rule with ID %s: %w", r.ID, ErrRuleExists)
		}
		seen[key] = true

		var err error
		if r.Conditions, err = payloadText(&fr.Conditions); err != nil {
			return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
		}
		if r.Actions, err = payloadText(&fr.Actions); err != nil {
			return nil, fmt.Errorf("rule %s actions: %w", r.ID, err)
		}
		out = append(out, &r)
	}

	SortByPriority(out)
	return out, nil
}

// LoadRuleFile reads and parses a YAML rule bundle from path
func LoadRuleFile(path string) ([]*ExpenseRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRuleBundle(data)
}

// payloadText returns the JSON text of a conditions/actions node.
// Scalars are taken verbatim so malformed payloads survive loading and are
// handled by the parser like any other stored payload.
func payloadText(node *yaml.Node) (string, error) {
	switch node.Kind {
	case 0:
		return "", nil
	case yaml.ScalarNode:
		return node.Value, nil
	}

	var v any
	if err := node.Decode(&v); err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileRuleSource serves rules from a YAML bundle on disk. Rules without a
// company apply to every company. The source is read-only.
type FileRuleSource struct {
	path  string
	rules []*ExpenseRule
	mu    sync.RWMutex
}

// NewFileRuleSource loads path and returns a source for it
func NewFileRuleSource(path string) (*FileRuleSource, error) {
	s := &FileRuleSource{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the bundle. On error the previous rules stay in effect.
func (s *FileRuleSource) Reload() error {
	list, err := LoadRuleFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = list
	s.mu.Unlock()

	logger.Info("loaded rule file", "path", s.path, "rules", len(list))
	return nil
}

// Companies returns the companies named in the bundle
func (s *FileRuleSource) Companies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]bool{}
	for _, r := range s.rules {
		if r.CompanyID != "" {
			set[r.CompanyID] = true
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Store returns a read-only RuleStore view for companyID
func (s *FileRuleSource) Store(companyID string) RuleStore {
	return &fileRuleStore{source: s, companyID: companyID}
}

func (s *FileRuleSource) snapshot(companyID string) []*ExpenseRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExpenseRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.CompanyID == "" || r.CompanyID == companyID {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Watch blocks until ctx is cancelled, calling onReload after the bundle
// changed on disk and was reloaded successfully. Bursts of events within
// debounce are collapsed into one reload.
func (s *FileRuleSource) Watch(ctx context.Context, debounce time.Duration, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a file watch.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target || event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := s.Reload(); err != nil {
					logger.Error("rule file reload failed", "path", s.path, "error", err)
					return
				}
				if onReload != nil {
					onReload()
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("rule file watcher error", "error", err)
		}
	}
}

type fileRuleStore struct {
	source    *FileRuleSource
	companyID string
}

func (f *fileRuleStore) Add(context.Context, *ExpenseRule) error {
	return ErrReadOnlyStore
}

func (f *fileRuleStore) Get(_ context.Context, id string) (*ExpenseRule, error) {
	for _, r := range f.source.snapshot(f.companyID) {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
}

func (f *fileRuleStore) List(_ context.Context, filter ListFilter) ([]*ExpenseRule, error) {
	var out []*ExpenseRule
	for _, r := range f.source.snapshot(f.companyID) {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fileRuleStore) ListActive(ctx context.Context) ([]*ExpenseRule, error) {
	active := true
	return f.List(ctx, ListFilter{Active: &active})
}

func (f *fileRuleStore) Update(context.Context, *ExpenseRule) error {
	return ErrReadOnlyStore
}

func (f *fileRuleStore) Delete(context.Context, string) error {
	return ErrReadOnlyStore
}
