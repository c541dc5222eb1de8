package rules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a rules seed file
type File struct {
	Rules []types.QueueRule `yaml:"rules"`
}

// Store holds the current queue rule of every configured department. Rules
// are replaced as whole values; readers always get a private copy.
type Store struct {
	mu      sync.RWMutex
	rules   map[string]types.QueueRule
	persist storage.RuleStore
	logger  zerolog.Logger
}

// NewStore creates a rule store backed by persist
func NewStore(persist storage.RuleStore, logger zerolog.Logger) *Store {
	return &Store{
		rules:   make(map[string]types.QueueRule),
		persist: persist,
		logger:  logger.With().Str("component", "rules").Logger(),
	}
}

// Load reads all persisted rules into memory
func (s *Store) Load(ctx context.Context) error {
	persisted, err := s.persist.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	s.mu.Lock()
	for _, r := range persisted {
		s.rules[r.DepartmentID] = r.Normalize()
	}
	s.mu.Unlock()

	s.logger.Info().Int("count", len(persisted)).Msg("rules loaded")
	return nil
}

// Put validates, persists and publishes a rule
func (s *Store) Put(ctx context.Context, rule types.QueueRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule = rule.Normalize()
	if err := s.persist.PutRule(ctx, rule); err != nil {
		return fmt.Errorf("failed to persist rule %s: %w", rule.DepartmentID, err)
	}

	s.mu.Lock()
	s.rules[rule.DepartmentID] = rule
	s.mu.Unlock()
	return nil
}

// Rule returns the department's rule, or the default rule when none is configured
func (s *Store) Rule(departmentID string) types.QueueRule {
	if r, ok := s.Lookup(departmentID); ok {
		return r
	}
	return types.DefaultRule(departmentID).Normalize()
}

// Lookup returns the configured rule of a department
func (s *Store) Lookup(departmentID string) (types.QueueRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[departmentID]
	if !ok {
		return types.QueueRule{}, false
	}
	return r.Normalize(), true
}

// All returns every configured rule ordered by department
func (s *Store) All() []types.QueueRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.QueueRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Normalize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartmentID < out[j].DepartmentID })
	return out
}

// ActiveDepartments returns the ids of configured departments whose rule is active
func (s *Store) ActiveDepartments() []string {
	var out []string
	for _, r := range s.All() {
		if r.IsActive {
			out = append(out, r.DepartmentID)
		}
	}
	return out
}

// LoadFile parses a YAML rules file and validates every rule in it
func LoadFile(path string) ([]types.QueueRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.DepartmentID] {
			return nil, fmt.Errorf("rules file %s: department %q defined twice", path, r.DepartmentID)
		}
		seen[r.DepartmentID] = true
	}
	return f.Rules, nil
}

// ApplyFile loads path and stores every rule in it. A file that fails to
// parse or validate leaves the current rules untouched.
func (s *Store) ApplyFile(ctx context.Context, path string) error {
	rules, err := LoadFile(path)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := s.Put(ctx, r); err != nil {
			return err
		}
	}
	s.logger.Info().Str("file", path).Int("count", len(rules)).Msg("rules applied")
	return nil
}
