package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore manages automation-rule persistence and retrieval.
type RuleStore interface {
	// Create adds a new rule.
	Create(ctx context.Context, rule *AutomationRule) error

	// Get retrieves a rule by ID. Returns an error wrapping ErrRuleNotFound
	// when the ID does not exist.
	Get(ctx context.Context, id string) (*AutomationRule, error)

	// List returns all rules of a family in creation order.
	List(ctx context.Context, familyID string) ([]*AutomationRule, error)

	// ListEnabled returns the family's enabled rules in creation order.
	ListEnabled(ctx context.Context, familyID string) ([]*AutomationRule, error)

	// Update replaces an existing rule's definition.
	Update(ctx context.Context, rule *AutomationRule) error

	// SetEnabled flips a rule's enabled flag without touching its definition.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Delete removes a rule.
	Delete(ctx context.Context, id string) error
}

// ExecutionFilter narrows execution-history queries.
type ExecutionFilter struct {
	Success *bool
	Limit   int
	Offset  int
}

// ExecutionStats summarizes a rule's execution history.
type ExecutionStats struct {
	TotalExecutions      int        `json:"totalExecutions"`
	SuccessfulExecutions int        `json:"successfulExecutions"`
	FailedExecutions     int        `json:"failedExecutions"`
	SuccessRate          int        `json:"successRate"`
	LastExecutionAt      *time.Time `json:"lastExecutionAt"`
	LastExecutionSuccess *bool      `json:"lastExecutionSuccess"`
}

// ExecutionStore persists the immutable records of real pipeline runs.
type ExecutionStore interface {
	Create(ctx context.Context, execution *RuleExecution) error

	// ListByRule returns executions newest first, plus the total count
	// matching the filter before limit/offset are applied.
	ListByRule(ctx context.Context, ruleID string, filter ExecutionFilter) ([]*RuleExecution, int, error)

	// RecentByRule returns the newest n executions, newest first.
	RecentByRule(ctx context.Context, ruleID string, n int) ([]*RuleExecution, error)

	Stats(ctx context.Context, ruleID string) (*ExecutionStats, error)
}

// AuditStore appends entries to the household audit log.
type AuditStore interface {
	Create(ctx context.Context, entry *AuditEntry) error
}

// InMemoryRuleStore implements RuleStore with a mutex-guarded map. Used in
// tests and as a fallback when no database is available.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*AutomationRule
	order []string
}

// NewInMemoryRuleStore creates an empty in-memory rule store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]*AutomationRule)}
}

func (s *InMemoryRuleStore) Create(_ context.Context, rule *AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = cloneRule(rule)
	s.order = append(s.order, rule.ID)
	return nil
}

func (s *InMemoryRuleStore) Get(_ context.Context, id string) (*AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return cloneRule(rule), nil
}

func (s *InMemoryRuleStore) List(_ context.Context, familyID string) ([]*AutomationRule, error) {
	return s.list(familyID, false), nil
}

func (s *InMemoryRuleStore) ListEnabled(_ context.Context, familyID string) ([]*AutomationRule, error) {
	return s.list(familyID, true), nil
}

func (s *InMemoryRuleStore) list(familyID string, enabledOnly bool) []*AutomationRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AutomationRule
	for _, id := range s.order {
		rule := s.rules[id]
		if rule == nil || rule.FamilyID != familyID {
			continue
		}
		if enabledOnly && !rule.IsEnabled {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	return out
}

func (s *InMemoryRuleStore) Update(_ context.Context, rule *AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *InMemoryRuleStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	rule.IsEnabled = enabled
	rule.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryRuleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	delete(s.rules, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// InMemoryExecutionStore implements ExecutionStore in memory.
type InMemoryExecutionStore struct {
	mu         sync.RWMutex
	executions []*RuleExecution
}

// NewInMemoryExecutionStore creates an empty in-memory execution store.
func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{}
}

func (s *InMemoryExecutionStore) Create(_ context.Context, execution *RuleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, execution)
	return nil
}

func (s *InMemoryExecutionStore) byRule(ruleID string, success *bool) []*RuleExecution {
	var out []*RuleExecution
	for _, e := range s.executions {
		if e.RuleID != ruleID {
			continue
		}
		if success != nil && e.Success != *success {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	return out
}

func (s *InMemoryExecutionStore) ListByRule(_ context.Context, ruleID string, filter ExecutionFilter) ([]*RuleExecution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byRule(ruleID, filter.Success)
	total := len(all)

	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return all[start:end], total, nil
}

func (s *InMemoryExecutionStore) RecentByRule(_ context.Context, ruleID string, n int) ([]*RuleExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byRule(ruleID, nil)
	if n < len(all) {
		all = all[:n]
	}
	return all, nil
}

func (s *InMemoryExecutionStore) Stats(_ context.Context, ruleID string) (*ExecutionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byRule(ruleID, nil)
	stats := &ExecutionStats{TotalExecutions: len(all)}
	for _, e := range all {
		if e.Success {
			stats.SuccessfulExecutions++
		} else {
			stats.FailedExecutions++
		}
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRate = stats.SuccessfulExecutions * 100 / stats.TotalExecutions
		last := all[0]
		stats.LastExecutionAt = &last.ExecutedAt
		stats.LastExecutionSuccess = &last.Success
	}
	return stats, nil
}

// InMemoryAuditStore implements AuditStore in memory.
type InMemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

// NewInMemoryAuditStore creates an empty in-memory audit store.
func NewInMemoryAuditStore() *InMemoryAuditStore {
	return &InMemoryAuditStore{}
}

func (s *InMemoryAuditStore) Create(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a snapshot of recorded entries, oldest first.
func (s *InMemoryAuditStore) Entries() []*AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func cloneRule(rule *AutomationRule) *AutomationRule {
	clone := *rule
	clone.Actions = append([]ActionSpec(nil), rule.Actions...)
	return &clone
}
