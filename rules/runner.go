package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Runner is the engine's entry point for its collaborators. It loads the
// candidate rules, runs each through the pipeline, and persists execution
// and audit records for real runs. Rules are loaded fresh on every call;
// the hourly rate-limit window is the only state kept across invocations.
type Runner struct {
	rules      RuleStore
	executions ExecutionStore
	audit      AuditStore
	pipeline   *Pipeline
	limits     SafetyLimits
	notifier   Notifier
	log        *slog.Logger

	// concurrency bounds how many rules RunAll evaluates at once. Actions
	// within one rule always run sequentially in declared order.
	concurrency int

	mu     sync.Mutex
	recent map[string][]time.Time
	now    func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSafetyLimits overrides the default safety limits.
func WithSafetyLimits(limits SafetyLimits) RunnerOption {
	return func(r *Runner) { r.limits = limits }
}

// WithConcurrency bounds cross-rule parallelism in RunAll. A value of 1
// makes runs fully sequential.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// WithNotifier sets the notifier used to tell a rule's creator about
// auto-disablement.
func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner wires a runner from its stores and executor.
func NewRunner(rules RuleStore, executions ExecutionStore, audit AuditStore, executor *Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		rules:       rules,
		executions:  executions,
		audit:       audit,
		pipeline:    NewPipeline(executor),
		limits:      DefaultSafetyLimits(),
		log:         slog.Default(),
		concurrency: 4,
		recent:      make(map[string][]time.Time),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll evaluates every enabled rule of the family against the context in
// real mode. Rules are independent, so they may be evaluated concurrently;
// the returned slice keeps the store's stable creation order regardless of
// completion order. Executions that fire are persisted; a persistence
// failure is returned as the call's error but does not roll back action
// effects already committed.
func (r *Runner) RunAll(ctx context.Context, familyID string, tc *TriggerContext) ([]*PipelineResult, error) {
	candidates, err := r.rules.ListEnabled(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	results := make([]*PipelineResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, rule := range candidates {
		g.Go(func() error {
			if r.rateLimited(rule.ID) {
				r.log.Warn("rule execution rate limit reached",
					"ruleId", rule.ID, "ruleName", rule.Name)
				results[i] = &PipelineResult{
					RuleID:     rule.ID,
					RuleName:   rule.Name,
					Actions:    []ActionOutcome{},
					Errors:     []string{},
					Warnings:   []string{"rule execution rate limit reached"},
					ExecutedAt: r.now().UTC(),
				}
				return nil
			}

			result := r.pipeline.Run(gctx, rule, tc, ModeReal)
			results[i] = result

			if !result.WouldExecute {
				return nil
			}
			return r.recordExecution(gctx, rule, tc, result, AuditRuleExecuted)
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// RunRule executes one rule for real, used by the administrator-facing
// manual run. It validates family ownership, persists the execution, and
// writes a RULE_TEST_RUN audit entry.
func (r *Runner) RunRule(ctx context.Context, ruleID, familyID string, tc *TriggerContext) (*PipelineResult, error) {
	rule, err := r.loadScoped(ctx, ruleID, familyID)
	if err != nil {
		return nil, err
	}

	result := r.pipeline.Run(ctx, rule, tc, ModeReal)
	if result.WouldExecute {
		if err := r.recordExecution(ctx, rule, tc, result, AuditRuleTestRun); err != nil {
			return result, err
		}
	}
	return result, nil
}

// DryRunRule runs the full pipeline in simulate mode and persists nothing.
// Running it twice with the same input yields identical reports.
func (r *Runner) DryRunRule(ctx context.Context, ruleID, familyID string, tc *TriggerContext) (*DryRunReport, error) {
	rule, err := r.loadScoped(ctx, ruleID, familyID)
	if err != nil {
		return nil, err
	}
	return r.pipeline.Run(ctx, rule, tc, ModeSimulate), nil
}

func (r *Runner) loadScoped(ctx context.Context, ruleID, familyID string) (*AutomationRule, error) {
	rule, err := r.rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.FamilyID != familyID {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrFamilyMismatch)
	}
	return rule, nil
}

// recordExecution persists the RuleExecution row and its audit entry, then
// applies the consecutive-failure safeguard. Persistence failures surface to
// the caller: action effects are the source of truth and stay committed, but
// a broken audit trail must not pass silently.
func (r *Runner) recordExecution(ctx context.Context, rule *AutomationRule, tc *TriggerContext, result *PipelineResult, auditAction string) error {
	execution := &RuleExecution{
		ID:      uuid.NewString(),
		RuleID:  rule.ID,
		Success: result.Success,
		Result: map[string]any{
			"actionsCompleted": result.ActionsCompleted,
			"actionsFailed":    result.ActionsFailed,
			"actions":          result.Actions,
		},
		Error: strings.Join(result.Errors, "; "),
		Metadata: map[string]any{
			"triggerType":         rule.Trigger.Kind,
			"triggerEvaluated":    result.TriggerEvaluated,
			"conditionsEvaluated": result.ConditionsEvaluated,
			"memberId":            tc.MemberID,
			"triggerId":           tc.TriggerID,
		},
		ExecutedAt: result.ExecutedAt,
	}
	if err := r.executions.Create(ctx, execution); err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}

	auditResult := AuditResultSuccess
	if !result.Success {
		auditResult = AuditResultFailure
	}
	entry := &AuditEntry{
		ID:         uuid.NewString(),
		FamilyID:   rule.FamilyID,
		MemberID:   tc.MemberID,
		Action:     auditAction,
		EntityType: EntityAutomationRule,
		EntityID:   rule.ID,
		Result:     auditResult,
		Metadata: map[string]any{
			"ruleName":         rule.Name,
			"triggerType":      rule.Trigger.Kind,
			"actionsCompleted": result.ActionsCompleted,
			"actionsFailed":    result.ActionsFailed,
		},
		CreatedAt: result.ExecutedAt,
	}
	if err := r.audit.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	if !result.Success {
		r.maybeDisableFailing(ctx, rule)
	}
	return nil
}

// maybeDisableFailing disables a rule after MaxConsecutiveFailures failed
// executions in a row and notifies its creator. Best effort: a failure here
// is logged, not propagated, since the execution itself already succeeded in
// being recorded.
func (r *Runner) maybeDisableFailing(ctx context.Context, rule *AutomationRule) {
	recent, err := r.executions.RecentByRule(ctx, rule.ID, r.limits.MaxConsecutiveFailures)
	if err != nil {
		r.log.Error("failed to load recent executions", "ruleId", rule.ID, "error", err)
		return
	}
	if len(recent) < r.limits.MaxConsecutiveFailures {
		return
	}
	for _, e := range recent {
		if e.Success {
			return
		}
	}

	if err := r.rules.SetEnabled(ctx, rule.ID, false); err != nil {
		r.log.Error("failed to disable failing rule", "ruleId", rule.ID, "error", err)
		return
	}
	r.log.Warn("rule auto-disabled after consecutive failures",
		"ruleId", rule.ID, "ruleName", rule.Name, "failures", r.limits.MaxConsecutiveFailures)

	if r.notifier != nil && rule.CreatedBy != "" {
		message := fmt.Sprintf("Rule %q has been automatically disabled after %d consecutive failures. Please review the rule configuration.",
			rule.Name, r.limits.MaxConsecutiveFailures)
		if err := r.notifier.Notify(ctx, rule.CreatedBy, "GENERAL", "Automation Rule Disabled", message, "/dashboard/rules/"+rule.ID); err != nil {
			r.log.Error("failed to notify rule creator", "ruleId", rule.ID, "error", err)
		}
	}
}

// rateLimited reports whether the rule hit its hourly execution budget, and
// records this attempt if not.
func (r *Runner) rateLimited(ruleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Hour)

	recent := r.recent[ruleID][:0]
	for _, ts := range r.recent[ruleID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= r.limits.MaxExecutionsPerHour {
		r.recent[ruleID] = recent
		return true
	}

	r.recent[ruleID] = append(recent, now)
	return false
}
