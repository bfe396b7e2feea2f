package rules

import (
	"context"
	"fmt"
	"time"
)

// Pipeline runs one rule against one context. Real and simulated runs share
// this single code path; only the mode passed down to the executor differs,
// so the two cannot drift apart.
type Pipeline struct {
	executor *Executor
}

// NewPipeline creates a pipeline around the given executor.
func NewPipeline(executor *Executor) *Pipeline {
	return &Pipeline{executor: executor}
}

// Run evaluates the rule in four short-circuiting stages:
// disabled → trigger-miss → condition-miss → evaluated. Each stage reports
// what it checked even when a later stage is skipped. Once the action stage
// is reached, WouldExecute is true regardless of individual action outcomes;
// action failures surface only in the per-action outcome and Errors.
func (p *Pipeline) Run(ctx context.Context, rule *AutomationRule, tc *TriggerContext, mode Mode) *PipelineResult {
	result := &PipelineResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Actions:  []ActionOutcome{},
		Errors:   []string{},
		Warnings: []string{},
	}
	// Simulated runs stay timestamp-free so identical inputs produce
	// identical reports.
	if mode == ModeReal {
		result.ExecutedAt = time.Now().UTC()
	}

	if !rule.IsEnabled {
		result.Warnings = append(result.Warnings, "rule is disabled")
		return result
	}

	matched, warning := MatchTrigger(rule.Trigger, tc)
	if warning != "" {
		result.Warnings = append(result.Warnings, warning)
	}
	result.TriggerEvaluated = matched
	if !matched {
		return result
	}

	result.ConditionsEvaluated = EvaluateConditions(rule.Conditions, tc)
	if !result.ConditionsEvaluated {
		return result
	}

	result.WouldExecute = true
	for _, action := range rule.Actions {
		outcome := p.executor.Execute(ctx, action, tc, mode)
		result.Actions = append(result.Actions, outcome)

		if outcome.Error != "" {
			result.ActionsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", action.Kind, outcome.Error))
		} else {
			result.ActionsCompleted++
		}
	}

	result.Success = result.ActionsFailed == 0
	return result
}
