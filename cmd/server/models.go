package main

import (
	"github.com/caleblanchard/hearth/rules"
)

// API request and response models.

// createRuleRequest is the body for creating or replacing a rule.
type createRuleRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Trigger     rules.TriggerSpec    `json:"trigger"`
	Conditions  *rules.ConditionNode `json:"conditions,omitempty"`
	Actions     []rules.ActionSpec   `json:"actions"`
	IsEnabled   *bool                `json:"isEnabled,omitempty"`
}

// testRuleRequest optionally supplies the trigger context a test or manual
// run should evaluate against. Absent, the rule is evaluated against an
// empty context scoped to the family.
type testRuleRequest struct {
	Context *rules.TriggerContext `json:"context,omitempty"`
}

type rulesListResponse struct {
	Rules []*rules.AutomationRule `json:"rules"`
}

type eventResponse struct {
	Results   []*rules.PipelineResult `json:"results"`
	Evaluated int                     `json:"evaluated"`
	Triggered int                     `json:"triggered"`
}

type executionsResponse struct {
	Executions []*rules.RuleExecution `json:"executions"`
	Total      int                    `json:"total"`
	Stats      *rules.ExecutionStats  `json:"stats,omitempty"`
}

type templatesResponse struct {
	Templates []rules.RuleTemplate `json:"templates"`
}

// cronRuleResult is one time-based rule's outcome in a scheduler sweep.
type cronRuleResult struct {
	RuleID   string                `json:"ruleId"`
	RuleName string                `json:"ruleName"`
	FamilyID string                `json:"familyId"`
	Due      bool                  `json:"due"`
	Result   *rules.PipelineResult `json:"result,omitempty"`
	Error    string                `json:"error,omitempty"`
}

type cronSweepResponse struct {
	Evaluated int              `json:"evaluated"`
	Triggered int              `json:"triggered"`
	Results   []cronRuleResult `json:"results"`
}
