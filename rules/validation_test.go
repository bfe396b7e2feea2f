package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validRule() *AutomationRule {
	return &AutomationRule{
		ID:       "rule-1",
		FamilyID: "fam-1",
		Name:     "Chore reward",
		Trigger:  TriggerSpec{Kind: TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Actions: []ActionSpec{
			{Kind: ActionAwardCredits, Config: map[string]any{"amount": 10}},
		},
		IsEnabled: true,
	}
}

func TestValidateRule_Valid(t *testing.T) {
	res := ValidateRule(validRule(), DefaultSafetyLimits())
	assert.True(t, res.Valid, res.Error)
}

func TestValidateRule_RequiresName(t *testing.T) {
	rule := validRule()
	rule.Name = ""
	res := ValidateRule(rule, DefaultSafetyLimits())
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "name")
}

func TestValidateTrigger(t *testing.T) {
	tests := []struct {
		name    string
		trigger TriggerSpec
		wantErr string
	}{
		{
			name:    "missing kind",
			trigger: TriggerSpec{Config: map[string]any{}},
			wantErr: "trigger type is required",
		},
		{
			name:    "unknown kind",
			trigger: TriggerSpec{Kind: "teleport_detected", Config: map[string]any{}},
			wantErr: "invalid trigger type",
		},
		{
			name:    "nil config",
			trigger: TriggerSpec{Kind: TriggerChoreCompleted},
			wantErr: "trigger config is required",
		},
		{
			name:    "streak without days",
			trigger: TriggerSpec{Kind: TriggerChoreStreak, Config: map[string]any{}},
			wantErr: "days",
		},
		{
			name:    "streak with valid days",
			trigger: TriggerSpec{Kind: TriggerChoreStreak, Config: map[string]any{"days": 7}},
		},
		{
			name:    "screentime without threshold",
			trigger: TriggerSpec{Kind: TriggerScreenTimeLow, Config: map[string]any{}},
			wantErr: "thresholdMinutes",
		},
		{
			name:    "inventory threshold out of range",
			trigger: TriggerSpec{Kind: TriggerInventoryLow, Config: map[string]any{"thresholdPercentage": 150}},
			wantErr: "between 1 and 100",
		},
		{
			name:    "inventory threshold optional",
			trigger: TriggerSpec{Kind: TriggerInventoryLow, Config: map[string]any{}},
		},
		{
			name:    "calendar requires event count",
			trigger: TriggerSpec{Kind: TriggerCalendarBusy, Config: map[string]any{}},
			wantErr: "eventCount",
		},
		{
			name:    "time based requires cron",
			trigger: TriggerSpec{Kind: TriggerTimeBased, Config: map[string]any{}},
			wantErr: "cron",
		},
		{
			name:    "time based rejects malformed cron",
			trigger: TriggerSpec{Kind: TriggerTimeBased, Config: map[string]any{"cron": "every tuesday"}},
			wantErr: "time_based",
		},
		{
			name:    "time based with valid cron",
			trigger: TriggerSpec{Kind: TriggerTimeBased, Config: map[string]any{"cron": "0 18 * * 0"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateTrigger(tt.trigger)
			if tt.wantErr == "" {
				assert.True(t, res.Valid, res.Error)
			} else {
				assert.False(t, res.Valid)
				assert.Contains(t, res.Error, tt.wantErr)
			}
		})
	}
}

func TestValidateConditions_Limits(t *testing.T) {
	limits := DefaultSafetyLimits()

	assert.True(t, ValidateConditions(nil, limits).Valid)

	// 11 leaves under one AND exceeds the 10-leaf cap.
	wide := &ConditionNode{Operator: CombinatorAnd}
	for i := 0; i < 11; i++ {
		wide.Rules = append(wide.Rules, &ConditionNode{Operator: OpEq, Field: "memberId", Value: "m"})
	}
	res := ValidateConditions(wide, limits)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "too many conditions")

	// Depth 5 exceeds the limit of 4.
	deep := &ConditionNode{Operator: OpEq, Field: "memberId", Value: "m"}
	for i := 0; i < 4; i++ {
		deep = &ConditionNode{Operator: CombinatorAnd, Rules: []*ConditionNode{deep}}
	}
	res = ValidateConditions(deep, limits)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "depth")
}

func TestValidateConditions_Shape(t *testing.T) {
	limits := DefaultSafetyLimits()

	leafWithChildren := &ConditionNode{
		Operator: OpEq,
		Field:    "memberId",
		Value:    "m",
		Rules:    []*ConditionNode{{Operator: OpEq, Field: "event", Value: "x"}},
	}
	assert.False(t, ValidateConditions(leafWithChildren, limits).Valid)

	combinatorWithField := &ConditionNode{Operator: CombinatorAnd, Field: "memberId"}
	assert.False(t, ValidateConditions(combinatorWithField, limits).Valid)

	missingField := &ConditionNode{Operator: OpEq, Value: "m"}
	assert.False(t, ValidateConditions(missingField, limits).Valid)

	badOperator := &ConditionNode{Operator: "matches", Field: "memberId", Value: "m"}
	res := ValidateConditions(badOperator, limits)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "invalid condition operator")

	nullChild := &ConditionNode{Operator: CombinatorOr, Rules: []*ConditionNode{nil}}
	assert.False(t, ValidateConditions(nullChild, limits).Valid)
}

func TestValidateActions(t *testing.T) {
	limits := DefaultSafetyLimits()

	assert.True(t, ValidateActions(nil, limits).Valid, "empty action list is legal")

	six := make([]ActionSpec, 6)
	for i := range six {
		six[i] = ActionSpec{Kind: ActionAwardCredits, Config: map[string]any{"amount": 1}}
	}
	res := ValidateActions(six, limits)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "too many actions")

	tests := []struct {
		name    string
		action  ActionSpec
		wantErr string
	}{
		{
			name:    "unknown kind",
			action:  ActionSpec{Kind: "launch_fireworks", Config: map[string]any{}},
			wantErr: "invalid action type",
		},
		{
			name:    "credits without amount",
			action:  ActionSpec{Kind: ActionAwardCredits, Config: map[string]any{}},
			wantErr: "amount is required",
		},
		{
			name:    "credits over limit",
			action:  ActionSpec{Kind: ActionAwardCredits, Config: map[string]any{"amount": 1001}},
			wantErr: "between 1 and 1000",
		},
		{
			name:    "notification without recipients",
			action:  ActionSpec{Kind: ActionSendNotification, Config: map[string]any{"title": "t", "message": "m"}},
			wantErr: "recipient",
		},
		{
			name: "notification without title",
			action: ActionSpec{Kind: ActionSendNotification, Config: map[string]any{
				"recipients": []any{"parents"}, "message": "m",
			}},
			wantErr: "title is required",
		},
		{
			name:    "shopping item without name",
			action:  ActionSpec{Kind: ActionAddShoppingItem, Config: map[string]any{}},
			wantErr: "itemName is required",
		},
		{
			name:    "todo without title",
			action:  ActionSpec{Kind: ActionCreateTodo, Config: map[string]any{}},
			wantErr: "title is required",
		},
		{
			name:    "screen time zero adjustment",
			action:  ActionSpec{Kind: ActionAdjustScreenTime, Config: map[string]any{"amountMinutes": 0}},
			wantErr: "must not be zero",
		},
		{
			name:    "screen time out of range",
			action:  ActionSpec{Kind: ActionAdjustScreenTime, Config: map[string]any{"amountMinutes": -500}},
			wantErr: "480",
		},
		{
			name:   "negative screen time within range",
			action: ActionSpec{Kind: ActionAdjustScreenTime, Config: map[string]any{"amountMinutes": -30}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateActions([]ActionSpec{tt.action}, limits)
			if tt.wantErr == "" {
				assert.True(t, res.Valid, res.Error)
			} else {
				assert.False(t, res.Valid)
				assert.Contains(t, res.Error, tt.wantErr)
			}
		})
	}
}
