package rules

import (
	"fmt"
	"strings"

	"github.com/caleblanchard/hearth/schedule"
)

// ValidationResult reports whether a rule configuration is well-formed.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{Error: fmt.Sprintf(format, args...)}
}

var validTriggerKinds = map[string]bool{
	TriggerChoreCompleted:   true,
	TriggerChoreStreak:      true,
	TriggerScreenTimeLow:    true,
	TriggerInventoryLow:     true,
	TriggerCalendarBusy:     true,
	TriggerMedicationGiven:  true,
	TriggerRoutineCompleted: true,
	TriggerTimeBased:        true,
}

var validActionKinds = map[string]bool{
	ActionAwardCredits:     true,
	ActionSendNotification: true,
	ActionAddShoppingItem:  true,
	ActionCreateTodo:       true,
	ActionAdjustScreenTime: true,
}

var validLeafOperators = map[string]bool{
	OpEq: true, "equals": true, OpNeq: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpContains: true,
}

// ValidateRule checks a complete rule configuration against the given
// safety limits. Validation runs at the administrative boundary when rules
// are created or edited; the engine itself tolerates malformed rules by
// leaving them inert.
func ValidateRule(rule *AutomationRule, limits SafetyLimits) ValidationResult {
	if strings.TrimSpace(rule.Name) == "" {
		return invalid("rule name is required")
	}
	if rule.FamilyID == "" {
		return invalid("rule familyId is required")
	}
	if res := ValidateTrigger(rule.Trigger); !res.Valid {
		return res
	}
	if res := ValidateConditions(rule.Conditions, limits); !res.Valid {
		return res
	}
	return ValidateActions(rule.Actions, limits)
}

// ValidateTrigger checks the trigger kind and its kind-specific config.
func ValidateTrigger(trigger TriggerSpec) ValidationResult {
	if trigger.Kind == "" {
		return invalid("trigger type is required")
	}
	if !validTriggerKinds[trigger.Kind] {
		return invalid("invalid trigger type: %s", trigger.Kind)
	}
	if trigger.Config == nil {
		return invalid("trigger config is required")
	}

	switch trigger.Kind {
	case TriggerChoreStreak:
		days, ok := configNumber(trigger.Config, "days")
		if !ok || days < 1 {
			return invalid("chore_streak requires days >= 1")
		}
	case TriggerScreenTimeLow:
		if _, ok := configNumber(trigger.Config, "thresholdMinutes"); !ok {
			return invalid("screentime_low requires thresholdMinutes")
		}
	case TriggerInventoryLow:
		if pct, ok := configNumber(trigger.Config, "thresholdPercentage"); ok && (pct <= 0 || pct > 100) {
			return invalid("inventory_low thresholdPercentage must be between 1 and 100")
		}
	case TriggerCalendarBusy:
		count, ok := configNumber(trigger.Config, "eventCount")
		if !ok || count < 1 {
			return invalid("calendar_busy requires eventCount >= 1")
		}
	case TriggerTimeBased:
		expr := configString(trigger.Config, "cron")
		if expr == "" {
			return invalid("time_based requires a cron expression")
		}
		if err := schedule.Validate(expr); err != nil {
			return invalid("time_based: %v", err)
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateConditions checks the condition tree's operators, shape, and size.
// A nil tree is valid (the rule has no conditions).
func ValidateConditions(node *ConditionNode, limits SafetyLimits) ValidationResult {
	if node == nil {
		return ValidationResult{Valid: true}
	}
	if leaves := countLeaves(node); leaves > limits.MaxConditionsPerRule {
		return invalid("too many conditions: %d (max %d)", leaves, limits.MaxConditionsPerRule)
	}
	return validateConditionNode(node, 1, limits.MaxConditionDepth)
}

func validateConditionNode(node *ConditionNode, depth, maxDepth int) ValidationResult {
	if depth > maxDepth {
		return invalid("condition tree exceeds maximum depth of %d", maxDepth)
	}

	if node.IsCombinator() {
		if node.Field != "" {
			return invalid("combinator %s must not set a field", node.Operator)
		}
		for _, child := range node.Rules {
			if child == nil {
				return invalid("combinator %s has a null child", node.Operator)
			}
			if res := validateConditionNode(child, depth+1, maxDepth); !res.Valid {
				return res
			}
		}
		return ValidationResult{Valid: true}
	}

	if node.Field == "" {
		return invalid("condition field is required")
	}
	if !validLeafOperators[node.Operator] {
		return invalid("invalid condition operator: %s", node.Operator)
	}
	if len(node.Rules) > 0 {
		return invalid("condition leaf %s must not have child rules", node.Field)
	}
	return ValidationResult{Valid: true}
}

func countLeaves(node *ConditionNode) int {
	if node == nil {
		return 0
	}
	if node.IsCombinator() {
		total := 0
		for _, child := range node.Rules {
			total += countLeaves(child)
		}
		return total
	}
	return 1
}

// ValidateActions checks every action's kind and kind-specific config. An
// empty list is legal (the rule is inert).
func ValidateActions(actions []ActionSpec, limits SafetyLimits) ValidationResult {
	if len(actions) > limits.MaxActionsPerRule {
		return invalid("too many actions: %d (max %d)", len(actions), limits.MaxActionsPerRule)
	}

	for i, action := range actions {
		if action.Kind == "" {
			return invalid("action %d: type is required", i+1)
		}
		if !validActionKinds[action.Kind] {
			return invalid("action %d: invalid action type: %s", i+1, action.Kind)
		}
		if res := validateActionConfig(action, limits); !res.Valid {
			return invalid("action %d (%s): %s", i+1, action.Kind, res.Error)
		}
	}
	return ValidationResult{Valid: true}
}

func validateActionConfig(action ActionSpec, limits SafetyLimits) ValidationResult {
	switch action.Kind {
	case ActionAwardCredits:
		amount, ok := configNumber(action.Config, "amount")
		if !ok {
			return invalid("amount is required")
		}
		if amount < 1 || amount > float64(limits.MaxCreditsPerAction) {
			return invalid("amount must be between 1 and %d", limits.MaxCreditsPerAction)
		}
	case ActionSendNotification:
		if len(configStrings(action.Config, "recipients")) == 0 {
			return invalid("at least one recipient is required")
		}
		if configString(action.Config, "title") == "" {
			return invalid("title is required")
		}
		if configString(action.Config, "message") == "" {
			return invalid("message is required")
		}
	case ActionAddShoppingItem:
		if configString(action.Config, "itemName") == "" {
			return invalid("itemName is required")
		}
	case ActionCreateTodo:
		if configString(action.Config, "title") == "" {
			return invalid("title is required")
		}
	case ActionAdjustScreenTime:
		minutes, ok := configNumber(action.Config, "amountMinutes")
		if !ok {
			return invalid("amountMinutes is required")
		}
		if minutes == 0 {
			return invalid("amountMinutes must not be zero")
		}
		if minutes > float64(limits.MaxScreenTimeMinutes) || minutes < -float64(limits.MaxScreenTimeMinutes) {
			return invalid("amountMinutes must be within +/- %d", limits.MaxScreenTimeMinutes)
		}
	}
	return ValidationResult{Valid: true}
}
