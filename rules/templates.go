package rules

// RuleTemplate is a curated, ready-to-customize rule definition offered to
// administrators when they create a rule.
type RuleTemplate struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     string         `json:"category"`
	Trigger      TriggerSpec    `json:"trigger"`
	Conditions   *ConditionNode `json:"conditions,omitempty"`
	Actions      []ActionSpec   `json:"actions"`
	Customizable []string       `json:"customizable"`
}

var builtinTemplates = []RuleTemplate{
	{
		ID:          "chore-reward",
		Name:        "Chore Completion Reward",
		Description: "Award credits every time a chore is completed",
		Category:    "rewards",
		Trigger: TriggerSpec{
			Kind:   TriggerChoreCompleted,
			Config: map[string]any{"anyChore": true},
		},
		Actions: []ActionSpec{
			{Kind: ActionAwardCredits, Config: map[string]any{
				"amount": 10,
				"reason": "Chore completed",
			}},
		},
		Customizable: []string{"actions.0.config.amount"},
	},
	{
		ID:          "streak-bonus",
		Name:        "Weekly Streak Bonus",
		Description: "Celebrate a 7-day chore streak with bonus credits and a notification",
		Category:    "rewards",
		Trigger: TriggerSpec{
			Kind:   TriggerChoreStreak,
			Config: map[string]any{"days": 7},
		},
		Actions: []ActionSpec{
			{Kind: ActionAwardCredits, Config: map[string]any{
				"amount": 50,
				"reason": "7-day streak bonus",
			}},
			{Kind: ActionSendNotification, Config: map[string]any{
				"recipients": []string{"child"},
				"title":      "Streak bonus!",
				"message":    "You kept your chore streak for a whole week. 50 bonus credits!",
			}},
		},
		Customizable: []string{"trigger.config.days", "actions.0.config.amount"},
	},
	{
		ID:          "screentime-warning",
		Name:        "Screen Time Running Low",
		Description: "Warn a member when their screen time balance drops below 30 minutes",
		Category:    "convenience",
		Trigger: TriggerSpec{
			Kind:   TriggerScreenTimeLow,
			Config: map[string]any{"thresholdMinutes": 30},
		},
		Actions: []ActionSpec{
			{Kind: ActionSendNotification, Config: map[string]any{
				"recipients": []string{"child"},
				"title":      "Screen time running low",
				"message":    "You have less than 30 minutes of screen time left today.",
			}},
		},
		Customizable: []string{"trigger.config.thresholdMinutes"},
	},
	{
		ID:          "restock-staples",
		Name:        "Restock Low Inventory",
		Description: "Add an item to the shopping list when its stock runs low",
		Category:    "convenience",
		Trigger: TriggerSpec{
			Kind:   TriggerInventoryLow,
			Config: map[string]any{"thresholdPercentage": 20},
		},
		Actions: []ActionSpec{
			{Kind: ActionAddShoppingItem, Config: map[string]any{
				"itemName": "Restock item",
				"priority": "NEEDED_SOON",
			}},
		},
		Customizable: []string{"trigger.config.thresholdPercentage", "actions.0.config.itemName"},
	},
	{
		ID:          "sunday-prep",
		Name:        "Sunday Evening Prep",
		Description: "Create a weekly prep todo and remind the parents every Sunday at 6 PM",
		Category:    "productivity",
		Trigger: TriggerSpec{
			Kind:   TriggerTimeBased,
			Config: map[string]any{"cron": "0 18 * * 0", "description": "Every Sunday at 6 PM"},
		},
		Actions: []ActionSpec{
			{Kind: ActionCreateTodo, Config: map[string]any{
				"title":    "Prepare for the week",
				"priority": "MEDIUM",
			}},
			{Kind: ActionSendNotification, Config: map[string]any{
				"recipients": []string{"parents"},
				"title":      "Weekly prep",
				"message":    "Time to plan the week ahead.",
			}},
		},
		Customizable: []string{"trigger.config.cron", "actions.0.config.title"},
	},
	{
		ID:          "busy-day-relief",
		Name:        "Busy Day Screen Time Boost",
		Description: "Give extra screen time on days with a packed family calendar",
		Category:    "convenience",
		Trigger: TriggerSpec{
			Kind:   TriggerCalendarBusy,
			Config: map[string]any{"eventCount": 4},
		},
		Actions: []ActionSpec{
			{Kind: ActionAdjustScreenTime, Config: map[string]any{
				"amountMinutes": 30,
				"reason":        "Busy day bonus",
			}},
		},
		Customizable: []string{"trigger.config.eventCount", "actions.0.config.amountMinutes"},
	},
}

// Templates returns the built-in rule templates.
func Templates() []RuleTemplate {
	out := make([]RuleTemplate, len(builtinTemplates))
	copy(out, builtinTemplates)
	return out
}

// TemplateByID looks up a built-in template.
func TemplateByID(id string) (*RuleTemplate, bool) {
	for i := range builtinTemplates {
		if builtinTemplates[i].ID == id {
			t := builtinTemplates[i]
			return &t, true
		}
	}
	return nil, false
}
