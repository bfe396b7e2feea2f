package rules

import "fmt"

// MatchTrigger reports whether the trigger fires for the given context.
// Matchers are pure: they compare caller-resolved context fields and never
// touch storage or the clock. An unrecognized kind never matches and returns
// a warning instead of an error, so malformed rules stay inert.
func MatchTrigger(trigger TriggerSpec, ctx *TriggerContext) (bool, string) {
	switch trigger.Kind {
	case TriggerChoreCompleted:
		return matchChoreCompleted(trigger.Config, ctx), ""
	case TriggerChoreStreak:
		return matchChoreStreak(trigger.Config, ctx), ""
	case TriggerScreenTimeLow:
		return matchScreenTimeLow(trigger.Config, ctx), ""
	case TriggerInventoryLow:
		return matchInventoryLow(trigger.Config, ctx), ""
	case TriggerCalendarBusy:
		return matchCalendarBusy(trigger.Config, ctx), ""
	case TriggerMedicationGiven:
		return matchMedicationGiven(trigger.Config, ctx), ""
	case TriggerRoutineCompleted:
		return matchRoutineCompleted(trigger.Config, ctx), ""
	case TriggerTimeBased:
		// Due-ness is resolved by the scheduler that invoked the runner.
		return ctx.DueNow, ""
	default:
		return false, fmt.Sprintf("unsupported trigger kind: %s", trigger.Kind)
	}
}

func matchChoreCompleted(config map[string]any, ctx *TriggerContext) bool {
	if ctx.Event != TriggerChoreCompleted {
		return false
	}

	// The event kind alone proves a chore completed; anyChore rules fire
	// even when the caller omitted chore identifiers.
	if configBool(config, "anyChore") {
		return true
	}

	if id := configString(config, "choreId"); id != "" {
		if id == ctx.ChoreInstanceID || id == ctx.ChoreDefinitionID {
			return true
		}
	}
	if id := configString(config, "choreDefinitionId"); id != "" && id == ctx.ChoreDefinitionID {
		return true
	}

	// An empty config matches any chore, kept for rules created before
	// anyChore existed.
	return configString(config, "choreId") == "" && configString(config, "choreDefinitionId") == ""
}

func matchChoreStreak(config map[string]any, ctx *TriggerContext) bool {
	if ctx.StreakCount == nil || ctx.MemberID == "" {
		return false
	}
	if want := configString(config, "streakType"); want != "" && want != ctx.StreakType {
		return false
	}
	days, ok := configNumber(config, "days")
	if !ok || days <= 0 {
		return false
	}
	return float64(*ctx.StreakCount) >= days
}

func matchScreenTimeLow(config map[string]any, ctx *TriggerContext) bool {
	if ctx.ScreenTimeBalance == nil || ctx.MemberID == "" {
		return false
	}
	threshold, ok := configNumber(config, "thresholdMinutes")
	if !ok {
		return false
	}
	return float64(*ctx.ScreenTimeBalance) <= threshold
}

func matchInventoryLow(config map[string]any, ctx *TriggerContext) bool {
	if ctx.StockPercentage == nil {
		return false
	}
	if id := configString(config, "itemId"); id != "" && id != ctx.InventoryItemID {
		return false
	}
	if cat := configString(config, "category"); cat != "" {
		got, ok := lookupPath(ctx.Extra, "category")
		if !ok || got != cat {
			return false
		}
	}
	threshold, ok := configNumber(config, "thresholdPercentage")
	if !ok {
		threshold = 20
	}
	return *ctx.StockPercentage <= threshold
}

func matchCalendarBusy(config map[string]any, ctx *TriggerContext) bool {
	if ctx.EventCount == nil {
		return false
	}
	if date := configString(config, "date"); date != "" && date != ctx.EventDate {
		return false
	}
	want, ok := configNumber(config, "eventCount")
	if !ok || want <= 0 {
		return false
	}
	return float64(*ctx.EventCount) >= want
}

func matchMedicationGiven(config map[string]any, ctx *TriggerContext) bool {
	if ctx.MedicationID == "" {
		return false
	}
	if member := configString(config, "memberId"); member != "" && member != ctx.MemberID {
		return false
	}
	if configBool(config, "anyMedication") {
		return true
	}
	if id := configString(config, "medicationId"); id != "" {
		return id == ctx.MedicationID
	}
	// Empty config matches any medication.
	return true
}

func matchRoutineCompleted(config map[string]any, ctx *TriggerContext) bool {
	if ctx.RoutineID == "" {
		return false
	}
	routineID := configString(config, "routineId")
	routineType := configString(config, "routineType")
	if routineID == "" && routineType == "" {
		return true
	}
	if routineType != "" && routineType == ctx.RoutineType {
		return true
	}
	return routineID != "" && routineID == ctx.RoutineID
}

func configString(config map[string]any, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

func configBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

// configNumber reads a numeric config value. JSON decoding yields float64,
// but rules built in code often use int.
func configNumber(config map[string]any, key string) (float64, bool) {
	return toFloat(config[key])
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
