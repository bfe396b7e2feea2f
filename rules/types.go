package rules

import (
	"errors"
	"time"
)

// Trigger kinds understood by the matcher.
const (
	TriggerChoreCompleted   = "chore_completed"
	TriggerChoreStreak      = "chore_streak"
	TriggerScreenTimeLow    = "screentime_low"
	TriggerInventoryLow     = "inventory_low"
	TriggerCalendarBusy     = "calendar_busy"
	TriggerMedicationGiven  = "medication_given"
	TriggerRoutineCompleted = "routine_completed"
	TriggerTimeBased        = "time_based"
)

// Action kinds understood by the executor.
const (
	ActionAwardCredits     = "award_credits"
	ActionSendNotification = "send_notification"
	ActionAddShoppingItem  = "add_shopping_item"
	ActionCreateTodo       = "create_todo"
	ActionAdjustScreenTime = "adjust_screentime"
)

// Condition combinators and leaf operators.
const (
	CombinatorAnd = "AND"
	CombinatorOr  = "OR"

	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Audit log constants. The field values are a compatibility contract with
// existing history and reporting views and must not change.
const (
	AuditRuleExecuted = "RULE_EXECUTED"
	AuditRuleTestRun  = "RULE_TEST_RUN"

	AuditResultSuccess = "SUCCESS"
	AuditResultFailure = "FAILURE"

	EntityAutomationRule = "AutomationRule"
)

var (
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrFamilyMismatch is returned when a rule is accessed through a
	// family it does not belong to.
	ErrFamilyMismatch = errors.New("rule belongs to a different family")
)

// Mode selects whether action handlers commit their effects or only
// describe them.
type Mode int

const (
	// ModeReal commits action effects and is the only mode that may write.
	ModeReal Mode = iota

	// ModeSimulate runs the full pipeline without any side effect.
	ModeSimulate
)

func (m Mode) String() string {
	if m == ModeSimulate {
		return "simulate"
	}
	return "real"
}

// TriggerSpec is the tagged trigger variant of a rule. Exactly one kind per
// rule; Config carries the kind-specific settings.
type TriggerSpec struct {
	Kind   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// ActionSpec is one entry of a rule's ordered action list.
type ActionSpec struct {
	Kind   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// ConditionNode is a recursive boolean expression. A node with Operator
// "AND" or "OR" is a combinator over Rules; any other node is a leaf
// comparing a dotted context field against Value. A nil node means the rule
// has no conditions and always passes.
type ConditionNode struct {
	Operator string           `json:"operator"`
	Rules    []*ConditionNode `json:"rules,omitempty"`
	Field    string           `json:"field,omitempty"`
	Value    any              `json:"value,omitempty"`
}

// IsCombinator reports whether the node combines child nodes rather than
// testing a field.
func (n *ConditionNode) IsCombinator() bool {
	return n != nil && (n.Operator == CombinatorAnd || n.Operator == CombinatorOr)
}

// AutomationRule is a declarative household rule: when the trigger fires and
// the conditions hold, run the actions in order. Rules are read-only to the
// engine; only the runner's auto-disable safeguard flips IsEnabled.
type AutomationRule struct {
	ID          string         `json:"id"`
	FamilyID    string         `json:"familyId"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Trigger     TriggerSpec    `json:"trigger"`
	Conditions  *ConditionNode `json:"conditions,omitempty"`
	Actions     []ActionSpec   `json:"actions"`
	IsEnabled   bool           `json:"isEnabled"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TriggerContext is the domestic event a rule is evaluated against, plus the
// ambient identifiers the caller resolved for it. It is built fresh per
// invocation and never persisted. Derived values such as streak counts and
// cron due-ness are computed by the caller, not by the engine.
type TriggerContext struct {
	FamilyID string `json:"familyId"`
	MemberID string `json:"memberId,omitempty"`

	// Event is the trigger kind of the originating event.
	Event     string `json:"event"`
	TriggerID string `json:"triggerId,omitempty"`

	ChoreInstanceID   string `json:"choreInstanceId,omitempty"`
	ChoreDefinitionID string `json:"choreDefinitionId,omitempty"`

	// StreakCount is the member's current streak length; nil when the caller
	// did not resolve it (zero is a meaningful, broken streak).
	StreakCount *int   `json:"streakCount,omitempty"`
	StreakType  string `json:"streakType,omitempty"`

	// ScreenTimeBalance is the member's remaining minutes; nil when the
	// caller did not resolve it (zero is a meaningful balance).
	ScreenTimeBalance *int `json:"screenTimeBalance,omitempty"`

	InventoryItemID string   `json:"inventoryItemId,omitempty"`
	StockPercentage *float64 `json:"stockPercentage,omitempty"`

	EventCount *int   `json:"eventCount,omitempty"`
	EventDate  string `json:"eventDate,omitempty"`

	MedicationID string `json:"medicationId,omitempty"`

	RoutineID   string `json:"routineId,omitempty"`
	RoutineType string `json:"routineType,omitempty"`

	// DueNow is resolved by the scheduler for time-based rules; the matcher
	// performs no clock reads of its own.
	DueNow bool `json:"dueNow,omitempty"`

	OccurredAt time.Time `json:"occurredAt,omitempty"`

	// Extra carries any additional caller-supplied fields, addressable by
	// condition leaves via dotted paths.
	Extra map[string]any `json:"extra,omitempty"`
}

// Lookup resolves a dotted field path against the context. Well-known fields
// are matched by their JSON names; anything else is resolved from Extra,
// descending nested maps segment by segment. The second return is false when
// the field is absent or unresolved.
func (c *TriggerContext) Lookup(path string) (any, bool) {
	if c == nil || path == "" {
		return nil, false
	}

	switch path {
	case "familyId":
		return c.FamilyID, c.FamilyID != ""
	case "memberId":
		return c.MemberID, c.MemberID != ""
	case "event":
		return c.Event, c.Event != ""
	case "triggerId":
		return c.TriggerID, c.TriggerID != ""
	case "choreInstanceId":
		return c.ChoreInstanceID, c.ChoreInstanceID != ""
	case "choreDefinitionId":
		return c.ChoreDefinitionID, c.ChoreDefinitionID != ""
	case "streakCount", "currentStreak":
		if c.StreakCount == nil {
			return nil, false
		}
		return *c.StreakCount, true
	case "streakType":
		return c.StreakType, c.StreakType != ""
	case "screenTimeBalance", "currentBalance":
		if c.ScreenTimeBalance == nil {
			return nil, false
		}
		return *c.ScreenTimeBalance, true
	case "inventoryItemId":
		return c.InventoryItemID, c.InventoryItemID != ""
	case "stockPercentage":
		if c.StockPercentage == nil {
			return nil, false
		}
		return *c.StockPercentage, true
	case "eventCount":
		if c.EventCount == nil {
			return nil, false
		}
		return *c.EventCount, true
	case "eventDate":
		return c.EventDate, c.EventDate != ""
	case "medicationId":
		return c.MedicationID, c.MedicationID != ""
	case "routineId":
		return c.RoutineID, c.RoutineID != ""
	case "routineType":
		return c.RoutineType, c.RoutineType != ""
	case "dueNow":
		return c.DueNow, true
	}

	return lookupPath(c.Extra, path)
}

// ActionOutcome is the result of one action within one pipeline run. The
// Executed/Detail pair is populated in real mode, WouldExecute/Simulation in
// simulate mode; Error is set in either mode when the action could not run.
type ActionOutcome struct {
	Kind         string         `json:"type"`
	Executed     bool           `json:"executed"`
	WouldExecute bool           `json:"wouldExecute"`
	Detail       map[string]any `json:"detail,omitempty"`
	Simulation   string         `json:"simulation,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// PipelineResult is the outcome of running one rule against one context.
// WouldExecute reports that the action stage was reached; it stays true even
// when individual actions fail. Success additionally requires that no action
// failed, and is what execution records and audit entries report.
type PipelineResult struct {
	RuleID              string          `json:"ruleId"`
	RuleName            string          `json:"ruleName"`
	Success             bool            `json:"success"`
	WouldExecute        bool            `json:"wouldExecute"`
	TriggerEvaluated    bool            `json:"triggerEvaluated"`
	ConditionsEvaluated bool            `json:"conditionsEvaluated"`
	Actions             []ActionOutcome `json:"actions"`
	ActionsCompleted    int             `json:"actionsCompleted"`
	ActionsFailed       int             `json:"actionsFailed"`
	Errors              []string        `json:"errors"`
	Warnings            []string        `json:"warnings"`
	// ExecutedAt is stamped for real runs only; simulated reports stay
	// timestamp-free so identical inputs yield identical reports.
	ExecutedAt time.Time `json:"executedAt,omitzero"`
}

// DryRunReport is a simulated pipeline run. It shares the result shape with
// real runs so the two modes cannot drift apart.
type DryRunReport = PipelineResult

// RuleExecution is the persisted record of one real pipeline run. Created
// once per run and immutable thereafter.
type RuleExecution struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"ruleId"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ExecutedAt time.Time      `json:"executedAt"`
}

// AuditEntry records an engine-initiated event in the household audit log.
type AuditEntry struct {
	ID         string         `json:"id"`
	FamilyID   string         `json:"familyId"`
	MemberID   string         `json:"memberId,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Result     string         `json:"result"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// SafetyLimits bound what a single rule may do.
type SafetyLimits struct {
	MaxExecutionsPerHour   int
	MaxActionsPerRule      int
	MaxConditionsPerRule   int
	MaxConditionDepth      int
	MaxCreditsPerAction    int
	MaxScreenTimeMinutes   int
	MaxConsecutiveFailures int
}

// DefaultSafetyLimits returns the limits applied when none are configured.
func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		MaxExecutionsPerHour:   10,
		MaxActionsPerRule:      5,
		MaxConditionsPerRule:   10,
		MaxConditionDepth:      4,
		MaxCreditsPerAction:    1000,
		MaxScreenTimeMinutes:   480,
		MaxConsecutiveFailures: 3,
	}
}

// lookupPath descends nested maps by dotted path segments.
func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}

	cur := any(m)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		seg := path[start:i]
		start = i + 1

		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
