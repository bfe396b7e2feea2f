package rules

import (
	"context"
	"fmt"
	"time"
)

// CreditsLedger mutates a member's virtual-currency balance. Implementations
// own their own atomicity; the engine treats each call as an opaque,
// individually-failable effect.
type CreditsLedger interface {
	// Award adds amount to the member's balance and returns the new balance.
	Award(ctx context.Context, memberID string, amount int, reason string) (int, error)
}

// Notifier delivers a notification to one user. Implementations may mute
// delivery (e.g. sick mode); the engine is unaware of such policies.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, message, actionURL string) error
}

// MemberDirectory resolves the symbolic recipient groups a notification
// action may address.
type MemberDirectory interface {
	ActiveMemberIDs(ctx context.Context, familyID string) ([]string, error)
	ParentIDs(ctx context.Context, familyID string) ([]string, error)
}

// ShoppingList appends an item to the family's active shopping list.
type ShoppingList interface {
	AddItem(ctx context.Context, familyID, name string, quantity int, category, priority, notes string) (string, error)
}

// TodoCreator creates a todo item for the family.
type TodoCreator interface {
	Create(ctx context.Context, familyID, title, description, assigneeID, priority string, dueDate *time.Time) (string, error)
}

// ScreenTimeAdjuster shifts a member's screen-time balance by a signed
// number of minutes and returns the new balance.
type ScreenTimeAdjuster interface {
	Adjust(ctx context.Context, memberID string, minutes int, reason string) (int, error)
}

// Effects bundles the external collaborators action handlers depend on. Nil
// collaborators are legal; a handler whose collaborator is missing fails
// that action without affecting its siblings.
type Effects struct {
	Credits    CreditsLedger
	Notifier   Notifier
	Members    MemberDirectory
	Shopping   ShoppingList
	Todos      TodoCreator
	ScreenTime ScreenTimeAdjuster
}

// ActionHandler implements one action kind. Execute commits the effect;
// Simulate describes it without committing anything. Simulations must be
// deterministic over the config and context alone, so a dry run is
// idempotent and side-effect free by construction.
type ActionHandler interface {
	Kind() string
	Execute(ctx context.Context, config map[string]any, tc *TriggerContext) (map[string]any, error)
	Simulate(config map[string]any, tc *TriggerContext) string
}

// Executor dispatches actions to their kind's handler. Unknown kinds yield
// an outcome carrying an error rather than failing the rule.
type Executor struct {
	handlers map[string]ActionHandler
	limits   SafetyLimits
}

// NewExecutor builds an executor with one handler per supported action kind
// wired to the given collaborators.
func NewExecutor(effects Effects) *Executor {
	return NewExecutorWithLimits(effects, DefaultSafetyLimits())
}

// NewExecutorWithLimits is NewExecutor with explicit safety limits.
func NewExecutorWithLimits(effects Effects, limits SafetyLimits) *Executor {
	e := &Executor{
		handlers: make(map[string]ActionHandler),
		limits:   limits,
	}
	e.Register(&awardCreditsHandler{ledger: effects.Credits, limits: limits})
	e.Register(&sendNotificationHandler{notifier: effects.Notifier, members: effects.Members})
	e.Register(&addShoppingItemHandler{shopping: effects.Shopping})
	e.Register(&createTodoHandler{todos: effects.Todos})
	e.Register(&adjustScreenTimeHandler{screenTime: effects.ScreenTime, limits: limits})
	return e
}

// Register installs a handler, replacing any existing handler for its kind.
func (e *Executor) Register(h ActionHandler) {
	e.handlers[h.Kind()] = h
}

// Execute runs a single action in the requested mode. Handler failures are
// captured in the outcome, never propagated: a failing action must not abort
// its siblings.
func (e *Executor) Execute(ctx context.Context, action ActionSpec, tc *TriggerContext, mode Mode) ActionOutcome {
	outcome := ActionOutcome{Kind: action.Kind}

	handler, ok := e.handlers[action.Kind]
	if !ok {
		outcome.Error = fmt.Sprintf("unsupported action kind: %s", action.Kind)
		return outcome
	}

	if mode == ModeSimulate {
		outcome.WouldExecute = true
		outcome.Simulation = handler.Simulate(action.Config, tc)
		return outcome
	}

	detail, err := handler.Execute(ctx, action.Config, tc)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Executed = true
	outcome.Detail = detail
	return outcome
}

// award_credits

type awardCreditsHandler struct {
	ledger CreditsLedger
	limits SafetyLimits
}

func (h *awardCreditsHandler) Kind() string { return ActionAwardCredits }

func (h *awardCreditsHandler) resolve(config map[string]any, tc *TriggerContext) (memberID string, amount int, reason string, err error) {
	memberID = configString(config, "memberId")
	if memberID == "" {
		memberID = tc.MemberID
	}
	if memberID == "" {
		return "", 0, "", fmt.Errorf("no member ID specified for credit award")
	}

	raw, ok := configNumber(config, "amount")
	if !ok {
		return "", 0, "", fmt.Errorf("award_credits requires a numeric amount")
	}
	amount = int(raw)
	if amount < 1 || amount > h.limits.MaxCreditsPerAction {
		return "", 0, "", fmt.Errorf("credit amount must be between 1 and %d", h.limits.MaxCreditsPerAction)
	}

	reason = configString(config, "reason")
	if reason == "" {
		reason = "Automation rule bonus"
	}
	return memberID, amount, reason, nil
}

func (h *awardCreditsHandler) Execute(ctx context.Context, config map[string]any, tc *TriggerContext) (map[string]any, error) {
	memberID, amount, reason, err := h.resolve(config, tc)
	if err != nil {
		return nil, err
	}
	if h.ledger == nil {
		return nil, fmt.Errorf("credits ledger is not configured")
	}

	balance, err := h.ledger.Award(ctx, memberID, amount, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memberId": memberID, "amount": amount, "newBalance": balance}, nil
}

func (h *awardCreditsHandler) Simulate(config map[string]any, tc *TriggerContext) string {
	amount, _ := configNumber(config, "amount")
	return fmt.Sprintf("Would award %g credits to member", amount)
}

// send_notification

type sendNotificationHandler struct {
	notifier Notifier
	members  MemberDirectory
}

func (h *sendNotificationHandler) Kind() string { return ActionSendNotification }

func (h *sendNotificationHandler) Execute(ctx context.Context, config map[string]any, tc *TriggerContext) (map[string]any, error) {
	recipients := configStrings(config, "recipients")
	if len(recipients) == 0 {
		return nil, fmt.Errorf("send_notification requires at least one recipient")
	}
	title := configString(config, "title")
	if title == "" {
		return nil, fmt.Errorf("send_notification requires a title")
	}
	message := configString(config, "message")
	if message == "" {
		return nil, fmt.Errorf("send_notification requires a message")
	}
	if h.notifier == nil {
		return nil, fmt.Errorf("notifier is not configured")
	}

	userIDs, err := h.resolveRecipients(ctx, recipients, tc)
	if err != nil {
		return nil, err
	}

	actionURL := configString(config, "actionUrl")
	sent := 0
	for _, userID := range userIDs {
		if err := h.notifier.Notify(ctx, userID, "GENERAL", title, message, actionURL); err != nil {
			return nil, fmt.Errorf("notify %s: %w", userID, err)
		}
		sent++
	}
	return map[string]any{"notificationsSent": sent}, nil
}

// resolveRecipients expands the symbolic groups "all", "parents" and "child"
// into member IDs, deduplicating while preserving first-seen order.
func (h *sendNotificationHandler) resolveRecipients(ctx context.Context, recipients []string, tc *TriggerContext) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, r := range recipients {
		switch r {
		case "all":
			if h.members == nil {
				return nil, fmt.Errorf("member directory is not configured")
			}
			members, err := h.members.ActiveMemberIDs(ctx, tc.FamilyID)
			if err != nil {
				return nil, fmt.Errorf("resolve recipients: %w", err)
			}
			for _, id := range members {
				add(id)
			}
		case "parents":
			if h.members == nil {
				return nil, fmt.Errorf("member directory is not configured")
			}
			parents, err := h.members.ParentIDs(ctx, tc.FamilyID)
			if err != nil {
				return nil, fmt.Errorf("resolve recipients: %w", err)
			}
			for _, id := range parents {
				add(id)
			}
		case "child":
			add(tc.MemberID)
		default:
			add(r)
		}
	}
	return ids, nil
}

func (h *sendNotificationHandler) Simulate(config map[string]any, tc *TriggerContext) string {
	title := configString(config, "title")
	recipients := configStrings(config, "recipients")
	return fmt.Sprintf("Would send notification: %q to %d recipient(s)", title, len(recipients))
}

// add_shopping_item

type addShoppingItemHandler struct {
	shopping ShoppingList
}

func (h *addShoppingItemHandler) Kind() string { return ActionAddShoppingItem }

func (h *addShoppingItemHandler) Execute(ctx context.Context, config map[string]any, tc *TriggerContext) (map[string]any, error) {
	name := configString(config, "itemName")
	if name == "" {
		return nil, fmt.Errorf("shopping item requires a name")
	}
	if h.shopping == nil {
		return nil, fmt.Errorf("shopping list is not configured")
	}

	quantity := 1
	if q, ok := configNumber(config, "quantity"); ok && q >= 1 {
		quantity = int(q)
	}
	category := configString(config, "category")
	if category == "" {
		category = "OTHER"
	}
	priority := configString(config, "priority")
	if priority == "" {
		priority = "NORMAL"
	}

	itemID, err := h.shopping.AddItem(ctx, tc.FamilyID, name, quantity, category, priority, configString(config, "notes"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"itemId": itemID, "itemName": name}, nil
}

func (h *addShoppingItemHandler) Simulate(config map[string]any, tc *TriggerContext) string {
	name := configString(config, "itemName")
	if name == "" {
		name = "inventory item"
	}
	return fmt.Sprintf("Would add %q to shopping list", name)
}

// create_todo

type createTodoHandler struct {
	todos TodoCreator
}

func (h *createTodoHandler) Kind() string { return ActionCreateTodo }

func (h *createTodoHandler) Execute(ctx context.Context, config map[string]any, tc *TriggerContext) (map[string]any, error) {
	title := configString(config, "title")
	if title == "" {
		return nil, fmt.Errorf("create_todo requires a title")
	}
	if h.todos == nil {
		return nil, fmt.Errorf("todo creator is not configured")
	}

	priority := configString(config, "priority")
	if priority == "" {
		priority = "MEDIUM"
	}

	var dueDate *time.Time
	if raw := configString(config, "dueDate"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid dueDate %q: %w", raw, err)
		}
		dueDate = &parsed
	}

	todoID, err := h.todos.Create(ctx, tc.FamilyID, title, configString(config, "description"),
		configString(config, "assignedToId"), priority, dueDate)
	if err != nil {
		return nil, err
	}
	return map[string]any{"todoId": todoID, "title": title}, nil
}

func (h *createTodoHandler) Simulate(config map[string]any, tc *TriggerContext) string {
	return fmt.Sprintf("Would create todo: %q", configString(config, "title"))
}

// adjust_screentime

type adjustScreenTimeHandler struct {
	screenTime ScreenTimeAdjuster
	limits     SafetyLimits
}

func (h *adjustScreenTimeHandler) Kind() string { return ActionAdjustScreenTime }

func (h *adjustScreenTimeHandler) Execute(ctx context.Context, config map[string]any, tc *TriggerContext) (map[string]any, error) {
	memberID := configString(config, "memberId")
	if memberID == "" {
		memberID = tc.MemberID
	}
	if memberID == "" {
		return nil, fmt.Errorf("no member ID specified for screen time adjustment")
	}

	raw, ok := configNumber(config, "amountMinutes")
	if !ok {
		return nil, fmt.Errorf("adjust_screentime requires amountMinutes")
	}
	minutes := int(raw)
	if minutes > h.limits.MaxScreenTimeMinutes || minutes < -h.limits.MaxScreenTimeMinutes {
		return nil, fmt.Errorf("screen time adjustment must be within +/- %d minutes", h.limits.MaxScreenTimeMinutes)
	}
	if h.screenTime == nil {
		return nil, fmt.Errorf("screen time adjuster is not configured")
	}

	reason := configString(config, "reason")
	if reason == "" {
		reason = "Automation rule adjustment"
	}

	balance, err := h.screenTime.Adjust(ctx, memberID, minutes, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"memberId": memberID, "adjustment": minutes, "newBalance": balance}, nil
}

func (h *adjustScreenTimeHandler) Simulate(config map[string]any, tc *TriggerContext) string {
	minutes, _ := configNumber(config, "amountMinutes")
	sign := ""
	if minutes > 0 {
		sign = "+"
	}
	return fmt.Sprintf("Would adjust screen time by %s%g minutes", sign, minutes)
}

func configStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
