package rules

import (
	"testing"
)

// Every built-in template must instantiate into a rule that passes
// validation as-is.
func TestTemplates_AllValid(t *testing.T) {
	limits := DefaultSafetyLimits()
	templates := Templates()
	if len(templates) == 0 {
		t.Fatal("expected built-in templates")
	}

	seen := make(map[string]bool)
	for _, tpl := range templates {
		if tpl.ID == "" || tpl.Name == "" {
			t.Errorf("template %+v missing ID or name", tpl)
		}
		if seen[tpl.ID] {
			t.Errorf("duplicate template ID %q", tpl.ID)
		}
		seen[tpl.ID] = true

		rule := &AutomationRule{
			ID:         "rule-from-template",
			FamilyID:   "fam-1",
			Name:       tpl.Name,
			Trigger:    tpl.Trigger,
			Conditions: tpl.Conditions,
			Actions:    tpl.Actions,
			IsEnabled:  true,
		}
		if res := ValidateRule(rule, limits); !res.Valid {
			t.Errorf("template %q does not validate: %s", tpl.ID, res.Error)
		}
	}
}

func TestTemplates_ReturnsCopy(t *testing.T) {
	first := Templates()
	first[0].Name = "mutated"

	second := Templates()
	if second[0].Name == "mutated" {
		t.Error("Templates must return a copy, not the backing slice")
	}
}

func TestTemplateByID(t *testing.T) {
	tpl, ok := TemplateByID("chore-reward")
	if !ok {
		t.Fatal("chore-reward template should exist")
	}
	if tpl.Trigger.Kind != TriggerChoreCompleted {
		t.Errorf("unexpected trigger kind %q", tpl.Trigger.Kind)
	}

	if _, ok := TemplateByID("does-not-exist"); ok {
		t.Error("unknown ID should not resolve")
	}
}
