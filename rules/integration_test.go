//go:build integration
// +build integration

package rules_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/caleblanchard/hearth/effects"
	"github.com/caleblanchard/hearth/rules"

	_ "github.com/lib/pq"
)

// setupTestDB starts a PostgreSQL container, applies the migrations and
// returns a connection.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "hearth_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=hearth_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil && db.Ping() == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if db == nil || db.Ping() != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	migrationsPath, err := filepath.Abs("../migrations")
	if err != nil {
		t.Fatalf("Failed to resolve migrations path: %v", err)
	}
	migrateURL := fmt.Sprintf("postgres://test:test@%s:%s/hearth_test?sslmode=disable", host, port.Port())
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), migrateURL)
	if err != nil {
		t.Fatalf("Failed to create migration instance: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgresContainer.Terminate(ctx)
	}
	return db, cleanup
}

func seedMember(t *testing.T, db *sql.DB, familyID, memberID, role string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO family_members (id, family_id, name, role)
		VALUES ($1, $2, $3, $4)
	`, memberID, familyID, "Member "+memberID, role)
	if err != nil {
		t.Fatalf("Failed to seed member: %v", err)
	}
}

func TestPostgresRuleStore_RoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := rules.NewPostgresRuleStore(db)
	ctx := context.Background()

	rule := &rules.AutomationRule{
		ID:       uuid.NewString(),
		FamilyID: "fam-1",
		Name:     "Chore reward",
		Trigger:  rules.TriggerSpec{Kind: rules.TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Conditions: &rules.ConditionNode{
			Operator: rules.CombinatorAnd,
			Rules: []*rules.ConditionNode{
				{Operator: rules.OpGte, Field: "streakCount", Value: 3},
			},
		},
		Actions: []rules.ActionSpec{
			{Kind: rules.ActionAwardCredits, Config: map[string]any{"amount": 10}},
		},
		IsEnabled: true,
		CreatedBy: "p1",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != rule.Name || got.FamilyID != rule.FamilyID {
		t.Errorf("Got %+v, want %+v", got, rule)
	}
	if got.Trigger.Kind != rules.TriggerChoreCompleted {
		t.Errorf("Trigger kind not preserved: %q", got.Trigger.Kind)
	}
	if got.Conditions == nil || len(got.Conditions.Rules) != 1 {
		t.Errorf("Conditions not preserved: %+v", got.Conditions)
	}
	if len(got.Actions) != 1 || got.Actions[0].Kind != rules.ActionAwardCredits {
		t.Errorf("Actions not preserved: %+v", got.Actions)
	}

	got.Name = "Renamed"
	got.IsEnabled = false
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	enabled, err := store.ListEnabled(ctx, "fam-1")
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("Disabled rule should not be listed as enabled, got %d", len(enabled))
	}

	all, err := store.List(ctx, "fam-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Renamed" {
		t.Errorf("Unexpected list: %+v", all)
	}

	if err := store.SetEnabled(ctx, rule.ID, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); err != rules.ErrRuleNotFound {
		t.Errorf("Expected ErrRuleNotFound after delete, got %v", err)
	}
}

func TestPostgresExecutionStore_HistoryAndStats(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	ruleStore := rules.NewPostgresRuleStore(db)
	execStore := rules.NewPostgresExecutionStore(db)

	rule := &rules.AutomationRule{
		ID:        uuid.NewString(),
		FamilyID:  "fam-1",
		Name:      "History rule",
		Trigger:   rules.TriggerSpec{Kind: rules.TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Actions:   []rules.ActionSpec{{Kind: rules.ActionAwardCredits, Config: map[string]any{"amount": 5}}},
		IsEnabled: true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := ruleStore.Create(ctx, rule); err != nil {
		t.Fatalf("Create rule: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	for i, success := range []bool{true, false, true} {
		err := execStore.Create(ctx, &rules.RuleExecution{
			ID:         uuid.NewString(),
			RuleID:     rule.ID,
			Success:    success,
			Result:     map[string]any{"actionsCompleted": 1},
			Metadata:   map[string]any{"triggerType": rule.Trigger.Kind},
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create execution %d: %v", i, err)
		}
	}

	list, total, err := execStore.ListByRule(ctx, rule.ID, rules.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListByRule: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Fatalf("Expected 3 executions, got %d (total %d)", len(list), total)
	}
	if list[0].ExecutedAt.Before(list[2].ExecutedAt) {
		t.Error("Executions should be newest first")
	}

	failed := false
	_, failedTotal, err := execStore.ListByRule(ctx, rule.ID, rules.ExecutionFilter{Success: &failed})
	if err != nil {
		t.Fatalf("Filtered ListByRule: %v", err)
	}
	if failedTotal != 1 {
		t.Errorf("Expected 1 failure, got %d", failedTotal)
	}

	stats, err := execStore.Stats(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalExecutions != 3 || stats.SuccessfulExecutions != 2 || stats.FailedExecutions != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

// Full stack: a chore event runs a Postgres-backed rule whose action writes
// to the credit ledger, and the execution and audit rows land in the
// database.
func TestRunner_EndToEnd(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	seedMember(t, db, "fam-1", "parent-1", "PARENT")
	seedMember(t, db, "fam-1", "child-1", "CHILD")

	ruleStore := rules.NewPostgresRuleStore(db)
	execStore := rules.NewPostgresExecutionStore(db)
	auditStore := rules.NewPostgresAuditStore(db)

	executor := rules.NewExecutor(rules.Effects{
		Credits:  effects.NewPostgresLedger(db),
		Notifier: effects.NewPostgresNotifier(db),
		Members:  effects.NewPostgresMemberDirectory(db),
	})
	runner := rules.NewRunner(ruleStore, execStore, auditStore, executor)

	rule := &rules.AutomationRule{
		ID:       uuid.NewString(),
		FamilyID: "fam-1",
		Name:     "Chore reward",
		Trigger:  rules.TriggerSpec{Kind: rules.TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Actions: []rules.ActionSpec{
			{Kind: rules.ActionAwardCredits, Config: map[string]any{"amount": 15}},
			{Kind: rules.ActionSendNotification, Config: map[string]any{
				"recipients": []any{"parents"},
				"title":      "Chore done",
				"message":    "A chore was completed",
			}},
		},
		IsEnabled: true,
		CreatedBy: "parent-1",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := ruleStore.Create(ctx, rule); err != nil {
		t.Fatalf("Create rule: %v", err)
	}

	tc := &rules.TriggerContext{
		FamilyID:        "fam-1",
		MemberID:        "child-1",
		Event:           rules.TriggerChoreCompleted,
		ChoreInstanceID: "chore-1",
		OccurredAt:      time.Now().UTC(),
	}
	results, err := runner.RunAll(ctx, "fam-1", tc)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("Expected one successful result, got %+v", results)
	}

	var balance float64
	if err := db.QueryRow(`SELECT current_balance FROM credit_balances WHERE member_id = 'child-1'`).Scan(&balance); err != nil {
		t.Fatalf("Read balance: %v", err)
	}
	if balance != 15 {
		t.Errorf("Expected balance 15, got %g", balance)
	}

	var notifications int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notifications WHERE user_id = 'parent-1'`).Scan(&notifications); err != nil {
		t.Fatalf("Count notifications: %v", err)
	}
	if notifications != 1 {
		t.Errorf("Expected 1 notification, got %d", notifications)
	}

	var audits int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE entity_id = $1 AND action = $2`,
		rule.ID, rules.AuditRuleExecuted).Scan(&audits); err != nil {
		t.Fatalf("Count audit logs: %v", err)
	}
	if audits != 1 {
		t.Errorf("Expected 1 audit entry, got %d", audits)
	}

	_, total, err := execStore.ListByRule(ctx, rule.ID, rules.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListByRule: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 recorded execution, got %d", total)
	}
}
