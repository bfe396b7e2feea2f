package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caleblanchard/hearth/rules"
)

type stubLedger struct {
	awards int
}

func (s *stubLedger) Award(context.Context, string, int, string) (int, error) {
	s.awards++
	return s.awards * 10, nil
}

type stubNotifier struct {
	sent int
}

func (s *stubNotifier) Notify(context.Context, string, string, string, string, string) error {
	s.sent++
	return nil
}

type testServer struct {
	server   *Server
	ledger   *stubLedger
	notifier *stubNotifier
	rules    *rules.InMemoryRuleStore
	audit    *rules.InMemoryAuditStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ledger := &stubLedger{}
	notifier := &stubNotifier{}
	executor := rules.NewExecutor(rules.Effects{
		Credits:  ledger,
		Notifier: notifier,
	})

	ruleStore := rules.NewInMemoryRuleStore()
	executionStore := rules.NewInMemoryExecutionStore()
	auditStore := rules.NewInMemoryAuditStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &Server{
		rules:      ruleStore,
		executions: executionStore,
		runner: rules.NewRunner(ruleStore, executionStore, auditStore, executor,
			rules.WithLogger(log), rules.WithNotifier(notifier)),
		limits: rules.DefaultSafetyLimits(),
		log:    log,
	}
	s.setupRoutes()

	return &testServer{server: s, ledger: ledger, notifier: notifier, rules: ruleStore, audit: auditStore}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func (ts *testServer) seedRule(t *testing.T) *rules.AutomationRule {
	t.Helper()
	rule := &rules.AutomationRule{
		ID:       "rule-1",
		FamilyID: "fam-1",
		Name:     "Chore reward",
		Trigger:  rules.TriggerSpec{Kind: rules.TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Actions: []rules.ActionSpec{
			{Kind: rules.ActionAwardCredits, Config: map[string]any{"amount": 10}},
		},
		IsEnabled: true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, ts.rules.Create(context.Background(), rule))
	return rule
}

func choreEvent() map[string]any {
	return map[string]any{
		"familyId":        "fam-1",
		"memberId":        "child-1",
		"event":           rules.TriggerChoreCompleted,
		"choreInstanceId": "chore-1",
	}
}

func TestCreateRule(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/families/fam-1/rules", createRuleRequest{
		Name:    "Reward chores",
		Trigger: rules.TriggerSpec{Kind: rules.TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Actions: []rules.ActionSpec{
			{Kind: rules.ActionAwardCredits, Config: map[string]any{"amount": 10}},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[rules.AutomationRule](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "fam-1", created.FamilyID)
	assert.True(t, created.IsEnabled, "rules default to enabled")

	stored, err := ts.rules.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reward chores", stored.Name)
}

func TestCreateRule_Invalid(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/families/fam-1/rules", createRuleRequest{
		Name:    "Bad trigger",
		Trigger: rules.TriggerSpec{Kind: "teleport_detected", Config: map[string]any{}},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "invalid trigger type")
}

func TestListRules(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[rulesListResponse](t, rec)
	require.Len(t, body.Rules, 1)
	assert.Equal(t, "rule-1", body.Rules[0].ID)

	// Another family sees nothing.
	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-2/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[rulesListResponse](t, rec)
	assert.Empty(t, body.Rules)
}

func TestGetRule_FamilyScope(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/rule-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Reading through another family 404s rather than leaking existence.
	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-2/rules/rule-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateRule(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	disabled := false
	rec := ts.request(t, http.MethodPut, "/api/v1/families/fam-1/rules/rule-1", createRuleRequest{
		Name:    "Renamed",
		Trigger: rules.TriggerSpec{Kind: rules.TriggerChoreCompleted, Config: map[string]any{"anyChore": true}},
		Actions: []rules.ActionSpec{
			{Kind: rules.ActionAwardCredits, Config: map[string]any{"amount": 20}},
		},
		IsEnabled: &disabled,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[rules.AutomationRule](t, rec)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.IsEnabled)
}

func TestDeleteRule(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodDelete, "/api/v1/families/fam-1/rules/rule-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/rule-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventRunsRules(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/events", choreEvent())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody[eventResponse](t, rec)
	assert.Equal(t, 1, body.Evaluated)
	assert.Equal(t, 1, body.Triggered)
	assert.Equal(t, 1, ts.ledger.awards, "matching rule should award credits")
}

func TestEventValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/events", map[string]any{"event": "chore_completed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/v1/events", map[string]any{"familyId": "fam-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestRuleEndpointIsDry(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/families/fam-1/rules/rule-1/test", testRuleRequest{
		Context: &rules.TriggerContext{
			MemberID:        "child-1",
			Event:           rules.TriggerChoreCompleted,
			ChoreInstanceID: "chore-1",
		},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[rules.PipelineResult](t, rec)
	assert.True(t, report.WouldExecute)
	assert.True(t, report.Success)
	require.Len(t, report.Actions, 1)
	assert.Contains(t, report.Actions[0].Simulation, "Would award")

	assert.Zero(t, ts.ledger.awards, "dry run must not execute actions")
	assert.Empty(t, ts.audit.Entries(), "dry run must not be audited")
}

func TestRunRuleEndpointExecutes(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/families/fam-1/rules/rule-1/run", testRuleRequest{
		Context: &rules.TriggerContext{
			MemberID:        "child-1",
			Event:           rules.TriggerChoreCompleted,
			ChoreInstanceID: "chore-1",
		},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[rules.PipelineResult](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, 1, ts.ledger.awards)

	entries := ts.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, rules.AuditRuleTestRun, entries[0].Action)

	// The run shows up in the execution history.
	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/rule-1/executions?includeStats=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[executionsResponse](t, rec)
	assert.Equal(t, 1, history.Total)
	require.NotNil(t, history.Stats)
	assert.Equal(t, 1, history.Stats.TotalExecutions)
	assert.Equal(t, 100, history.Stats.SuccessRate)
}

func TestRunRuleEndpoint_CrossFamily(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/families/fam-2/rules/rule-1/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutions_Filters(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRule(t)

	for i := 0; i < 3; i++ {
		rec := ts.request(t, http.MethodPost, "/api/v1/families/fam-1/rules/rule-1/run", testRuleRequest{
			Context: &rules.TriggerContext{
				MemberID:        "child-1",
				Event:           rules.TriggerChoreCompleted,
				ChoreInstanceID: fmt.Sprintf("chore-%d", i),
			},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/rule-1/executions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[executionsResponse](t, rec)
	assert.Equal(t, 3, body.Total)
	assert.Len(t, body.Executions, 2)

	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/rule-1/executions?success=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[executionsResponse](t, rec)
	assert.Equal(t, 0, body.Total)

	rec = ts.request(t, http.MethodGet, "/api/v1/families/fam-1/rules/rule-1/executions?success=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTemplates(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[templatesResponse](t, rec)
	assert.NotEmpty(t, body.Templates)
}

func TestCronSweepAuth(t *testing.T) {
	ts := newTestServer(t)

	// No secret configured.
	rec := ts.request(t, http.MethodPost, "/api/v1/cron/evaluate-time-rules", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.server.cronSecret = "s3cret"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cron/evaluate-time-rules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	unauth := httptest.NewRecorder()
	ts.server.ServeHTTP(unauth, req)
	assert.Equal(t, http.StatusUnauthorized, unauth.Code)
}
