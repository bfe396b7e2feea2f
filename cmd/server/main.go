// Command server runs the automation HTTP API: rule management, event
// ingestion, dry runs, manual runs, and the scheduler endpoint for
// time-based rules.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/caleblanchard/hearth/effects"
	"github.com/caleblanchard/hearth/internal/logger"
	"github.com/caleblanchard/hearth/rules"
	"github.com/caleblanchard/hearth/schedule"
)

type Server struct {
	db         *sql.DB
	rules      rules.RuleStore
	executions rules.ExecutionStore
	runner     *rules.Runner
	limits     rules.SafetyLimits
	cronSecret string
	log        *slog.Logger
	router     *chi.Mux
}

func NewServer(databaseURL string, log *slog.Logger) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	notifier := effects.NewPostgresNotifier(db)
	executor := rules.NewExecutor(rules.Effects{
		Credits:    effects.NewPostgresLedger(db),
		Notifier:   notifier,
		Members:    effects.NewPostgresMemberDirectory(db),
		Shopping:   effects.NewPostgresShoppingList(db),
		Todos:      effects.NewPostgresTodoCreator(db),
		ScreenTime: effects.NewPostgresScreenTime(db),
	})

	ruleStore := rules.NewPostgresRuleStore(db)
	executionStore := rules.NewPostgresExecutionStore(db)
	runner := rules.NewRunner(ruleStore, executionStore, rules.NewPostgresAuditStore(db), executor,
		rules.WithLogger(log),
		rules.WithNotifier(notifier),
	)

	s := &Server{
		db:         db,
		rules:      ruleStore,
		executions: executionStore,
		runner:     runner,
		limits:     rules.DefaultSafetyLimits(),
		cronSecret: os.Getenv("CRON_SECRET"),
		log:        log,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/events", s.handleEvent)
	r.Get("/api/v1/templates", s.handleListTemplates)
	r.Post("/api/v1/cron/evaluate-time-rules", s.handleCronSweep)

	r.Route("/api/v1/families/{familyID}/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)

		r.Route("/{ruleID}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
			r.Post("/test", s.handleTestRule)
			r.Post("/run", s.handleRunRule)
			r.Get("/executions", s.handleListExecutions)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleEvent ingests a household event and runs every enabled rule in the
// family against it.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var tc rules.TriggerContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if tc.FamilyID == "" {
		respondError(w, http.StatusBadRequest, "familyId is required", nil)
		return
	}
	if tc.Event == "" {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}
	if tc.OccurredAt.IsZero() {
		tc.OccurredAt = time.Now().UTC()
	}

	results, err := s.runner.RunAll(r.Context(), tc.FamilyID, &tc)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to run rules", err)
		return
	}

	triggered := 0
	for _, result := range results {
		if result.WouldExecute {
			triggered++
		}
	}
	respondJSON(w, http.StatusOK, eventResponse{
		Results:   results,
		Evaluated: len(results),
		Triggered: triggered,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	list, err := s.rules.List(r.Context(), familyID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, rulesListResponse{Rules: list})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")

	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	now := time.Now().UTC()
	rule := &rules.AutomationRule{
		ID:          uuid.NewString(),
		FamilyID:    familyID,
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
		IsEnabled:   true,
		CreatedBy:   r.Header.Get("X-Member-ID"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.IsEnabled != nil {
		rule.IsEnabled = *req.IsEnabled
	}

	if v := rules.ValidateRule(rule, s.limits); !v.Valid {
		respondError(w, http.StatusBadRequest, v.Error, nil)
		return
	}

	if err := s.rules.Create(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadScopedRule(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadScopedRule(w, r)
	if !ok {
		return
	}

	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.Trigger = req.Trigger
	rule.Conditions = req.Conditions
	rule.Actions = req.Actions
	if req.IsEnabled != nil {
		rule.IsEnabled = *req.IsEnabled
	}
	rule.UpdatedAt = time.Now().UTC()

	if v := rules.ValidateRule(rule, s.limits); !v.Valid {
		respondError(w, http.StatusBadRequest, v.Error, nil)
		return
	}

	if err := s.rules.Update(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadScopedRule(w, r)
	if !ok {
		return
	}

	if err := s.rules.Delete(r.Context(), rule.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestRule dry-runs a rule: the full pipeline executes but every
// action is simulated and nothing is persisted.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	ruleID := chi.URLParam(r, "ruleID")

	tc, ok := decodeTestContext(w, r, familyID)
	if !ok {
		return
	}

	report, err := s.runner.DryRunRule(r.Context(), ruleID, familyID, tc)
	if err != nil {
		respondRunError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleRunRule executes a rule for real, outside of event ingestion. The
// run is recorded and audited like any other execution.
func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	ruleID := chi.URLParam(r, "ruleID")

	tc, ok := decodeTestContext(w, r, familyID)
	if !ok {
		return
	}

	result, err := s.runner.RunRule(r.Context(), ruleID, familyID, tc)
	if err != nil {
		respondRunError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadScopedRule(w, r)
	if !ok {
		return
	}

	var filter rules.ExecutionFilter
	q := r.URL.Query()
	if v := q.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid success filter", err)
			return
		}
		filter.Success = &success
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	executions, total, err := s.executions.ListByRule(r.Context(), rule.ID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions", err)
		return
	}

	resp := executionsResponse{Executions: executions, Total: total}
	if includeStats, _ := strconv.ParseBool(q.Get("includeStats")); includeStats {
		stats, err := s.executions.Stats(r.Context(), rule.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to load execution stats", err)
			return
		}
		resp.Stats = stats
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, templatesResponse{Templates: rules.Templates()})
}

// handleCronSweep is called by the external scheduler once a minute. It
// finds every enabled time-based rule whose cron expression matches the
// current minute and runs it.
func (s *Server) handleCronSweep(w http.ResponseWriter, r *http.Request) {
	if s.cronSecret == "" {
		respondError(w, http.StatusServiceUnavailable, "cron secret is not configured", nil)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+s.cronSecret {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, family_id
		FROM automation_rules
		WHERE is_enabled = true AND trigger->>'type' = $1
		ORDER BY created_at ASC
	`, rules.TriggerTimeBased)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load time-based rules", err)
		return
	}
	defer rows.Close()

	type candidate struct {
		ruleID   string
		familyID string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.ruleID, &c.familyID); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan rule", err)
			return
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load time-based rules", err)
		return
	}

	now := time.Now().UTC()
	resp := cronSweepResponse{Results: []cronRuleResult{}}
	for _, c := range candidates {
		resp.Evaluated++
		entry := cronRuleResult{RuleID: c.ruleID, FamilyID: c.familyID}

		rule, err := s.rules.Get(r.Context(), c.ruleID)
		if err != nil {
			entry.Error = err.Error()
			resp.Results = append(resp.Results, entry)
			continue
		}
		entry.RuleName = rule.Name

		expr := rule.Trigger.Config["cron"]
		exprStr, _ := expr.(string)
		due, err := schedule.Matches(exprStr, now)
		if err != nil {
			entry.Error = err.Error()
			resp.Results = append(resp.Results, entry)
			continue
		}
		entry.Due = due
		if !due {
			resp.Results = append(resp.Results, entry)
			continue
		}

		tc := &rules.TriggerContext{
			FamilyID:   c.familyID,
			Event:      rules.TriggerTimeBased,
			TriggerID:  c.ruleID,
			DueNow:     true,
			OccurredAt: now,
		}
		result, err := s.runner.RunRule(r.Context(), c.ruleID, c.familyID, tc)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Result = result
			if result.WouldExecute {
				resp.Triggered++
			}
		}
		resp.Results = append(resp.Results, entry)
	}

	s.log.Info("cron sweep complete",
		"evaluated", resp.Evaluated,
		"triggered", resp.Triggered)
	respondJSON(w, http.StatusOK, resp)
}

// loadScopedRule fetches the rule from the URL and enforces that it belongs
// to the family in the URL. Cross-family access reads as not found.
func (s *Server) loadScopedRule(w http.ResponseWriter, r *http.Request) (*rules.AutomationRule, bool) {
	familyID := chi.URLParam(r, "familyID")
	ruleID := chi.URLParam(r, "ruleID")

	rule, err := s.rules.Get(r.Context(), ruleID)
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load rule", err)
		return nil, false
	}
	if rule.FamilyID != familyID {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return nil, false
	}
	return rule, true
}

func decodeTestContext(w http.ResponseWriter, r *http.Request, familyID string) (*rules.TriggerContext, bool) {
	tc := &rules.TriggerContext{FamilyID: familyID, OccurredAt: time.Now().UTC()}
	if r.Body == nil || r.ContentLength == 0 {
		return tc, true
	}

	var req testRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	if req.Context != nil {
		tc = req.Context
		tc.FamilyID = familyID
		if tc.OccurredAt.IsZero() {
			tc.OccurredAt = time.Now().UTC()
		}
	}
	return tc, true
}

func respondRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrRuleNotFound) || errors.Is(err, rules.ErrFamilyMismatch) {
		respondError(w, http.StatusNotFound, "rule not found", nil)
		return
	}
	respondError(w, http.StatusInternalServerError, "failed to run rule", err)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	_ = godotenv.Load()
	log := logger.Init()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	server, err := NewServer(databaseURL, log)
	if err != nil {
		log.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		log.Error("logger shutdown error", "error", err)
	}
	log.Info("server stopped")
}
