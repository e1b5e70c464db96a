// Package api implements sentryd's admin HTTP surface: rule CRUD and
// simulation, plus the dispatcher operational endpoints (status, config,
// suspended-rule management). The mux-per-method-pattern, withLogging
// middleware, and writeJSON/errorResponse helpers follow the teacher's
// internal/api/server.go.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/sentryd/internal/apperr"
	"github.com/nugget/sentryd/internal/buildinfo"
	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/rulestats"
	"github.com/nugget/sentryd/internal/rulestore"
	"github.com/nugget/sentryd/internal/runtimestore"
)

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// DispatcherStatus is the subset of dispatcher.Dispatcher the status
// endpoint reports.
type DispatcherStatus interface {
	QueueDepth() int
	PendingBatches() int
	PendingEntities() int
	Enabled() bool
	WorkerConcurrency() int
}

// RuntimeConfigSource is the live, admin-mutable dispatcher tuning plus
// retention windows.
type RuntimeConfigSource interface {
	Current() map[string]any
	Update(patch map[string]any) error
}

// EntityContextSource supplies the inputs a rule simulation evaluates
// against: a candidate entity-state map and the current alarm state.
type EntityContextSource interface {
	StatesFor(entityIDs []string) (map[string]string, error)
	CurrentState() string
}

// Server is sentryd's admin HTTP server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	Rules      *rulestore.Store
	Runtime    *runtimestore.Store
	Dispatch   DispatcherStatus
	Config     RuntimeConfigSource
	Entities   EntityContextSource
	Detections condeval.DetectionSource
	Stats      *rulestats.Stats

	// Integrations maps an integration name ("mqtt", "zwavejs", ...) to a
	// function returning its status snapshot, surfaced under
	// /v1/status's "integrations" key. Nil entries are skipped.
	Integrations map[string]func() any
}

// NewServer builds a Server. Collaborators are wired via the exported
// fields rather than constructor params since most are optional in
// stripped-down deployments (e.g. a config-validation-only run).
func NewServer(address string, port int, logger *slog.Logger) *Server {
	return &Server{address: address, port: port, logger: logger}
}

// Start begins serving HTTP requests; it blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/rules", s.handleRuleList)
	mux.HandleFunc("POST /v1/rules", s.handleRuleUpsert)
	mux.HandleFunc("GET /v1/rules/{id}", s.handleRuleGet)
	mux.HandleFunc("DELETE /v1/rules/{id}", s.handleRuleDelete)
	mux.HandleFunc("POST /v1/rules/{id}/simulate", s.handleRuleSimulate)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/config", s.handleConfigGet)
	mux.HandleFunc("PATCH /v1/config", s.handleConfigPatch)
	mux.HandleFunc("GET /v1/suspended_rules", s.handleSuspendedList)
	mux.HandleFunc("POST /v1/suspended_rules/{id}/clear", s.handleSuspendedClear)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting admin API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	if appErr, ok := apperr.As(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(appErr.Status())
		writeJSON(w, map[string]any{
			"error": map[string]any{"kind": appErr.Kind, "message": appErr.Message, "details": appErr.Details},
		}, s.logger)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	writeJSON(w, map[string]any{"error": map[string]any{"kind": "internal", "message": err.Error()}}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// Rule CRUD

type ruleRequest struct {
	ID              string         `json:"id,omitempty"`
	Name            string         `json:"name"`
	Kind            string         `json:"kind,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	When            *condeval.Node `json:"when"`
	Then            []model.Action `json:"then"`
	CooldownSeconds *int           `json:"cooldown_seconds,omitempty"`
	EntityIDs       []string       `json:"entity_ids,omitempty"`
	CreatedByAdmin  bool           `json:"created_by_admin,omitempty"`
}

func (s *Server) handleRuleUpsert(w http.ResponseWriter, r *http.Request) {
	if s.Rules == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("rulestore", "rule store not configured"))
		return
	}
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, apperr.Validation(nil, "invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		s.errorResponse(w, apperr.Validation(map[string]any{"name": "required"}, "name is required"))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := &model.Rule{
		ID:              req.ID,
		Name:            req.Name,
		Kind:            model.RuleKind(req.Kind),
		Enabled:         enabled,
		Priority:        req.Priority,
		When:            req.When,
		Then:            req.Then,
		CooldownSeconds: req.CooldownSeconds,
		CreatedByAdmin:  req.CreatedByAdmin,
	}
	if err := s.Rules.Upsert(rule, req.EntityIDs); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, rule, s.logger)
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	if s.Rules == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("rulestore", "rule store not configured"))
		return
	}
	var kindFilter *model.RuleKind
	if k := r.URL.Query().Get("kind"); k != "" {
		kk := model.RuleKind(k)
		kindFilter = &kk
	}
	var enabledFilter *bool
	if e := r.URL.Query().Get("enabled"); e != "" {
		b, err := strconv.ParseBool(e)
		if err == nil {
			enabledFilter = &b
		}
	}
	rules, err := s.Rules.ListAll(kindFilter, enabledFilter)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, map[string]any{"rules": rules, "count": len(rules)}, s.logger)
}

func (s *Server) handleRuleGet(w http.ResponseWriter, r *http.Request) {
	if s.Rules == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("rulestore", "rule store not configured"))
		return
	}
	id := r.PathValue("id")
	rule, err := s.Rules.Get(id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if rule == nil {
		s.errorResponse(w, apperr.NotFound("rule %q not found", id))
		return
	}
	writeJSON(w, rule, s.logger)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	if s.Rules == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("rulestore", "rule store not configured"))
		return
	}
	id := r.PathValue("id")
	rule, err := s.Rules.Get(id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if rule == nil {
		s.errorResponse(w, apperr.NotFound("rule %q not found", id))
		return
	}
	rule.Enabled = false
	if err := s.Rules.Upsert(rule, nil); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Simulation — side-effect-free, never mutates RuleRuntimeStore.

type simulateRequest struct {
	EntityStates map[string]string `json:"entity_states,omitempty"`
	AlarmState   string            `json:"alarm_state,omitempty"`
}

type simulateResponse struct {
	Matched bool           `json:"matched"`
	Trace   condeval.Trace `json:"trace"`
}

func (s *Server) handleRuleSimulate(w http.ResponseWriter, r *http.Request) {
	if s.Rules == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("rulestore", "rule store not configured"))
		return
	}
	id := r.PathValue("id")
	rule, err := s.Rules.Get(id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if rule == nil {
		s.errorResponse(w, apperr.NotFound("rule %q not found", id))
		return
	}

	var req simulateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, apperr.Validation(nil, "invalid request body: %v", err))
			return
		}
	}

	states := req.EntityStates
	alarmState := req.AlarmState
	if s.Entities != nil {
		if states == nil {
			ids, err := s.Rules.EntityIDsFor(id)
			if err == nil {
				if live, err := s.Entities.StatesFor(ids); err == nil {
					states = live
				}
			}
		}
		if alarmState == "" {
			alarmState = s.Entities.CurrentState()
		}
	}

	matched, trace := condeval.EvaluateTraced(rule.When, condeval.Context{
		EntityStates: states,
		AlarmState:   alarmState,
		Detections:   s.Detections,
		Now:          time.Now(),
	})
	writeJSON(w, simulateResponse{Matched: matched, Trace: trace}, s.logger)
}

// Dispatcher operational API

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"build": buildinfo.RuntimeInfo()}
	if s.Dispatch != nil {
		status["enabled"] = s.Dispatch.Enabled()
		status["workers"] = s.Dispatch.WorkerConcurrency()
		status["queue_depth"] = s.Dispatch.QueueDepth()
		status["pending_batches"] = s.Dispatch.PendingBatches()
		status["pending_entities"] = s.Dispatch.PendingEntities()
	}
	if s.Stats != nil {
		status["stats"] = s.Stats.Snapshot()
	}
	if len(s.Integrations) > 0 {
		integrations := make(map[string]any, len(s.Integrations))
		for name, snapshot := range s.Integrations {
			if snapshot != nil {
				integrations[name] = snapshot()
			}
		}
		status["integrations"] = integrations
	}
	writeJSON(w, status, s.logger)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	if s.Config == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("config", "runtime config not configured"))
		return
	}
	writeJSON(w, s.Config.Current(), s.logger)
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	if s.Config == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("config", "runtime config not configured"))
		return
	}
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.errorResponse(w, apperr.Validation(nil, "invalid request body: %v", err))
		return
	}
	if err := s.Config.Update(patch); err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, s.Config.Current(), s.logger)
}

func (s *Server) handleSuspendedList(w http.ResponseWriter, r *http.Request) {
	if s.Runtime == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("runtimestore", "runtime store not configured"))
		return
	}
	rows, err := s.Runtime.ListSuspended()
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	writeJSON(w, map[string]any{"suspended_rules": rows, "count": len(rows)}, s.logger)
}

func (s *Server) handleSuspendedClear(w http.ResponseWriter, r *http.Request) {
	if s.Runtime == nil {
		s.errorResponse(w, apperr.ServiceUnavailable("runtimestore", "runtime store not configured"))
		return
	}
	id := r.PathValue("id")
	if err := s.Runtime.ClearSuspension(id); err != nil {
		s.errorResponse(w, apperr.NotFound("no suspension for rule %q", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
