// Package httpapi provides the node's REST surface: submit/inspect/cancel an
// intent, fetch the plan and artifact it produced, list every known intent,
// simulate a plan without executing it, and a liveness probe.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orpheon-systems/node/engine"
	"github.com/orpheon-systems/node/intent"
	"github.com/orpheon-systems/node/logging"
	"github.com/orpheon-systems/node/nodeerr"
	"github.com/orpheon-systems/node/planner"
	"github.com/orpheon-systems/node/telemetry"
)

const protocolVersion = "orpheon/1.0"

// Handler serves the node's REST API over an *engine.Engine.
type Handler struct {
	engine    *engine.Engine
	planner   planner.Planner
	logger    logging.ComponentAwareLogger
	telemetry telemetry.Provider
	version   string
}

// NewHandler constructs a Handler. The planner passed here is used only by
// Simulate, which must plan without mutating engine state.
func NewHandler(e *engine.Engine, p planner.Planner, logger logging.ComponentAwareLogger, tel telemetry.Provider, version string) *Handler {
	h := &Handler{engine: e, planner: p, logger: logger, telemetry: tel, version: version}
	if h.logger == nil {
		h.logger = logging.NewProductionLogger()
	}
	if scoped, ok := h.logger.WithComponent("node/httpapi").(logging.ComponentAwareLogger); ok {
		h.logger = scoped
	}
	if h.telemetry == nil {
		h.telemetry = telemetry.NewNoOpProvider()
	}
	return h
}

// RegisterRoutes wires every endpoint onto mux. It adds no tracing; see
// RegisterRoutesWithTracing.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)

	mux.HandleFunc("/api/v1/intent", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.HandleSubmitIntent(w, r)
		default:
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		}
	})

	mux.HandleFunc("/api/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleListIntents(w, r)
	})

	mux.HandleFunc("/api/v1/simulate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleSimulate(w, r)
	})

	mux.HandleFunc("/api/v1/intent/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/plan"):
			if r.Method != http.MethodGet {
				h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
				return
			}
			h.HandleGetPlan(w, r)
		case strings.HasSuffix(r.URL.Path, "/artifact"):
			if r.Method != http.MethodGet {
				h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
				return
			}
			h.HandleGetArtifact(w, r)
		default:
			switch r.Method {
			case http.MethodGet:
				h.HandleGetIntent(w, r)
			case http.MethodDelete:
				h.HandleCancelIntent(w, r)
			default:
				h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			}
		}
	})
}

// RegisterRoutesWithTracing registers every route behind the telemetry
// package's tracing middleware. Spans are named "HTTP <method> <path>" from
// the raw request path, so ids in the path appear in span names.
func (h *Handler) RegisterRoutesWithTracing(mux *http.ServeMux) http.Handler {
	h.RegisterRoutes(mux)
	return telemetry.TracingMiddleware("node/httpapi")(mux)
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeNodeError maps a nodeerr.NodeError to its HTTP status and writes it.
func (h *Handler) writeNodeError(w http.ResponseWriter, err error) {
	h.writeError(w, nodeerr.StatusCode(err), err.Error(), errorCode(err, "INTERNAL"))
}

func errorCode(err error, fallback string) string {
	switch nodeerr.StatusCode(err) {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	default:
		return fallback
	}
}

// extractID extracts the uuid segment immediately following prefix in path,
// truncating at the next "/" so sub-resources ("/plan", "/artifact") parse
// cleanly.
func extractID(path, prefix string) (uuid.UUID, bool) {
	if !strings.HasPrefix(path, prefix) {
		return uuid.UUID{}, false
	}
	rest := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Protocol: protocolVersion,
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Protocol string `json:"protocol"`
}

// SubmitIntentRequest is the body of POST /api/v1/intent.
type SubmitIntentRequest struct {
	Kind        string            `json:"kind"`
	Constraints []ConstraintInput `json:"constraints,omitempty"`
	Preferences []PreferenceInput `json:"preferences,omitempty"`
	Budget      *BudgetInput      `json:"budget,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
}

// ConstraintInput mirrors intent.Constraint's sparse union shape for wire
// input: only the fields relevant to Kind need to be set.
type ConstraintInput struct {
	Kind         string          `json:"type"`
	Expression   string          `json:"expression,omitempty"`
	Resource     string          `json:"resource,omitempty"`
	Limit        float64         `json:"limit,omitempty"`
	Metric       string          `json:"metric,omitempty"`
	Threshold    uint64          `json:"threshold,omitempty"`
	Unit         string          `json:"unit,omitempty"`
	DeadlineAt   *time.Time      `json:"deadline_at,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	AllowRegions []string        `json:"allow_regions,omitempty"`
	DenyRegions  []string        `json:"deny_regions,omitempty"`
	Name         string          `json:"name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// PreferenceInput mirrors intent.Preference.
type PreferenceInput struct {
	Objective string  `json:"objective"`
	Direction string  `json:"direction"`
	Weight    float64 `json:"weight"`
}

// BudgetInput mirrors intent.Budget.
type BudgetInput struct {
	MaxCost       *float64 `json:"max_cost,omitempty"`
	Currency      string   `json:"currency,omitempty"`
	MaxDurationMs *uint64  `json:"max_duration_ms,omitempty"`
	MaxRetries    uint32   `json:"max_retries,omitempty"`
}

// SubmitIntentResponse is the body of a successful POST /api/v1/intent.
type SubmitIntentResponse struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// IntentResponse is the representation of a Record returned from the get
// and list endpoints.
type IntentResponse struct {
	ID         uuid.UUID  `json:"id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	PlanID     *uuid.UUID `json:"plan_id,omitempty"`
	ArtifactID *uuid.UUID `json:"artifact_id,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func recordToResponse(r engine.Record) IntentResponse {
	return IntentResponse{
		ID:         r.Intent.ID,
		Kind:       r.Intent.Kind,
		Status:     string(r.Status),
		PlanID:     r.PlanID,
		ArtifactID: r.ArtifactID,
		Error:      r.Error,
		CreatedAt:  r.Intent.CreatedAt,
	}
}

func buildIntent(kind string, constraints []ConstraintInput, preferences []PreferenceInput, budget *BudgetInput, priority string, metadata json.RawMessage) (*intent.Intent, error) {
	b := intent.NewBuilder().Kind(kind)

	for _, c := range constraints {
		b = b.Constraint(intent.Constraint{
			Kind:         intent.ConstraintKind(c.Kind),
			Expression:   c.Expression,
			Resource:     c.Resource,
			Limit:        c.Limit,
			Metric:       c.Metric,
			Threshold:    c.Threshold,
			Unit:         c.Unit,
			DeadlineAt:   c.DeadlineAt,
			Provider:     c.Provider,
			AllowRegions: c.AllowRegions,
			DenyRegions:  c.DenyRegions,
			Name:         c.Name,
			Payload:      c.Payload,
		})
	}
	for _, p := range preferences {
		b = b.Preference(intent.Preference{
			Objective: p.Objective,
			Direction: intent.Direction(p.Direction),
			Weight:    float32(p.Weight),
		})
	}
	if budget != nil {
		b = b.Budget(intent.Budget{
			MaxCost:       budget.MaxCost,
			Currency:      budget.Currency,
			MaxDurationMs: budget.MaxDurationMs,
			MaxRetries:    budget.MaxRetries,
		})
	}
	if priority != "" {
		b = b.Priority(intent.Priority(priority))
	}
	if len(metadata) > 0 {
		b = b.Metadata(metadata)
	}

	return b.Build()
}

// HandleSubmitIntent handles POST /api/v1/intent.
func (h *Handler) HandleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmitIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "kind is required", "MISSING_KIND")
		return
	}

	spanCtx, span := h.telemetry.StartSpan(ctx, "httpapi.submit_intent")
	defer span.End()

	i, err := buildIntent(req.Kind, req.Constraints, req.Preferences, req.Budget, req.Priority, req.Metadata)
	if err != nil {
		span.RecordError(err)
		h.writeNodeError(w, err)
		return
	}

	if err := i.Validate(); err != nil {
		span.RecordError(err)
		h.writeNodeError(w, err)
		return
	}

	if err := h.engine.SubmitIntent(*i); err != nil {
		span.RecordError(err)
		h.writeNodeError(w, err)
		return
	}

	span.SetAttribute("intent.id", i.ID.String())
	span.SetAttribute("intent.kind", i.Kind)
	h.telemetry.RecordMetric(telemetry.MetricIntentsReceivedTotal, 1, map[string]string{"kind": i.Kind})

	h.logger.InfoWithContext(spanCtx, "intent submitted", map[string]interface{}{
		"intent_id": i.ID.String(),
		"kind":      i.Kind,
	})

	h.writeJSON(w, http.StatusCreated, SubmitIntentResponse{
		ID:      i.ID,
		Status:  string(intent.StatusReceived),
		Message: "intent accepted",
	})
}

// HandleGetIntent handles GET /api/v1/intent/:id.
func (h *Handler) HandleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := extractID(r.URL.Path, "/api/v1/intent/")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid intent id", "INVALID_ID")
		return
	}

	rec, ok := h.engine.GetRecord(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "intent not found", "NOT_FOUND")
		return
	}

	h.writeJSON(w, http.StatusOK, recordToResponse(*rec))
}

// HandleCancelIntent handles DELETE /api/v1/intent/:id.
func (h *Handler) HandleCancelIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := extractID(r.URL.Path, "/api/v1/intent/")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid intent id", "INVALID_ID")
		return
	}

	if err := h.engine.CancelIntent(id); err != nil {
		h.writeNodeError(w, err)
		return
	}

	h.logger.InfoWithContext(ctx, "intent cancelled", map[string]interface{}{"intent_id": id.String()})
	w.WriteHeader(http.StatusNoContent)
}

// HandleListIntents handles GET /api/v1/intents.
func (h *Handler) HandleListIntents(w http.ResponseWriter, r *http.Request) {
	records := h.engine.ListRecords()
	out := make([]IntentResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordToResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// HandleGetPlan handles GET /api/v1/intent/:id/plan. The plan is looked up
// by the owning intent's id, not by plan id, matching the reference API.
func (h *Handler) HandleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := extractID(r.URL.Path, "/api/v1/intent/")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid intent id", "INVALID_ID")
		return
	}

	rec, ok := h.engine.GetRecord(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "intent not found", "NOT_FOUND")
		return
	}
	if rec.PlanID == nil {
		h.writeError(w, http.StatusNotFound, "no plan for this intent yet", "NO_PLAN")
		return
	}

	p, ok := h.engine.GetPlan(*rec.PlanID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "plan not found", "NOT_FOUND")
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// HandleGetArtifact handles GET /api/v1/intent/:id/artifact, resolving by
// intent id rather than artifact id for the same reason as HandleGetPlan.
func (h *Handler) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := extractID(r.URL.Path, "/api/v1/intent/")
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid intent id", "INVALID_ID")
		return
	}

	rec, ok := h.engine.GetRecord(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "intent not found", "NOT_FOUND")
		return
	}
	if rec.ArtifactID == nil {
		h.writeError(w, http.StatusNotFound, "no artifact for this intent yet", "NO_ARTIFACT")
		return
	}

	art, ok := h.engine.GetArtifact(*rec.ArtifactID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "artifact not found", "NOT_FOUND")
		return
	}

	h.writeJSON(w, http.StatusOK, art)
}

// SimulateRequest is the body of POST /api/v1/simulate.
type SimulateRequest struct {
	Kind        string            `json:"kind"`
	Constraints []ConstraintInput `json:"constraints,omitempty"`
	Preferences []PreferenceInput `json:"preferences,omitempty"`
	Budget      *BudgetInput      `json:"budget,omitempty"`
}

// PlanSummary is the condensed plan view returned from simulation.
type PlanSummary struct {
	ID       uuid.UUID `json:"id"`
	Steps    int       `json:"steps"`
	Strategy string    `json:"strategy"`
}

// SimulateResponse is the body of POST /api/v1/simulate.
type SimulateResponse struct {
	SimulationID      uuid.UUID    `json:"simulation_id"`
	Success           bool         `json:"success"`
	Plan              *PlanSummary `json:"plan,omitempty"`
	EstimatedCost     float64      `json:"estimated_cost"`
	EstimatedDuration uint64       `json:"estimated_duration_ms"`
	ConfidenceScore   float64      `json:"confidence_score"`
	Warnings          []string     `json:"warnings"`
	Error             string       `json:"error,omitempty"`
}

// HandleSimulate handles POST /api/v1/simulate: it builds a transient intent
// and runs the planner directly, never touching the engine's store, so
// simulating never submits, schedules, or executes anything.
func (h *Handler) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Kind == "" {
		h.writeError(w, http.StatusBadRequest, "kind is required", "MISSING_KIND")
		return
	}

	spanCtx, span := h.telemetry.StartSpan(ctx, "httpapi.simulate")
	defer span.End()

	i, err := buildIntent(req.Kind, req.Constraints, req.Preferences, req.Budget, "", nil)
	simID := uuid.New()
	if err != nil {
		span.RecordError(err)
		h.writeJSON(w, http.StatusOK, SimulateResponse{
			SimulationID: simID,
			Success:      false,
			Warnings:     []string{},
			Error:        err.Error(),
		})
		return
	}

	p, err := h.planner.Plan(spanCtx, i, planner.NewState())
	if err != nil {
		span.RecordError(err)
		h.writeJSON(w, http.StatusOK, SimulateResponse{
			SimulationID: simID,
			Success:      false,
			Warnings:     []string{},
			Error:        err.Error(),
		})
		return
	}

	var warnings []string
	if req.Budget != nil {
		if req.Budget.MaxCost != nil && p.EstimatedCost > *req.Budget.MaxCost {
			warnings = append(warnings, "estimated cost exceeds requested budget")
		}
		if req.Budget.MaxDurationMs != nil && p.EstimatedLatencyMs > *req.Budget.MaxDurationMs {
			warnings = append(warnings, "estimated duration exceeds requested budget")
		}
	}
	if warnings == nil {
		warnings = []string{}
	}

	h.writeJSON(w, http.StatusOK, SimulateResponse{
		SimulationID: simID,
		Success:      true,
		Plan: &PlanSummary{
			ID:       p.ID,
			Steps:    len(p.Steps),
			Strategy: string(p.Strategy),
		},
		EstimatedCost:     p.EstimatedCost,
		EstimatedDuration: p.EstimatedLatencyMs,
		ConfidenceScore:   float64(p.ConfidenceScore),
		Warnings:          warnings,
	})
}
