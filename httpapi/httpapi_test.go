package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orpheon-systems/node/engine"
	"github.com/orpheon-systems/node/planner"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	e := engine.New(planner.NewAStarPlanner(), engine.WithConfig(engine.Config{WorkerPoolSize: 2, PollInterval: 5 * time.Millisecond}))
	return NewHandler(e, planner.NewAStarPlanner(), nil, nil, "test")
}

func mux(h *Handler) *http.ServeMux {
	m := http.NewServeMux()
	h.RegisterRoutes(m)
	return m
}

func TestHandleHealth(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	mux(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, protocolVersion, resp.Protocol)
}

func TestSubmitIntentRejectsMissingKind(t *testing.T) {
	h := newTestHandler(t)
	body, _ := json.Marshal(SubmitIntentRequest{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intent", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	mux(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitIntentThenGetRoundTrips(t *testing.T) {
	h := newTestHandler(t)

	reqBody, _ := json.Marshal(SubmitIntentRequest{
		Kind: "deploy.workload",
		Preferences: []PreferenceInput{
			{Objective: "cost", Direction: "minimize", Weight: 1.0},
		},
	})
	submitReq := httptest.NewRequest(http.MethodPost, "/api/v1/intent", bytes.NewReader(reqBody))
	submitRec := httptest.NewRecorder()
	m := mux(h)
	m.ServeHTTP(submitRec, submitReq)
	require.Equal(t, http.StatusCreated, submitRec.Code)

	var submitResp SubmitIntentResponse
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitResp))
	assert.Equal(t, "received", submitResp.Status)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/intent/"+submitResp.ID.String(), nil)
	getRec := httptest.NewRecorder()
	m.ServeHTTP(getRec, getReq)

	assert.Equal(t, http.StatusOK, getRec.Code)
	var getResp IntentResponse
	require.NoError(t, json.NewDecoder(getRec.Body).Decode(&getResp))
	assert.Equal(t, submitResp.ID, getResp.ID)
	assert.Equal(t, "deploy.workload", getResp.Kind)
}

func TestGetIntentNotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/intent/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()

	mux(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelThenCancelAgainConflicts(t *testing.T) {
	h := newTestHandler(t)
	m := mux(h)

	reqBody, _ := json.Marshal(SubmitIntentRequest{Kind: "deploy.workload"})
	submitRec := httptest.NewRecorder()
	m.ServeHTTP(submitRec, httptest.NewRequest(http.MethodPost, "/api/v1/intent", bytes.NewReader(reqBody)))
	var submitResp SubmitIntentResponse
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitResp))

	cancelRec := httptest.NewRecorder()
	m.ServeHTTP(cancelRec, httptest.NewRequest(http.MethodDelete, "/api/v1/intent/"+submitResp.ID.String(), nil))
	assert.Equal(t, http.StatusNoContent, cancelRec.Code)

	againRec := httptest.NewRecorder()
	m.ServeHTTP(againRec, httptest.NewRequest(http.MethodDelete, "/api/v1/intent/"+submitResp.ID.String(), nil))
	assert.Equal(t, http.StatusConflict, againRec.Code)
}

func TestGetPlanBeforePlanningReturnsNotFound(t *testing.T) {
	h := newTestHandler(t)
	m := mux(h)

	reqBody, _ := json.Marshal(SubmitIntentRequest{Kind: "deploy.workload"})
	submitRec := httptest.NewRecorder()
	m.ServeHTTP(submitRec, httptest.NewRequest(http.MethodPost, "/api/v1/intent", bytes.NewReader(reqBody)))
	var submitResp SubmitIntentResponse
	require.NoError(t, json.NewDecoder(submitRec.Body).Decode(&submitResp))

	planRec := httptest.NewRecorder()
	m.ServeHTTP(planRec, httptest.NewRequest(http.MethodGet, "/api/v1/intent/"+submitResp.ID.String()+"/plan", nil))
	assert.Equal(t, http.StatusNotFound, planRec.Code)
}

func TestListIntents(t *testing.T) {
	h := newTestHandler(t)
	m := mux(h)

	for _, kind := range []string{"deploy.workload", "scale.workload"} {
		body, _ := json.Marshal(SubmitIntentRequest{Kind: kind})
		rec := httptest.NewRecorder()
		m.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/intent", bytes.NewReader(body)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	listRec := httptest.NewRecorder()
	m.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/v1/intents", nil))
	assert.Equal(t, http.StatusOK, listRec.Code)

	var list []IntentResponse
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&list))
	assert.Len(t, list, 2)
}

func TestSimulateDoesNotRegisterIntent(t *testing.T) {
	h := newTestHandler(t)
	m := mux(h)

	body, _ := json.Marshal(SimulateRequest{
		Kind: "deploy.workload",
		Preferences: []PreferenceInput{
			{Objective: "cost", Direction: "minimize", Weight: 1.0},
		},
	})
	simRec := httptest.NewRecorder()
	m.ServeHTTP(simRec, httptest.NewRequest(http.MethodPost, "/api/v1/simulate", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, simRec.Code)

	var simResp SimulateResponse
	require.NoError(t, json.NewDecoder(simRec.Body).Decode(&simResp))
	assert.True(t, simResp.Success)
	require.NotNil(t, simResp.Plan)

	listRec := httptest.NewRecorder()
	m.ServeHTTP(listRec, httptest.NewRequest(http.MethodGet, "/api/v1/intents", nil))
	var list []IntentResponse
	require.NoError(t, json.NewDecoder(listRec.Body).Decode(&list))
	assert.Empty(t, list, "simulate must never register an intent in the engine")
}
