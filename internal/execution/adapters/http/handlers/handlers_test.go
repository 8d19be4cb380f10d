package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/domain/workflow"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/adapters/memory"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/nodes"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/queue"
	"github.com/N0tion-Oneo/oneo-crm-sub003/internal/execution/app/service"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/clock"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/events"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub003/pkg/resilience"
)

func setupRouter(t *testing.T) (*gin.Engine, *service.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewScaled(1000)
	engine := service.New(service.Dependencies{
		Store:      memory.NewStore(),
		Processors: nodes.NewBuiltinRegistry(nodes.Dependencies{Clock: clk, Records: memory.NewRecordStore()}),
		EventBus:   events.NewInMemoryEventBus(),
		Clock:      clk,
		Logger:     logger.NewNop(),
	}, service.Config{Queue: queue.Config{Workers: 2}})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Stop(ctx)
	})

	breakers := resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("http"))
	breakers.Get("api.example.com")
	h := NewExecutionHandlers(engine, breakers, logger.NewNop())

	router := gin.New()
	router.GET("/health/live", h.Health)
	router.GET("/health/ready", h.Ready)
	h.Routes(router.Group("/api/v1"))
	return router, engine
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func approvalWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID: "wf-approval",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeTrigger},
			{ID: "approve", Type: workflow.NodeTypeApproval, Config: map[string]interface{}{"message": "Send quote to {{trigger_data.company}}?"}},
			{ID: "done", Type: workflow.NodeTypeWait, Config: map[string]interface{}{"duration_seconds": 1}},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "approve"},
			{Source: "approve", Target: "done", Label: nodes.BranchApproved},
		},
	}
}

func startPaused(t *testing.T, router http.Handler, engine *service.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/executions", StartExecutionRequest{
		Definition:  approvalWorkflow(),
		TriggerData: map[string]interface{}{"company": "Hooli"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := engine.Wait(ctx, resp.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionPaused, status.Status)
	return resp.ExecutionID
}

func TestHandlers_StartResumeAndInspect(t *testing.T) {
	router, engine := setupRouter(t)
	id := startPaused(t, router, engine)

	w := doJSON(t, router, http.MethodGet, "/api/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status service.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, workflow.ExecutionPaused, status.Status)
	assert.Equal(t, "approve", status.PausedNodeID)

	w = doJSON(t, router, http.MethodPost, "/api/v1/executions/"+id+"/resume", map[string]interface{}{"approved": true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := engine.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionSuccess, final.Status, final.ErrorMessage)

	w = doJSON(t, router, http.MethodGet, "/api/v1/executions/"+id+"/logs?nodeId=approve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		Logs []workflow.ExecutionLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, workflow.NodeSuccess, logs.Logs[0].Status)

	w = doJSON(t, router, http.MethodGet, "/api/v1/executions/"+id+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"milestone"`)
}

func TestHandlers_ErrorMapping(t *testing.T) {
	router, engine := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/executions", StartExecutionRequest{
		Definition: &workflow.Definition{
			ID:    "wf-bad",
			Nodes: []workflow.Node{{ID: "a", Type: "teleport"}},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "teleport")

	w = doJSON(t, router, http.MethodPost, "/api/v1/executions", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := startPaused(t, router, engine)
	w = doJSON(t, router, http.MethodPost, "/api/v1/executions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, router, http.MethodPost, "/api/v1/executions/"+id+"/resume", map[string]interface{}{"approved": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/executions/"+id+"/replays", map[string]interface{}{"checkpointId": "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandlers_RecoveryStrategies(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/recovery/strategies", map[string]interface{}{
		"name":             "broken",
		"maxRetryAttempts": -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/recovery/strategies", map[string]interface{}{
		"name":              "http retries",
		"nodeType":          "http_request",
		"maxRetryAttempts":  3,
		"baseDelay":         int64(time.Second),
		"backoffMultiplier": 2,
		"actions":           []string{"retry_node", "fail_workflow"},
		"enabled":           true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodGet, "/api/v1/recovery/strategies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Strategies []workflow.RecoveryStrategy `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Strategies, 1)
	assert.Equal(t, "http retries", resp.Strategies[0].Name)
	assert.NotEmpty(t, resp.Strategies[0].ID)
}

func TestHandlers_ReadyReportsBreakers(t *testing.T) {
	router, _ := setupRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status   string                              `json:"status"`
		Breakers map[string]resilience.BreakerStatus `json:"breakers"`
		Queue    map[string]int64                    `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "closed", resp.Breakers["api.example.com"].State)
	assert.Equal(t, int64(2), resp.Queue["totalWorkers"])
}

func TestHandlers_StreamExecution(t *testing.T) {
	router, engine := setupRouter(t)
	id := startPaused(t, router, engine)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/executions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first workflow.ExecutionLog
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "start", first.NodeID)

	w := doJSON(t, router, http.MethodPost, "/api/v1/executions/"+id+"/resume", map[string]interface{}{"approved": true})
	require.Equal(t, http.StatusAccepted, w.Code)

	var seen []string
	for {
		var entry workflow.ExecutionLog
		if err := conn.ReadJSON(&entry); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		seen = append(seen, entry.NodeID)
	}
	assert.Equal(t, []string{"approve", "done"}, seen)
}
