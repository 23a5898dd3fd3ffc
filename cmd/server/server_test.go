package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	config "pricepilot-api/configs"
	"pricepilot-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// テスト環境の設定
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	registry := prometheus.NewRegistry()
	pipeline, err := services.NewPipeline(services.DefaultPipelineConfig(), nil,
		services.WithMetrics(services.NewPipelineMetrics(registry)))
	require.NoError(t, err)
	monitoring := services.NewMonitoringService(zerolog.Nop(), time.UTC)
	return setupRouter(cfg, pipeline, monitoring, registry, zerolog.Nop())
}

func simulatedRequest(t *testing.T) []byte {
	t.Helper()
	obs := services.NewSalesSimulator(7).Generate(services.SimulatedProduct{
		ID:         "SKU-100",
		Name:       "Wireless Earbuds",
		BasePrice:  49.99,
		UnitCost:   21,
		BaseDemand: 40,
	}, 60, time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC))
	body, err := json.Marshal(services.PipelineRequest{Observations: obs})
	require.NoError(t, err)
	return body
}

func TestHealthCheck(t *testing.T) {
	r := newTestServer(t, &config.Config{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestAPIKeyRequired(t *testing.T) {
	r := newTestServer(t, &config.Config{APIKey: "secret"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pricing/rules", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pricing/rules", nil)
	req.Header.Set("X-API-KEY", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnalyzeEndpoint(t *testing.T) {
	r := newTestServer(t, &config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/analyze", bytes.NewReader(simulatedRequest(t)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool                    `json:"success"`
		Data    services.PipelineResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "SKU-100", resp.Data.ProductID)
	require.NotNil(t, resp.Data.Evaluation)
	assert.Len(t, resp.Data.StagesRun, 5)
	assert.NotEmpty(t, resp.Data.Evaluation.Final.Decision)

	// メトリクスにステージ所要時間が記録される
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pricepilot_stage_duration_seconds")

	// モニタリングに最終判断が集計される
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/logs?period=1h", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/pricing/analyze")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/decisions?product_id=SKU-100", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"product_id":"SKU-100"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/decisions?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaintenanceBlocksPricing(t *testing.T) {
	r := newTestServer(t, &config.Config{AdminUsername: "admin", AdminPassword: "pw"})

	start := httptest.NewRequest(http.MethodPost, "/api/v1/admin/maintenance/start",
		strings.NewReader(`{"username":"admin","password":"pw"}`))
	start.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, start)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pricing/rules", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMaintenanceRejectsBadCredentials(t *testing.T) {
	r := newTestServer(t, &config.Config{AdminUsername: "admin", AdminPassword: "pw"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/maintenance/start",
		strings.NewReader(`{"username":"admin","password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
