package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pricepilot-api/pkg/models"
	"pricepilot-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPricingRouter(t *testing.T) *gin.Engine {
	t.Helper()
	// Ginのテストモードに設定
	gin.SetMode(gin.TestMode)

	pipeline, err := services.NewPipeline(services.DefaultPipelineConfig(), nil)
	require.NoError(t, err)
	handler := NewPricingHandler(pipeline, services.NewMonitoringService(zerolog.Nop(), time.UTC), zerolog.Nop())

	router := gin.New()
	handler.RegisterRoutes(router.Group("/pricing"))
	return router
}

func simulated(id string, days int) models.ProductObservations {
	return services.NewSalesSimulator(21).Generate(services.SimulatedProduct{
		ID:        id,
		BasePrice: 15,
		UnitCost:  6,
	}, days, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC))
}

func postJSON(router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func multipartUpload(t *testing.T, files map[string][2]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, f := range files {
		part, err := mw.CreateFormFile(field, f[0])
		require.NoError(t, err)
		_, err = part.Write([]byte(f[1]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", services.ErrInvalidObservation), http.StatusBadRequest},
		{services.ErrInvalidConfiguration, http.StatusBadRequest},
		{services.ErrInsufficientHistory, http.StatusUnprocessableEntity},
		{services.ErrDegenerateElasticity, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusRequestTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusForError(tt.err), tt.err.Error())
	}
}

func TestSignalsEndpoint(t *testing.T) {
	router := newPricingRouter(t)

	w := postJSON(router, "/pricing/signals", services.PipelineRequest{Observations: simulated("SKU-1", 30)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data services.PipelineResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []services.Stage{services.StageSignals}, resp.Data.StagesRun)
	assert.NotNil(t, resp.Data.Signals)
	assert.Nil(t, resp.Data.Forecast)
}

func TestForecastEndpointReportsShortHistory(t *testing.T) {
	router := newPricingRouter(t)

	w := postJSON(router, "/pricing/forecast", services.PipelineRequest{Observations: simulated("SKU-1", 10)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"insufficient_history"`)
}

func TestAnalyzeRequiresProductID(t *testing.T) {
	router := newPricingRouter(t)

	w := postJSON(router, "/pricing/analyze", gin.H{"observations": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(router, "/pricing/batch", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBatchEndpoint(t *testing.T) {
	router := newPricingRouter(t)

	w := postJSON(router, "/pricing/batch", BatchRequest{Products: []services.PipelineRequest{
		{Observations: simulated("SKU-1", 45)},
		{Observations: simulated("SKU-2", 5)},
	}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success   bool                 `json:"success"`
		Data      []services.BatchItem `json:"data"`
		Evaluated int                  `json:"evaluated"`
		Failed    int                  `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 1, resp.Evaluated)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "insufficient_history", resp.Data[1].ErrorKind)
}

func TestImportCSVParts(t *testing.T) {
	router := newPricingRouter(t)

	body, contentType := multipartUpload(t, map[string][2]string{
		services.SheetProducts: {"products.csv", "id,name,price\nP-1,Mug,12.5\n"},
		services.SheetSales:    {"sales.csv", "date,product_id,units_sold\n2026-05-01,P-1,4\n2026-05-02,P-1,6\n"},
	})
	req := httptest.NewRequest(http.MethodPost, "/pricing/import", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data []models.ProductObservations `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Mug", resp.Data[0].Product.Name)
	assert.Len(t, resp.Data[0].Sales, 2)
}

func TestImportWorkbookAndEvaluate(t *testing.T) {
	router := newPricingRouter(t)

	var workbook bytes.Buffer
	require.NoError(t, services.WriteWorkbook(&workbook, []models.ProductObservations{simulated("SKU-1", 45)}))
	body, contentType := multipartUpload(t, map[string][2]string{"file": {"observations.xlsx", workbook.String()}})

	req := httptest.NewRequest(http.MethodPost, "/pricing/import?evaluate=true", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"evaluated":1`)
}

func TestImportRejectsUnsupportedFile(t *testing.T) {
	router := newPricingRouter(t)

	body, contentType := multipartUpload(t, map[string][2]string{"file": {"notes.txt", "hello"}})
	req := httptest.NewRequest(http.MethodPost, "/pricing/import", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"invalid_observation"`)
}

func TestSimulateAndRulesEndpoints(t *testing.T) {
	router := newPricingRouter(t)

	w := postJSON(router, "/pricing/simulate", SimulateRequest{
		Product: services.SimulatedProduct{ID: "SKU-9", BasePrice: 9.5},
		Days:    20,
		Seed:    4,
		EndDate: "2026-05-31",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data models.ProductObservations `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Sales, 20)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pricing/rules/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	table, err := services.ParseRuleTable(w.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, table.Rules(), 6)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pricing/config", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"horizon_days":14`)
}

func TestAnalyzeRejectsUnboundedHistorySpan(t *testing.T) {
	router := newPricingRouter(t)

	obs := simulated("SKU-1", 45)
	obs.Sales[0].Date = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

	w := postJSON(router, "/pricing/analyze", services.PipelineRequest{Observations: obs})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"invalid_observation"`)
}
