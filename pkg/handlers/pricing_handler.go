package handlers

import (
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"pricepilot-api/pkg/models"
	"pricepilot-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxBatchProducts 1リクエストで評価できる製品数の上限
const maxBatchProducts = 500

// PricingHandler 価格分析ハンドラー
type PricingHandler struct {
	pipeline   *services.Pipeline
	monitoring *services.MonitoringService
	logger     zerolog.Logger
}

// NewPricingHandler 新しい価格分析ハンドラーを作成
func NewPricingHandler(pipeline *services.Pipeline, monitoring *services.MonitoringService, logger zerolog.Logger) *PricingHandler {
	return &PricingHandler{
		pipeline:   pipeline,
		monitoring: monitoring,
		logger:     logger,
	}
}

// BatchRequest 一括評価リクエスト
type BatchRequest struct {
	Products []services.PipelineRequest `json:"products"`
}

// SimulateRequest 販売データ生成リクエスト
type SimulateRequest struct {
	Product services.SimulatedProduct `json:"product"`
	Days    int                       `json:"days"`
	Seed    uint64                    `json:"seed"`
	EndDate string                    `json:"end_date"` // YYYY-MM-DD、省略時は今日
}

// RegisterRoutes registers the pricing endpoints on rg.
func (h *PricingHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/signals", h.stage(services.StageSignals))
	rg.POST("/forecast", h.stage(services.StageForecast))
	rg.POST("/elasticity", h.stage(services.StageElasticity))
	rg.POST("/optimize", h.stage(services.StageOptimize))
	rg.POST("/analyze", h.Analyze)
	rg.POST("/batch", h.Batch)
	rg.POST("/import", h.Import)
	rg.POST("/simulate", h.Simulate)
	rg.GET("/rules", h.GetRules)
	rg.GET("/rules/export", h.ExportRules)
	rg.GET("/config", h.GetConfig)
}

// stage runs the pipeline up to the given stage and returns the partial result.
func (h *PricingHandler) stage(through services.Stage) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := h.bindRequest(c)
		if !ok {
			return
		}
		req.Through = through
		result, err := h.pipeline.Run(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, result)
	}
}

// Analyze 全ステージを実行し推奨を返す
func (h *PricingHandler) Analyze(c *gin.Context) {
	req, ok := h.bindRequest(c)
	if !ok {
		return
	}
	result, err := h.pipeline.Run(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	h.monitoring.RecordEvaluation(result.Evaluation)
	respondOK(c, result)
}

// Batch 複数製品を並列に評価
func (h *PricingHandler) Batch(c *gin.Context) {
	var request BatchRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, "リクエストの解析に失敗しました", err)
		return
	}
	if len(request.Products) == 0 {
		respondBadRequest(c, "products は1件以上必要です", nil)
		return
	}
	if len(request.Products) > maxBatchProducts {
		respondBadRequest(c, "products が多すぎます", nil)
		return
	}
	h.respondBatch(c, request.Products)
}

// Import アップロードされたワークブック（またはCSV一式）を読み込む。
// evaluate=true の場合は読み込んだ製品を一括評価する。
func (h *PricingHandler) Import(c *gin.Context) {
	observations, err := h.readUpload(c)
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Info().Int("products", len(observations)).Msg("observations imported")

	if c.Query("evaluate") != "true" {
		respondOK(c, observations)
		return
	}
	reqs := make([]services.PipelineRequest, len(observations))
	for i, obs := range observations {
		reqs[i] = services.PipelineRequest{Observations: obs}
	}
	h.respondBatch(c, reqs)
}

// Simulate 再現可能な疑似観測データを生成
func (h *PricingHandler) Simulate(c *gin.Context) {
	var request SimulateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, "リクエストの解析に失敗しました", err)
		return
	}
	if request.Product.ID == "" || request.Product.BasePrice <= 0 {
		respondBadRequest(c, "product.id と正の product.base_price が必要です", nil)
		return
	}
	if request.Days <= 0 || request.Days > 3*365 {
		request.Days = 90
	}
	end := time.Now().UTC()
	if request.EndDate != "" {
		parsed, err := time.Parse("2006-01-02", request.EndDate)
		if err != nil {
			respondBadRequest(c, "end_date は YYYY-MM-DD 形式で指定してください", err)
			return
		}
		end = parsed
	}
	obs := services.NewSalesSimulator(request.Seed).Generate(request.Product, request.Days, end)
	respondOK(c, obs)
}

// GetRules ルールテーブル（停止中のルールを含む）を返す
func (h *PricingHandler) GetRules(c *gin.Context) {
	respondOK(c, h.pipeline.Rules())
}

// ExportRules ルールテーブルをYAMLで返す
func (h *PricingHandler) ExportRules(c *gin.Context) {
	statuses := h.pipeline.Rules()
	rules := make([]models.DecisionRule, len(statuses))
	for i, s := range statuses {
		rules[i] = s.DecisionRule
	}
	data, err := services.MarshalRuleTable(rules)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/x-yaml; charset=utf-8", data)
}

// GetConfig 現在のパイプライン設定を返す
func (h *PricingHandler) GetConfig(c *gin.Context) {
	respondOK(c, h.pipeline.Config())
}

func (h *PricingHandler) bindRequest(c *gin.Context) (services.PipelineRequest, bool) {
	var req services.PipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "リクエストの解析に失敗しました", err)
		return req, false
	}
	if req.Observations.Product.ID == "" {
		respondBadRequest(c, "observations.product.id は必須です", nil)
		return req, false
	}
	return req, true
}

func (h *PricingHandler) respondBatch(c *gin.Context, reqs []services.PipelineRequest) {
	items := h.pipeline.RunBatch(c.Request.Context(), reqs)
	failed := 0
	for _, item := range items {
		if item.Err() != nil {
			failed++
			continue
		}
		if item.Result != nil {
			h.monitoring.RecordEvaluation(item.Result.Evaluation)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   failed == 0,
		"data":      items,
		"evaluated": len(items) - failed,
		"failed":    failed,
	})
}

// readUpload reads either a single .xlsx "file" part or the four CSV parts.
func (h *PricingHandler) readUpload(c *gin.Context) ([]models.ProductObservations, error) {
	if file, header, err := c.Request.FormFile("file"); err == nil {
		defer file.Close()
		if strings.ToLower(filepath.Ext(header.Filename)) != ".xlsx" {
			return nil, invalidUpload("サポートされていないファイル形式です。.xlsxをアップロードするか、CSVをシートごとに送信してください。")
		}
		return services.ImportWorkbook(file)
	}

	parts := make(map[string]io.Reader, 4)
	for _, name := range []string{services.SheetProducts, services.SheetCompetitors, services.SheetSales, services.SheetTrends} {
		file, _, err := c.Request.FormFile(name)
		if err != nil {
			continue
		}
		defer func(f multipart.File) { _ = f.Close() }(file)
		parts[name] = file
	}
	if parts[services.SheetProducts] == nil {
		return nil, invalidUpload("ファイルの取得に失敗しました。file（.xlsx）または products（.csv）が必要です。")
	}
	return services.ImportCSVBundle(parts[services.SheetProducts], parts[services.SheetCompetitors], parts[services.SheetSales], parts[services.SheetTrends])
}

type uploadError struct{ msg string }

func (e *uploadError) Error() string { return e.msg }
func (e *uploadError) Unwrap() error { return services.ErrInvalidObservation }

func invalidUpload(msg string) error { return &uploadError{msg: msg} }
