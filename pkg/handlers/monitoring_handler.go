package handlers

import (
	"net/http"
	"strconv"

	"pricepilot-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// defaultDecisionLimit 判断履歴の既定件数
const defaultDecisionLimit = 50

// MonitoringHandler はモニタリング関連の操作のハンドラです。
type MonitoringHandler struct {
	Service *services.MonitoringService
}

// NewMonitoringHandler は新しいMonitoringHandlerを生成します。
func NewMonitoringHandler(service *services.MonitoringService) *MonitoringHandler {
	return &MonitoringHandler{Service: service}
}

// GetLogs は集計されたリクエストログと価格判断の件数を返します。
func (h *MonitoringHandler) GetLogs(c *gin.Context) {
	hours := 24
	switch c.DefaultQuery("period", "24h") {
	case "1h":
		hours = 1
	case "7d":
		hours = 24 * 7
	}

	c.JSON(http.StatusOK, h.Service.GetDashboardData(hours))
}

// GetDecisions は直近の最終判断を新しい順に返します。
// ?product_id= で製品を絞り込み、?limit= で件数を指定できます。
func (h *MonitoringHandler) GetDecisions(c *gin.Context) {
	limit := defaultDecisionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, "limit は正の整数で指定してください", err)
			return
		}
		limit = n
	}
	respondOK(c, h.Service.RecentDecisions(c.Query("product_id"), limit))
}
