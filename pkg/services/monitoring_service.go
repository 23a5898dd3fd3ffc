package services

import (
	"sort"
	"strings"
	"sync"
	"time"

	"pricepilot-api/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxRequestLogs 保持するリクエストログの上限
const maxRequestLogs = 10000

// LogEntry は単一のリクエストログを表します。
type LogEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Path         string        `json:"path"`
	Method       string        `json:"method"`
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	RequestID    string        `json:"request_id,omitempty"`
}

// DecisionRecord は1回の価格評価の最終判断です。
type DecisionRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	ProductID string          `json:"product_id"`
	Decision  models.Decision `json:"decision"`
	RuleID    string          `json:"rule_id"`
}

// MonitoringService はAPIリクエストと価格判断のモニタリング機能を提供します。
type MonitoringService struct {
	logs      []LogEntry
	decisions []DecisionRecord
	location  *time.Location
	logger    zerolog.Logger
	now       func() time.Time
	mu        sync.RWMutex
}

// NewMonitoringService は新しいMonitoringServiceを生成します。
// loc はダッシュボードの時間バケットに使うタイムゾーン（nil の場合は UTC）。
func NewMonitoringService(logger zerolog.Logger, loc *time.Location) *MonitoringService {
	if loc == nil {
		loc = time.UTC
	}
	return &MonitoringService{
		logs:     make([]LogEntry, 0),
		location: loc,
		logger:   logger,
		now:      time.Now,
	}
}

// LogRequest はリクエストを記録します。
func (s *MonitoringService) LogRequest(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxRequestLogs {
		s.logs = s.logs[len(s.logs)-maxRequestLogs:]
	}
}

// RecordEvaluation は評価結果の最終判断を記録します。
func (s *MonitoringService) RecordEvaluation(eval *models.Evaluation) {
	if s == nil || eval == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, DecisionRecord{
		Timestamp: eval.EvaluatedAt,
		ProductID: eval.ProductID,
		Decision:  eval.Final.Decision,
		RuleID:    eval.Final.RuleID,
	})
	if len(s.decisions) > maxRequestLogs {
		s.decisions = s.decisions[len(s.decisions)-maxRequestLogs:]
	}
}

// RecentDecisions は新しい順に最大 limit 件の最終判断を返す。
// productID が空の場合は全製品が対象。
func (s *MonitoringService) RecentDecisions(productID string, limit int) []DecisionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DecisionRecord, 0)
	for i := len(s.decisions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if productID == "" || s.decisions[i].ProductID == productID {
			out = append(out, s.decisions[i])
		}
	}
	return out
}

// LoggingMiddleware はリクエスト情報を記録し構造化ログに出力するGinミドルウェアです。
func (s *MonitoringService) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()

		c.Next()

		path := c.Request.URL.Path
		entry := LogEntry{
			Timestamp:    start,
			Path:         path,
			Method:       c.Request.Method,
			StatusCode:   c.Writer.Status(),
			ResponseTime: time.Since(start),
			RequestID:    c.GetString("request_id"),
		}

		event := s.logger.Info()
		if entry.StatusCode >= 500 {
			event = s.logger.Error()
		} else if entry.StatusCode >= 400 {
			event = s.logger.Warn()
		}
		event.
			Str("method", entry.Method).
			Str("path", path).
			Int("status", entry.StatusCode).
			Dur("latency", entry.ResponseTime).
			Str("request_id", entry.RequestID).
			Msg("request")

		// 除外するパスプレフィックス
		if strings.HasPrefix(path, "/api/v1/monitoring") || path == "/health" || path == "/metrics" {
			return
		}
		s.LogRequest(entry)
	}
}

// DashboardData はダッシュボードに表示するための集計済みデータです。
type DashboardData struct {
	RequestsOverTime []map[string]interface{} `json:"requestsOverTime"`
	Endpoints        map[string]int           `json:"endpoints"`
	StatusCodes      []map[string]interface{} `json:"statusCodes"`
	AvgResponseTimes []map[string]interface{} `json:"avgResponseTimes"`
	Decisions        map[string]int           `json:"decisions"`
	TopRules         []map[string]interface{} `json:"topRules"`
	RecentErrors     []LogEntry               `json:"recentErrors"`
}

// GetDashboardData は指定された期間のログを集計してダッシュボード用データを返します。
func (s *MonitoringService) GetDashboardData(periodHours int) DashboardData {
	if periodHours <= 0 {
		periodHours = 24
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().In(s.location)
	since := now.Add(-time.Duration(periodHours) * time.Hour)

	filteredLogs := make([]LogEntry, 0)
	for _, log := range s.logs {
		if log.Timestamp.After(since) {
			filteredLogs = append(filteredLogs, log)
		}
	}

	// requestsOverTime の集計（過去から現在へ）
	requestsOverTime := make([]map[string]interface{}, periodHours)
	bucketIndex := make(map[string]int, periodHours)
	for i := 0; i < periodHours; i++ {
		target := now.Add(-time.Duration(periodHours-1-i) * time.Hour).Truncate(time.Hour)
		bucketIndex[target.Format(time.RFC3339)] = i
		requestsOverTime[i] = map[string]interface{}{"time": target.Format("15:00"), "requests": 0}
	}
	for _, log := range filteredLogs {
		key := log.Timestamp.In(s.location).Truncate(time.Hour).Format(time.RFC3339)
		if i, ok := bucketIndex[key]; ok {
			requestsOverTime[i]["requests"] = requestsOverTime[i]["requests"].(int) + 1
		}
	}

	endpoints := make(map[string]int)
	responseTimeSum := make(map[string]time.Duration)
	for _, log := range filteredLogs {
		endpoints[log.Path]++
		responseTimeSum[log.Path] += log.ResponseTime
	}

	// statusCodes の集計
	statusNames := []string{"2xx Success", "4xx Client Error", "5xx Server Error"}
	statusCounts := make([]int, len(statusNames))
	for _, log := range filteredLogs {
		switch {
		case log.StatusCode >= 200 && log.StatusCode < 300:
			statusCounts[0]++
		case log.StatusCode >= 400 && log.StatusCode < 500:
			statusCounts[1]++
		case log.StatusCode >= 500:
			statusCounts[2]++
		}
	}
	statusCodes := make([]map[string]interface{}, len(statusNames))
	for i, name := range statusNames {
		statusCodes[i] = map[string]interface{}{"name": name, "value": statusCounts[i]}
	}

	paths := make([]string, 0, len(responseTimeSum))
	for path := range responseTimeSum {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	avgResponseTimes := make([]map[string]interface{}, 0, len(paths))
	for _, path := range paths {
		avg := responseTimeSum[path].Milliseconds() / int64(endpoints[path])
		avgResponseTimes = append(avgResponseTimes, map[string]interface{}{"endpoint": path, "responseTime": avg})
	}

	// 価格判断の集計
	decisions := map[string]int{
		string(models.DecisionAdjust): 0,
		string(models.DecisionHold):   0,
		string(models.DecisionBlock):  0,
	}
	ruleCounts := make(map[string]int)
	for _, d := range s.decisions {
		if d.Timestamp.After(since) {
			decisions[string(d.Decision)]++
			ruleCounts[d.RuleID]++
		}
	}
	rules := make([]string, 0, len(ruleCounts))
	for id := range ruleCounts {
		rules = append(rules, id)
	}
	sort.Slice(rules, func(i, j int) bool {
		if ruleCounts[rules[i]] != ruleCounts[rules[j]] {
			return ruleCounts[rules[i]] > ruleCounts[rules[j]]
		}
		return rules[i] < rules[j]
	})
	topRules := make([]map[string]interface{}, 0, len(rules))
	for _, id := range rules {
		topRules = append(topRules, map[string]interface{}{"rule": id, "count": ruleCounts[id]})
	}

	// recentErrors（新しい順に最大10件）
	recentErrors := make([]LogEntry, 0)
	for i := len(filteredLogs) - 1; i >= 0 && len(recentErrors) < 10; i-- {
		if filteredLogs[i].StatusCode >= 500 {
			recentErrors = append(recentErrors, filteredLogs[i])
		}
	}

	return DashboardData{
		RequestsOverTime: requestsOverTime,
		Endpoints:        endpoints,
		StatusCodes:      statusCodes,
		AvgResponseTimes: avgResponseTimes,
		Decisions:        decisions,
		TopRules:         topRules,
		RecentErrors:     recentErrors,
	}
}
