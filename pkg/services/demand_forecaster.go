package services

import (
	"math"
	"time"

	"pricepilot-api/pkg/models"
)

// Forecast flags.
const (
	FlagInSampleAccuracy      = "in_sample_accuracy"
	FlagFallbackMovingAverage = "fallback_moving_average"
	FlagNegativeLowerBound    = "lower_bound_below_zero"
)

// DemandForecaster Holt-Winters三重指数平滑法による需要予測
type DemandForecaster struct {
	cfg    ForecastConfig
	limits HistoryLimits
}

// NewDemandForecaster 新しいDemandForecasterを作成
func NewDemandForecaster(cfg ForecastConfig, limits HistoryLimits) *DemandForecaster {
	return &DemandForecaster{cfg: cfg, limits: limits}
}

// hwState is the smoothed state after the last observation.
type hwState struct {
	level     float64
	trend     float64
	seasonal  []float64
	sse       float64
	residuals []float64
}

// Forecast 日次販売系列から horizon 日先までの需要を予測
// 季節周期2つ分に満たない場合は InsufficientHistory を返す
func (df *DemandForecaster) Forecast(sales []models.SalesObservation, horizon int) (*models.ForecastResult, error) {
	const op = "forecast.holt_winters"
	if horizon < 1 {
		return nil, invalidConfiguration(op, "horizon must be >= 1, got %d", horizon)
	}
	if !df.cfg.Smoothing.Auto {
		if err := validateSmoothing(df.cfg.Smoothing); err != nil {
			return nil, err
		}
	}

	dates, y, filled, err := dailyDemandSeries(op, sales, df.limits)
	if err != nil {
		return nil, err
	}
	m := df.cfg.CycleLength
	if len(y) < 2*m {
		return nil, insufficientHistory(op, "%d days of sales, need at least %d (two cycles of %d)", len(y), 2*m, m)
	}
	multiplicative := df.cfg.Seasonality == models.SeasonalityMultiplicative
	if multiplicative {
		for _, v := range y {
			if v <= 0 {
				return nil, insufficientData(op, "multiplicative seasonality requires strictly positive demand")
			}
		}
	}

	result := &models.ForecastResult{
		SchemaVersion: models.SchemaVersion,
		ProductID:     productIDOf(sales),
		Method:        models.MethodHoltWinters,
		Seasonality:   df.cfg.Seasonality,
		CycleLength:   m,
		AutoFitted:    df.cfg.Smoothing.Auto,
		ConfidenceZ:   df.cfg.ConfidenceZ,
		Quality:       models.QualityNormal,
	}
	if filled > 0 {
		result.Flags = append(result.Flags, FlagSalesGapsFilled)
	}

	// 直近の1周期を検証用に残して精度を評価
	n := len(y)
	holdout := m
	if n-2*m < holdout {
		holdout = n - 2*m
	}
	if holdout > 0 {
		train := y[:n-holdout]
		params := df.parameters(train, multiplicative)
		state := holtWinters(train, m, params, multiplicative)
		predicted := make([]float64, holdout)
		for h := 1; h <= holdout; h++ {
			predicted[h-1] = math.Max(0, projectHoltWinters(state, len(train), h, m, multiplicative))
		}
		result.Accuracy = accuracyMetrics(y[n-holdout:], predicted)
		result.Accuracy.Method = "holdout"
	}

	params := df.parameters(y, multiplicative)
	state := holtWinters(y, m, params, multiplicative)
	sigma := math.Sqrt(state.sse / float64(n))

	if holdout == 0 {
		fitted := make([]float64, n)
		for i := range y {
			fitted[i] = y[i] - state.residuals[i]
		}
		result.Accuracy = accuracyMetrics(y, fitted)
		result.Accuracy.Method = "in_sample"
		result.Flags = append(result.Flags, FlagInSampleAccuracy)
	}

	result.Parameters = params
	result.Level = state.level
	result.Trend = state.trend
	result.Seasonal = append([]float64(nil), state.seasonal...)
	result.ResidualStdDev = sigma
	result.Points = df.points(dates[n-1], horizon, sigma, func(h int) float64 {
		return projectHoltWinters(state, n, h, m, multiplicative)
	})
	result.MeanDemand = meanPrediction(result.Points)
	result.SpikePeriods = spikePeriods(state, dates, m, multiplicative)
	result.Confidence = forecastConfidence(result.Accuracy)
	if holdout == 0 {
		result.Confidence *= 0.8
	}
	for _, p := range result.Points {
		if p.LowerBound < 0 {
			result.Flags = append(result.Flags, FlagNegativeLowerBound)
			break
		}
	}
	return result, nil
}

// ForecastMovingAverage is the explicit fallback when Holt-Winters cannot run:
// a flat forecast at the trailing one-cycle mean, marked low-confidence.
func (df *DemandForecaster) ForecastMovingAverage(sales []models.SalesObservation, horizon int) (*models.ForecastResult, error) {
	const op = "forecast.moving_average"
	if horizon < 1 {
		return nil, invalidConfiguration(op, "horizon must be >= 1, got %d", horizon)
	}
	dates, y, filled, err := dailyDemandSeries(op, sales, df.limits)
	if err != nil {
		return nil, err
	}
	if len(y) == 0 {
		return nil, insufficientData(op, "no sales observations")
	}

	w := df.cfg.CycleLength
	window := tail(y, w)
	level := calculateMean(window)
	sigma := calculateSampleStandardDeviation(window)

	result := &models.ForecastResult{
		SchemaVersion:  models.SchemaVersion,
		ProductID:      productIDOf(sales),
		Method:         models.MethodMovingAverage,
		CycleLength:    w,
		Level:          level,
		ResidualStdDev: sigma,
		ConfidenceZ:    df.cfg.ConfidenceZ,
		Quality:        models.QualityLowConfidence,
		Confidence:     0.3,
		Flags:          []string{FlagFallbackMovingAverage},
	}
	if filled > 0 {
		result.Flags = append(result.Flags, FlagSalesGapsFilled)
	}

	if len(y) >= 2*len(window) {
		prior := y[len(y)-2*len(window) : len(y)-len(window)]
		predicted := make([]float64, len(window))
		for i := range predicted {
			predicted[i] = calculateMean(prior)
		}
		result.Accuracy = accuracyMetrics(window, predicted)
		result.Accuracy.Method = "holdout"
	} else {
		predicted := make([]float64, len(y))
		for i := range predicted {
			predicted[i] = level
		}
		result.Accuracy = accuracyMetrics(y, predicted)
		result.Accuracy.Method = "in_sample"
		result.Flags = append(result.Flags, FlagInSampleAccuracy)
	}

	result.Points = df.points(dates[len(dates)-1], horizon, sigma, func(int) float64 { return level })
	result.MeanDemand = meanPrediction(result.Points)
	return result, nil
}

// parameters 設定値、または格子探索で求めた α, β, γ
func (df *DemandForecaster) parameters(y []float64, multiplicative bool) models.SmoothingParameters {
	if !df.cfg.Smoothing.Auto {
		return models.SmoothingParameters{
			Alpha: df.cfg.Smoothing.Alpha,
			Beta:  df.cfg.Smoothing.Beta,
			Gamma: df.cfg.Smoothing.Gamma,
		}
	}
	return fitSmoothing(y, df.cfg.CycleLength, df.cfg.GridStep, multiplicative)
}

// points builds the forecast with ±z·σ·√h bounds.
func (df *DemandForecaster) points(last time.Time, horizon int, sigma float64, project func(h int) float64) []models.ForecastPoint {
	points := make([]models.ForecastPoint, horizon)
	for h := 1; h <= horizon; h++ {
		predicted := math.Max(0, project(h))
		margin := df.cfg.ConfidenceZ * sigma * math.Sqrt(float64(h))
		points[h-1] = models.ForecastPoint{
			Date:            last.AddDate(0, 0, h),
			Step:            h,
			PredictedDemand: predicted,
			LowerBound:      predicted - margin,
			UpperBound:      predicted + margin,
			Margin:          margin,
		}
	}
	return points
}

// fitSmoothing 格子探索で1期先予測誤差の二乗和が最小となるパラメータを求める
// 同値の場合は先に見つかった組み合わせを採用
func fitSmoothing(y []float64, m int, step float64, multiplicative bool) models.SmoothingParameters {
	var grid []float64
	for i := 1; float64(i)*step < 1-1e-9; i++ {
		grid = append(grid, roundTo(float64(i)*step, 6))
	}

	best := models.SmoothingParameters{Alpha: grid[0], Beta: grid[0], Gamma: grid[0]}
	bestSSE := math.Inf(1)
	for _, a := range grid {
		for _, b := range grid {
			for _, g := range grid {
				p := models.SmoothingParameters{Alpha: a, Beta: b, Gamma: g}
				sse := holtWinters(y, m, p, multiplicative).sse
				if sse < bestSSE {
					bestSSE = sse
					best = p
				}
			}
		}
	}
	return best
}

// holtWinters runs the recursions over y. Initial level is the first-cycle
// mean and initial trend the per-step change between the first two cycle means.
func holtWinters(y []float64, m int, p models.SmoothingParameters, multiplicative bool) hwState {
	first := calculateMean(y[:m])
	second := calculateMean(y[m : 2*m])
	state := hwState{
		level:     first,
		trend:     (second - first) / float64(m),
		seasonal:  make([]float64, m),
		residuals: make([]float64, len(y)),
	}
	for i := 0; i < m; i++ {
		if multiplicative {
			state.seasonal[i] = safeRatio(y[i], first)
		} else {
			state.seasonal[i] = y[i] - first
		}
	}

	for t, obs := range y {
		idx := t % m
		s := state.seasonal[idx]
		prevLevel := state.level

		var predicted float64
		if multiplicative {
			predicted = (state.level + state.trend) * s
			state.level = p.Alpha*safeRatio(obs, s) + (1-p.Alpha)*(state.level+state.trend)
			state.trend = p.Beta*(state.level-prevLevel) + (1-p.Beta)*state.trend
			state.seasonal[idx] = p.Gamma*safeRatio(obs, state.level) + (1-p.Gamma)*s
		} else {
			predicted = state.level + state.trend + s
			state.level = p.Alpha*(obs-s) + (1-p.Alpha)*(state.level+state.trend)
			state.trend = p.Beta*(state.level-prevLevel) + (1-p.Beta)*state.trend
			state.seasonal[idx] = p.Gamma*(obs-state.level) + (1-p.Gamma)*s
		}

		e := obs - predicted
		state.residuals[t] = e
		state.sse += e * e
	}
	return state
}

// projectHoltWinters forecasts h steps past n observations using the
// seasonal slot (n-1+h) mod m of 0-based observation indices.
func projectHoltWinters(state hwState, n, h, m int, multiplicative bool) float64 {
	s := state.seasonal[(n-1+h)%m]
	base := state.level + float64(h)*state.trend
	if multiplicative {
		return base * s
	}
	return base + s
}

func accuracyMetrics(actual, predicted []float64) models.AccuracyMetrics {
	metrics := models.AccuracyMetrics{HoldoutSize: len(actual)}
	if len(actual) == 0 {
		return metrics
	}

	var sumSq, sumPct float64
	pctCount := 0
	for i, a := range actual {
		e := a - predicted[i]
		sumSq += e * e
		if a != 0 {
			sumPct += math.Abs(e / a)
			pctCount++
		}
	}
	metrics.RMSE = math.Sqrt(sumSq / float64(len(actual)))
	if pctCount > 0 {
		metrics.MAPE = float64Ptr(sumPct / float64(pctCount) * 100)
	}

	mean := calculateMean(actual)
	var ssTotal float64
	for _, a := range actual {
		ssTotal += (a - mean) * (a - mean)
	}
	if ssTotal > 0 {
		metrics.R2 = float64Ptr(1 - sumSq/ssTotal)
	} else if sumSq == 0 {
		metrics.R2 = float64Ptr(1)
	}
	return metrics
}

// spikePeriods 季節成分が最大値の85%以上かつ平均比1.1倍超の周期位置
func spikePeriods(state hwState, dates []time.Time, m int, multiplicative bool) []models.SpikePeriod {
	factors := make([]float64, m)
	maxFactor := math.Inf(-1)
	for i, s := range state.seasonal {
		if multiplicative {
			factors[i] = s
		} else {
			factors[i] = safeRatio(state.level+s, state.level)
		}
		maxFactor = math.Max(maxFactor, factors[i])
	}

	var spikes []models.SpikePeriod
	for i, f := range factors {
		if f >= 0.85*maxFactor && f > 1.1 {
			spike := models.SpikePeriod{CycleIndex: i, Factor: f}
			if m == 7 && i < len(dates) {
				spike.Weekday = dates[i].Weekday().String()
			}
			spikes = append(spikes, spike)
		}
	}
	return spikes
}

func forecastConfidence(acc models.AccuracyMetrics) float64 {
	if acc.MAPE != nil {
		return clamp(1-*acc.MAPE/100, 0.1, 0.95)
	}
	if acc.R2 != nil {
		return clamp(*acc.R2, 0.1, 0.95)
	}
	return 0.5
}

func meanPrediction(points []models.ForecastPoint) float64 {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.PredictedDemand
	}
	return calculateMean(values)
}

func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 1
	}
	return num / den
}

func productIDOf(sales []models.SalesObservation) string {
	if len(sales) == 0 {
		return ""
	}
	return sales[0].ProductID
}
