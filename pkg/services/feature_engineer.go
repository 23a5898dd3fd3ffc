package services

import (
	"math"
	"sort"
	"time"

	"pricepilot-api/pkg/models"
)

// Signal flags attached to SignalVector.Flags.
const (
	FlagNoCompetitorData      = "no_competitor_data"
	FlagShortVolatilitySeries = "short_volatility_series"
	FlagNoSalesData           = "no_sales_data"
	FlagShortDemandWindow     = "short_demand_window"
	FlagZeroGrowthBase        = "zero_growth_base"
	FlagShortSeasonalHistory  = "short_seasonal_history"
	FlagZeroSeasonalBase      = "zero_seasonal_base"
	FlagShortTrendHistory     = "short_trend_history"
	FlagNoAcceleration        = "insufficient_trend_for_acceleration"
	FlagElasticityUnavailable = "elasticity_estimate_unavailable"
	FlagSalesGapsFilled       = "sales_gaps_filled"
)

// FeatureEngineer 生データから10種類の価格シグナルを算出する
type FeatureEngineer struct {
	cfg    FeatureConfig
	limits HistoryLimits
}

// NewFeatureEngineer 新しいFeatureEngineerを作成
func NewFeatureEngineer(cfg FeatureConfig, limits HistoryLimits) *FeatureEngineer {
	return &FeatureEngineer{cfg: cfg, limits: limits}
}

// PricePositionIndex returns yourPrice divided by the average of each
// competitor's latest price. It fails when no competitor price is known.
func (fe *FeatureEngineer) PricePositionIndex(yourPrice float64, competitors []models.CompetitorPriceObservation) (float64, error) {
	const op = "features.price_position_index"
	latest := latestCompetitorPrices(competitors)
	if len(latest) == 0 {
		return 0, insufficientData(op, "no competitor prices")
	}
	avg := calculateMean(latest)
	if avg <= 0 {
		return 0, insufficientData(op, "competitor average price is %g", avg)
	}
	return yourPrice / avg, nil
}

// ComputeSignals 1商品分の観測データからSignalVectorを算出
// 競合データがない場合は該当シグナルを nil とし Unavailable に記録する
func (fe *FeatureEngineer) ComputeSignals(
	product models.ProductRecord,
	competitors []models.CompetitorPriceObservation,
	sales []models.SalesObservation,
	trends []models.TrendObservation,
) (*models.SignalVector, error) {
	if err := validateObservations(product, competitors, sales, trends); err != nil {
		return nil, err
	}

	currentPrice := product.BasePrice.InexactFloat64()
	sv := &models.SignalVector{
		SchemaVersion: models.SchemaVersion,
		ProductID:     product.ID,
		CurrentPrice:  currentPrice,
		Confidence:    make(map[string]float64),
	}
	sv.ComputedAt = latestObservationTime(competitors, sales, trends)

	_, demand, filled, err := dailyDemandSeries("features.compute_signals", sales, fe.limits)
	if err != nil {
		return nil, err
	}
	fe.pricingSignals(sv, competitors)
	if filled > 0 {
		sv.Flags = append(sv.Flags, FlagSalesGapsFilled)
	}
	fe.demandSignals(sv, demand)
	fe.trendSignals(sv, trends)
	fe.elasticitySignal(sv, competitors, sales)

	return sv, nil
}

// pricingSignals competitor_price_avg, price_variance, price_position_index, price_volatility
func (fe *FeatureEngineer) pricingSignals(sv *models.SignalVector, competitors []models.CompetitorPriceObservation) {
	latest := latestCompetitorPrices(competitors)
	sv.CompetitorCount = len(latest)
	if len(latest) == 0 {
		sv.Unavailable = append(sv.Unavailable,
			models.SignalCompetitorPriceAvg,
			models.SignalPriceVariance,
			models.SignalPricePositionIndex,
			models.SignalPriceVolatility,
		)
		sv.Flags = append(sv.Flags, FlagNoCompetitorData)
		return
	}

	avg := calculateMean(latest)
	coverage := math.Min(1, float64(len(latest))/3)
	sv.CompetitorPriceAvg = float64Ptr(avg)
	sv.PriceVariance = float64Ptr(calculateSampleStandardDeviation(latest))
	sv.Confidence[models.SignalCompetitorPriceAvg] = coverage
	if len(latest) >= 2 {
		sv.Confidence[models.SignalPriceVariance] = coverage
	} else {
		sv.Confidence[models.SignalPriceVariance] = 0.3
	}

	if index, err := fe.PricePositionIndex(sv.CurrentPrice, competitors); err == nil {
		sv.PricePositionIndex = float64Ptr(index)
		sv.Confidence[models.SignalPricePositionIndex] = coverage
	} else {
		sv.Unavailable = append(sv.Unavailable, models.SignalPricePositionIndex)
	}

	_, daily := dailyCompetitorAverages(competitors)
	window := tail(daily, fe.cfg.VolatilityWindow)
	cv := 0.0
	if mean := calculateMean(window); mean > 0 {
		cv = calculateStandardDeviation(window) / mean
	}
	level := classifyLevel(cv, fe.cfg.VolatilityLow, fe.cfg.VolatilityHigh)
	sv.PriceVolatility = &level
	sv.PriceVolatilityScore = float64Ptr(cv)
	if len(window) < 2 {
		sv.Flags = append(sv.Flags, FlagShortVolatilitySeries)
		sv.Confidence[models.SignalPriceVolatility] = 0.3
	} else {
		sv.Confidence[models.SignalPriceVolatility] = math.Min(1, float64(len(window))/float64(fe.cfg.VolatilityWindow))
	}
}

// demandSignals moving_avg_demand, demand_growth_rate, seasonal_index
func (fe *FeatureEngineer) demandSignals(sv *models.SignalVector, demand []float64) {
	n := fe.cfg.DemandWindow
	sv.DemandDirection = models.DirectionStable
	sv.SeasonalIndex = 1.0

	if len(demand) == 0 {
		sv.Flags = append(sv.Flags, FlagNoSalesData)
		sv.Confidence[models.SignalMovingAvgDemand] = 0
		sv.Confidence[models.SignalDemandGrowthRate] = 0
		sv.Confidence[models.SignalSeasonalIndex] = 0
		return
	}

	current := tail(demand, n)
	sv.MovingAvgDemand = calculateMean(current)
	sv.Confidence[models.SignalMovingAvgDemand] = math.Min(1, float64(len(current))/float64(n))
	if len(current) < n {
		sv.Flags = append(sv.Flags, FlagShortDemandWindow)
	}

	// 直近ウィンドウと直前ウィンドウの比較
	w := n
	if half := len(demand) / 2; half < w {
		w = half
	}
	if w < 1 {
		sv.Confidence[models.SignalDemandGrowthRate] = 0
	} else {
		recent := demand[len(demand)-w:]
		prior := demand[len(demand)-2*w : len(demand)-w]
		priorMean := calculateMean(prior)
		if priorMean == 0 {
			sv.Flags = append(sv.Flags, FlagZeroGrowthBase)
			sv.Confidence[models.SignalDemandGrowthRate] = 0
		} else {
			sv.DemandGrowthRate = (calculateMean(recent) - priorMean) / priorMean
			sv.Confidence[models.SignalDemandGrowthRate] = float64(w) / float64(n)
		}
	}
	sv.DemandDirection = direction(sv.DemandGrowthRate, fe.cfg.StableBand)

	if len(demand) < 2*n {
		sv.Flags = append(sv.Flags, FlagShortSeasonalHistory)
		sv.Confidence[models.SignalSeasonalIndex] = 0.3
		return
	}
	baseline := calculateMean(tail(demand, fe.cfg.SeasonalLookback))
	if baseline == 0 {
		sv.Flags = append(sv.Flags, FlagZeroSeasonalBase)
		sv.Confidence[models.SignalSeasonalIndex] = 0.3
		return
	}
	sv.SeasonalIndex = sv.MovingAvgDemand / baseline
	coverage := math.Min(1, float64(len(demand))/float64(fe.cfg.SeasonalLookback))
	sv.Confidence[models.SignalSeasonalIndex] = 0.5 + 0.5*coverage
}

// trendSignals trend_momentum, trend_acceleration
func (fe *FeatureEngineer) trendSignals(sv *models.SignalVector, trends []models.TrendObservation) {
	sv.TrendDirection = models.DirectionStable
	sorted := make([]models.TrendObservation, len(trends))
	copy(sorted, trends)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	scores := make([]float64, len(sorted))
	for i, t := range sorted {
		scores[i] = t.TrendScore
	}

	w := fe.cfg.TrendWindow
	if len(scores) < 2 {
		sv.Flags = append(sv.Flags, FlagShortTrendHistory)
		sv.Confidence[models.SignalTrendMomentum] = 0
		sv.Confidence[models.SignalTrendAcceleration] = 0
		return
	}

	deltas := differences(scores)
	sv.TrendMomentum = weightedMomentum(tail(deltas, w))
	sv.Confidence[models.SignalTrendMomentum] = math.Min(1, float64(len(deltas))/float64(w))
	if len(deltas) < w {
		sv.Flags = append(sv.Flags, FlagShortTrendHistory)
	}
	switch {
	case sv.TrendMomentum > 2:
		sv.TrendDirection = models.DirectionRising
	case sv.TrendMomentum < -2:
		sv.TrendDirection = models.DirectionFalling
	}

	if len(deltas) < 2*w {
		sv.Flags = append(sv.Flags, FlagNoAcceleration)
		sv.Confidence[models.SignalTrendAcceleration] = 0
		return
	}
	previous := weightedMomentum(deltas[len(deltas)-2*w : len(deltas)-w])
	sv.TrendAcceleration = sv.TrendMomentum - previous
	sv.Confidence[models.SignalTrendAcceleration] = sv.Confidence[models.SignalTrendMomentum]
}

// elasticitySignal 価格変化率と需要変化率の相関から弾力性を簡易推定
func (fe *FeatureEngineer) elasticitySignal(sv *models.SignalVector, competitors []models.CompetitorPriceObservation, sales []models.SalesObservation) {
	points, _ := BuildPricePoints(sales, competitors, fe.cfg.MinElasticityPairs+1)
	var priceChanges, demandChanges []float64
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		if prev.Price <= 0 || prev.Demand <= 0 {
			continue
		}
		priceChanges = append(priceChanges, (cur.Price-prev.Price)/prev.Price)
		demandChanges = append(demandChanges, (cur.Demand-prev.Demand)/prev.Demand)
	}

	unavailable := func() {
		sv.Unavailable = append(sv.Unavailable, models.SignalElasticityEstimate)
		sv.Flags = append(sv.Flags, FlagElasticityUnavailable)
	}
	if len(priceChanges) < fe.cfg.MinElasticityPairs {
		unavailable()
		return
	}
	r, ok := calculateCorrelation(priceChanges, demandChanges)
	priceStd := calculateStandardDeviation(priceChanges)
	if !ok || priceStd == 0 {
		unavailable()
		return
	}
	estimate := r * calculateStandardDeviation(demandChanges) / priceStd
	sv.ElasticityEstimate = float64Ptr(estimate)
	sv.Confidence[models.SignalElasticityEstimate] = math.Abs(r) * math.Min(1, float64(len(priceChanges))/20)
}

func validateObservations(
	product models.ProductRecord,
	competitors []models.CompetitorPriceObservation,
	sales []models.SalesObservation,
	trends []models.TrendObservation,
) error {
	const op = "features.validate"
	if !product.BasePrice.IsPositive() {
		return invalidObservation(op, "product %s base_price must be positive", product.ID)
	}
	if product.UnitCost.Valid && product.UnitCost.Decimal.IsNegative() {
		return invalidObservation(op, "product %s unit_cost must not be negative", product.ID)
	}
	for _, c := range competitors {
		if !c.Price.IsPositive() {
			return invalidObservation(op, "competitor %s price must be positive", c.CompetitorName)
		}
	}
	for _, s := range sales {
		if s.UnitsSold < 0 {
			return invalidObservation(op, "units_sold must be >= 0 on %s", s.Date.Format("2006-01-02"))
		}
		if s.Price.Valid && !s.Price.Decimal.IsPositive() {
			return invalidObservation(op, "sales price must be positive on %s", s.Date.Format("2006-01-02"))
		}
	}
	for _, t := range trends {
		if t.TrendScore < 0 || t.TrendScore > 100 || math.IsNaN(t.TrendScore) {
			return invalidObservation(op, "trend_score %g outside [0, 100]", t.TrendScore)
		}
	}
	return nil
}

// latestCompetitorPrices 競合ごとの最新価格（競合名順）
func latestCompetitorPrices(competitors []models.CompetitorPriceObservation) []float64 {
	latest := make(map[string]models.CompetitorPriceObservation)
	for _, c := range competitors {
		if prev, ok := latest[c.CompetitorName]; !ok || !c.Timestamp.Before(prev.Timestamp) {
			latest[c.CompetitorName] = c
		}
	}
	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	sort.Strings(names)
	prices := make([]float64, 0, len(names))
	for _, name := range names {
		prices = append(prices, latest[name].Price.InexactFloat64())
	}
	return prices
}

// dailyCompetitorAverages 日別の競合平均価格（日付昇順）
func dailyCompetitorAverages(competitors []models.CompetitorPriceObservation) ([]time.Time, []float64) {
	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)
	for _, c := range competitors {
		day := truncateDay(c.Timestamp)
		sums[day] += c.Price.InexactFloat64()
		counts[day]++
	}
	days := make([]time.Time, 0, len(sums))
	for day := range sums {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	values := make([]float64, len(days))
	for i, day := range days {
		values[i] = sums[day] / float64(counts[day])
	}
	return days, values
}

// dailyDemandSeries 日次の販売数系列。欠損日は0で補完し、その日数を返す。
// 期間が limits.MaxSpanDays を超える場合、または補完日の割合が
// limits.MaxFilledShare を超える場合は展開せずにエラーを返す。
func dailyDemandSeries(op string, sales []models.SalesObservation, limits HistoryLimits) ([]time.Time, []float64, int, error) {
	if len(sales) == 0 {
		return nil, nil, 0, nil
	}
	byDay := make(map[time.Time]float64)
	first, last := truncateDay(sales[0].Date), truncateDay(sales[0].Date)
	for _, s := range sales {
		day := truncateDay(s.Date)
		byDay[day] += float64(s.UnitsSold)
		if day.Before(first) {
			first = day
		}
		if day.After(last) {
			last = day
		}
	}

	span := int(last.Sub(first).Hours()/24) + 1
	if limits.MaxSpanDays > 0 && span > limits.MaxSpanDays {
		return nil, nil, 0, invalidObservation(op, "sales span %d days (%s to %s), limit is %d",
			span, first.Format("2006-01-02"), last.Format("2006-01-02"), limits.MaxSpanDays)
	}
	filled := span - len(byDay)
	if limits.MaxFilledShare > 0 && float64(filled)/float64(span) > limits.MaxFilledShare {
		return nil, nil, 0, insufficientData(op, "sales recorded on %d of %d days, more than %.0f%% would be zero-filled",
			len(byDay), span, limits.MaxFilledShare*100)
	}

	dates := make([]time.Time, 0, span)
	values := make([]float64, 0, span)
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		dates = append(dates, day)
		values = append(values, byDay[day])
	}
	return dates, values, filled, nil
}

func latestObservationTime(
	competitors []models.CompetitorPriceObservation,
	sales []models.SalesObservation,
	trends []models.TrendObservation,
) time.Time {
	var latest time.Time
	for _, c := range competitors {
		if c.Timestamp.After(latest) {
			latest = c.Timestamp
		}
	}
	for _, s := range sales {
		if s.Date.After(latest) {
			latest = s.Date
		}
	}
	for _, t := range trends {
		if t.Timestamp.After(latest) {
			latest = t.Timestamp
		}
	}
	return latest
}

// weightedMomentum ウィンドウ長 × 線形加重平均デルタ
func weightedMomentum(deltas []float64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	weights := linearWeights(len(deltas))
	sum := 0.0
	for i, d := range deltas {
		sum += weights[i] * d
	}
	return float64(len(deltas)) * sum
}

func classifyLevel(value, low, high float64) models.Level {
	switch {
	case value < low:
		return models.LevelLow
	case value < high:
		return models.LevelMedium
	}
	return models.LevelHigh
}

func direction(rate, band float64) models.Direction {
	switch {
	case rate > band:
		return models.DirectionRising
	case rate < -band:
		return models.DirectionFalling
	}
	return models.DirectionStable
}

func differences(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		out[i-1] = values[i] - values[i-1]
	}
	return out
}

func tail(values []float64, n int) []float64 {
	if n >= len(values) {
		return values
	}
	return values[len(values)-n:]
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
