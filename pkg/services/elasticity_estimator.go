package services

import (
	"math"
	"sort"
	"time"

	"pricepilot-api/pkg/models"
)

// Elasticity flags.
const (
	FlagLowR2                    = "low_r2"
	FlagNonNegativeElasticity    = "non_negative_elasticity"
	FlagFallbackDefaultElastic   = "fallback_default_elasticity"
	FlagFallbackSignalElasticity = "fallback_signal_elasticity"
)

// ElasticityInput is what the estimator needs for one product.
type ElasticityInput struct {
	ProductID    string
	Points       []models.PricePoint
	Source       models.ElasticitySource
	CurrentPrice float64
	UnitCost     float64
	BaseDemand   float64 // 0の場合は回帰式から算出
}

// ElasticityEstimator 両対数回帰による価格弾力性の推定
type ElasticityEstimator struct {
	cfg  ElasticityConfig
	band OptimizerConfig
}

// NewElasticityEstimator 新しいElasticityEstimatorを作成
// band は最適価格帯を探索する範囲（現在価格に対する倍率）
func NewElasticityEstimator(cfg ElasticityConfig, band OptimizerConfig) *ElasticityEstimator {
	return &ElasticityEstimator{cfg: cfg, band: band}
}

// Estimate fits log(demand) = a + ε·log(price) by OLS.
func (ee *ElasticityEstimator) Estimate(in ElasticityInput) (*models.ElasticityResult, error) {
	const op = "elasticity.estimate"
	if in.CurrentPrice <= 0 {
		return nil, invalidObservation(op, "current price must be positive")
	}

	var logP, logQ []float64
	for _, p := range in.Points {
		if p.Price <= 0 || p.Demand <= 0 {
			continue
		}
		logP = append(logP, math.Log(p.Price))
		logQ = append(logQ, math.Log(p.Demand))
	}
	if len(logP) < ee.cfg.MinRegressionPoints {
		return nil, insufficientData(op, "%d usable price/demand pairs, need %d", len(logP), ee.cfg.MinRegressionPoints)
	}

	fit, ok := linearRegression(logP, logQ)
	if !ok {
		return nil, insufficientVariation(op, "price never varied across %d observations", len(logP))
	}

	source := in.Source
	if source == "" {
		source = models.SourceOwnPrice
	}
	result := &models.ElasticityResult{
		SchemaVersion: models.SchemaVersion,
		ProductID:     in.ProductID,
		Coefficient:   fit.Slope,
		Intercept:     fit.Intercept,
		Sensitivity:   sensitivity(fit.Slope),
		R2:            fit.R2,
		DataPoints:    fit.N,
		Source:        source,
		Confidence:    fit.R2 * math.Min(1, float64(fit.N)/20),
	}
	if fit.R2 < ee.cfg.R2Threshold {
		result.LowConfidence = true
		result.Flags = append(result.Flags, FlagLowR2)
	}

	baseDemand := in.BaseDemand
	if baseDemand <= 0 {
		baseDemand = math.Exp(fit.Intercept + fit.Slope*math.Log(in.CurrentPrice))
	}
	ee.describeCurve(result, in.CurrentPrice, in.UnitCost, baseDemand)
	return result, nil
}

// DefaultElasticity is the documented fallback when no regression is possible.
func (ee *ElasticityEstimator) DefaultElasticity(in ElasticityInput) *models.ElasticityResult {
	result := ee.assumed(in, ee.cfg.DefaultElasticity, models.SourceDefault)
	result.Flags = append(result.Flags, FlagFallbackDefaultElastic)
	result.Confidence = 0.3
	return result
}

// FromSignal uses the Feature Engineer's fast estimate in place of a fit.
func (ee *ElasticityEstimator) FromSignal(estimate float64, confidence float64, in ElasticityInput) *models.ElasticityResult {
	result := ee.assumed(in, estimate, models.SourceSignal)
	result.Flags = append(result.Flags, FlagFallbackSignalElasticity)
	result.Confidence = math.Min(0.5, confidence)
	return result
}

func (ee *ElasticityEstimator) assumed(in ElasticityInput, coefficient float64, source models.ElasticitySource) *models.ElasticityResult {
	result := &models.ElasticityResult{
		SchemaVersion: models.SchemaVersion,
		ProductID:     in.ProductID,
		Coefficient:   coefficient,
		Sensitivity:   sensitivity(coefficient),
		Source:        source,
		LowConfidence: true,
	}
	baseDemand := in.BaseDemand
	if baseDemand <= 0 {
		baseDemand = 1
	}
	if in.CurrentPrice > 0 {
		result.Intercept = math.Log(baseDemand) - coefficient*math.Log(in.CurrentPrice)
		ee.describeCurve(result, in.CurrentPrice, in.UnitCost, baseDemand)
	}
	return result
}

// describeCurve fills the optimal price range and the chart curve.
func (ee *ElasticityEstimator) describeCurve(result *models.ElasticityResult, currentPrice, unitCost, baseDemand float64) {
	curve := demandCurve{
		elasticity:   result.Coefficient,
		currentPrice: currentPrice,
		baseDemand:   baseDemand,
		unitCost:     unitCost,
	}

	for ratio := 60; ratio <= 150; ratio += 10 {
		price := currentPrice * float64(ratio) / 100
		demand := curve.demand(price)
		result.Curve = append(result.Curve, models.CurvePoint{
			Price:         price,
			Demand:        demand,
			Revenue:       price * demand,
			PriceRatioPct: float64(ratio),
		})
	}

	if result.Coefficient >= 0 {
		result.LowConfidence = true
		result.Flags = append(result.Flags, FlagNonNegativeElasticity)
		result.OptimalPriceRange = models.PriceRange{Min: currentPrice, Max: currentPrice}
		return
	}
	lo := currentPrice * ee.band.LowerMultiplier
	hi := currentPrice * ee.band.UpperMultiplier
	result.OptimalPriceRange = curve.toleranceRange(lo, hi, ee.cfg.RevenueTolerance, ee.band.Iterations)
}

// BuildPricePoints pairs daily demand with the product's own price, or with
// the daily competitor average when own prices are too few or never vary.
func BuildPricePoints(sales []models.SalesObservation, competitors []models.CompetitorPriceObservation, minPoints int) ([]models.PricePoint, models.ElasticitySource) {
	own := ownPricePoints(sales)
	if len(own) >= minPoints && pricesVary(own) {
		return own, models.SourceOwnPrice
	}

	days, prices := dailyCompetitorAverages(competitors)
	demandByDay := make(map[time.Time]float64)
	for _, s := range sales {
		demandByDay[truncateDay(s.Date)] += float64(s.UnitsSold)
	}
	var joined []models.PricePoint
	for i, day := range days {
		if demand, ok := demandByDay[day]; ok {
			joined = append(joined, models.PricePoint{Date: day, Price: prices[i], Demand: demand})
		}
	}
	if len(joined) >= minPoints && pricesVary(joined) {
		return joined, models.SourceCompetitorPrice
	}
	if len(own) > 0 {
		return own, models.SourceOwnPrice
	}
	return joined, models.SourceCompetitorPrice
}

func ownPricePoints(sales []models.SalesObservation) []models.PricePoint {
	byDay := make(map[time.Time]*models.PricePoint)
	for _, s := range sales {
		if !s.Price.Valid {
			continue
		}
		day := truncateDay(s.Date)
		p, ok := byDay[day]
		if !ok {
			p = &models.PricePoint{Date: day}
			byDay[day] = p
		}
		p.Price = s.Price.Decimal.InexactFloat64()
		p.Demand += float64(s.UnitsSold)
	}
	points := make([]models.PricePoint, 0, len(byDay))
	for _, p := range byDay {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points
}

func pricesVary(points []models.PricePoint) bool {
	if len(points) < 2 {
		return false
	}
	for _, p := range points[1:] {
		if p.Price != points[0].Price {
			return true
		}
	}
	return false
}

func sensitivity(elasticity float64) models.Level {
	abs := math.Abs(elasticity)
	switch {
	case abs < 1:
		return models.LevelLow
	case abs < 2:
		return models.LevelMedium
	}
	return models.LevelHigh
}
