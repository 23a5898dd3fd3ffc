package services

import (
	"fmt"
	"math"

	"pricepilot-api/pkg/models"
)

// OptimizationInput is the Price Optimizer request for one product.
type OptimizationInput struct {
	ProductID     string
	CurrentPrice  float64
	Elasticity    *models.ElasticityResult
	BaseDemand    float64  // 現在価格での日次需要
	UnitCost      *float64 // nil の場合は default_cost_ratio から推定
	CompetitorAvg *float64
}

// PriceOptimizer 定数弾力性需要曲線上で利益最大の価格を探索する
type PriceOptimizer struct {
	cfg OptimizerConfig
}

// NewPriceOptimizer 新しいPriceOptimizerを作成
func NewPriceOptimizer(cfg OptimizerConfig) *PriceOptimizer {
	return &PriceOptimizer{cfg: cfg}
}

// demandCurve is demand(p) = baseDemand·(p/currentPrice)^ε.
type demandCurve struct {
	elasticity   float64
	currentPrice float64
	baseDemand   float64
	unitCost     float64
}

func (c demandCurve) demand(price float64) float64 {
	return c.baseDemand * math.Pow(price/c.currentPrice, c.elasticity)
}

// contribution is (p − unit cost)·demand(p). With zero unit cost it is revenue.
func (c demandCurve) contribution(price float64) float64 {
	return (price - c.unitCost) * c.demand(price)
}

func (c demandCurve) marginPct(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return (price - c.unitCost) / price * 100
}

// argmax ternary-searches [lo, hi] and compares the result with both endpoints.
func (c demandCurve) argmax(lo, hi float64, iterations int) float64 {
	a, b := lo, hi
	for i := 0; i < iterations && b-a > 1e-9; i++ {
		m1 := a + (b-a)/3
		m2 := b - (b-a)/3
		if c.contribution(m1) < c.contribution(m2) {
			a = m1
		} else {
			b = m2
		}
	}
	best := (a + b) / 2
	for _, edge := range []float64{lo, hi} {
		if c.contribution(edge) > c.contribution(best) {
			best = edge
		}
	}
	return best
}

// toleranceRange widens around the optimum while the objective stays within
// tolerance of its maximum.
func (c demandCurve) toleranceRange(lo, hi, tolerance float64, iterations int) models.PriceRange {
	best := c.argmax(lo, hi, iterations)
	peak := c.contribution(best)
	target := peak - tolerance*math.Abs(peak)

	edge := func(inside, outside float64) float64 {
		if c.contribution(outside) >= target {
			return outside
		}
		for i := 0; i < 60; i++ {
			mid := (inside + outside) / 2
			if c.contribution(mid) >= target {
				inside = mid
			} else {
				outside = mid
			}
		}
		return inside
	}
	return models.PriceRange{Min: edge(best, lo), Max: edge(best, hi)}
}

// Optimize searches the price band for the contribution-maximizing price and
// builds the four canonical scenarios. When the elasticity is not negative it
// returns a result pinned to the current price together with a
// degenerate-elasticity error; callers should surface the warning and not act.
func (po *PriceOptimizer) Optimize(in OptimizationInput) (*models.OptimizationResult, error) {
	const op = "optimizer.optimize"
	if in.CurrentPrice <= 0 {
		return nil, invalidObservation(op, "current price must be positive")
	}
	if in.Elasticity == nil {
		return nil, insufficientData(op, "elasticity result is required")
	}

	p0 := in.CurrentPrice
	eps := in.Elasticity.Coefficient
	baseDemand := in.BaseDemand
	if baseDemand <= 0 {
		baseDemand = math.Exp(in.Elasticity.Intercept + eps*math.Log(p0))
	}
	if baseDemand <= 0 || math.IsNaN(baseDemand) || math.IsInf(baseDemand, 0) {
		return nil, insufficientData(op, "no demand at the current price to project from")
	}

	result := &models.OptimizationResult{
		SchemaVersion: models.SchemaVersion,
		ProductID:     in.ProductID,
		CurrentPrice:  p0,
		BaseDemand:    baseDemand,
		Elasticity:    eps,
	}
	if in.UnitCost != nil {
		result.UnitCost = *in.UnitCost
	} else {
		result.UnitCost = p0 * po.cfg.DefaultCostRatio
		result.UnitCostEstimated = true
		result.Warnings = append(result.Warnings, fmt.Sprintf("unit cost estimated at %.0f%% of current price", po.cfg.DefaultCostRatio*100))
	}

	lo, hi, err := po.searchBand(in, result)
	if err != nil {
		return nil, err
	}
	result.SearchBand = models.PriceRange{Min: lo, Max: hi}

	curve := demandCurve{elasticity: eps, currentPrice: p0, baseDemand: baseDemand, unitCost: result.UnitCost}

	var degenerate error
	optimal, revenueOptimal := p0, p0
	if eps >= 0 {
		degenerate = degenerateElasticity(op, "elasticity %.3f is not negative, demand would rise with price", eps)
		result.Degenerate = true
		result.Warnings = append(result.Warnings, "non-negative elasticity: current price kept, check price/demand data quality")
	} else {
		optimal = roundTo(curve.argmax(lo, hi, po.cfg.Iterations), 2)
		revenueCurve := curve
		revenueCurve.unitCost = 0
		revenueOptimal = roundTo(revenueCurve.argmax(lo, hi, po.cfg.Iterations), 2)
	}
	result.OptimalPrice = optimal
	result.RevenueOptimalPrice = revenueOptimal

	currentRevenue := p0 * baseDemand
	optimalRevenue := optimal * curve.demand(optimal)
	result.RevenueImpact = models.RevenueImpact{
		Absolute: optimalRevenue - currentRevenue,
		Percent:  percentChange(optimalRevenue, currentRevenue),
		Monthly:  (optimalRevenue - currentRevenue) * 30,
	}
	result.DemandChangePct = percentChange(curve.demand(optimal), baseDemand)
	result.CurrentMarginPct = curve.marginPct(p0)
	result.OptimalMarginPct = curve.marginPct(optimal)
	result.MarginImprovementPct = result.OptimalMarginPct - result.CurrentMarginPct
	result.Scenarios = po.scenarios(curve, optimal)

	return result, degenerate
}

// searchBand clips [lower·p0, upper·p0] to the configured floor and ceiling
// and, when a competitor average is known, to the competitor corridor.
func (po *PriceOptimizer) searchBand(in OptimizationInput, result *models.OptimizationResult) (float64, float64, error) {
	const op = "optimizer.search_band"
	p0 := in.CurrentPrice
	lo := p0 * po.cfg.LowerMultiplier
	hi := p0 * po.cfg.UpperMultiplier
	if po.cfg.PriceFloor > 0 {
		lo = math.Max(lo, po.cfg.PriceFloor)
	}
	if po.cfg.PriceCeiling > 0 {
		hi = math.Min(hi, po.cfg.PriceCeiling)
	}
	if lo > hi {
		return 0, 0, invalidConfiguration(op, "price floor/ceiling leave no room around current price %.2f", p0)
	}

	if in.CompetitorAvg != nil && *in.CompetitorAvg > 0 && po.cfg.CorridorLow > 0 {
		clo := math.Max(lo, *in.CompetitorAvg*po.cfg.CorridorLow)
		chi := math.Min(hi, *in.CompetitorAvg*po.cfg.CorridorHigh)
		if clo <= chi {
			return clo, chi, nil
		}
		result.Warnings = append(result.Warnings, "competitor corridor lies outside the search band and was ignored")
	}
	return lo, hi, nil
}

func (po *PriceOptimizer) scenarios(curve demandCurve, optimal float64) []models.Scenario {
	p0 := curve.currentPrice
	defs := []struct {
		name  string
		price float64
		desc  string
	}{
		{models.ScenarioAggressiveGrowth, p0 * 0.90, "10% below current price to gain volume"},
		{models.ScenarioBalancedOptimal, optimal, "contribution-maximizing price"},
		{models.ScenarioPremiumPush, optimal * 1.15, "15% above the optimum, margin first"},
		{models.ScenarioMarketPenetration, p0 * 0.80, "20% below current price to win share"},
	}

	baseRevenue := p0 * curve.baseDemand
	out := make([]models.Scenario, 0, len(defs))
	for _, d := range defs {
		price := roundTo(po.clipAbsolute(d.price), 2)
		demand := curve.demand(price)
		demandDelta := percentChange(demand, curve.baseDemand)
		out = append(out, models.Scenario{
			Name:           d.name,
			Price:          price,
			RevenueDelta:   price*demand - baseRevenue,
			DemandDeltaPct: demandDelta,
			MarginDeltaPct: curve.marginPct(price) - curve.marginPct(p0),
			Risk:           scenarioRisk(demandDelta),
			Description:    d.desc,
		})
	}
	return out
}

func (po *PriceOptimizer) clipAbsolute(price float64) float64 {
	if po.cfg.PriceFloor > 0 && price < po.cfg.PriceFloor {
		price = po.cfg.PriceFloor
	}
	if po.cfg.PriceCeiling > 0 && price > po.cfg.PriceCeiling {
		price = po.cfg.PriceCeiling
	}
	return price
}

// scenarioRisk grades the absolute projected demand swing in percent.
func scenarioRisk(demandDeltaPct float64) models.Level {
	swing := math.Abs(demandDeltaPct)
	switch {
	case swing < 20:
		return models.LevelLow
	case swing < 40:
		return models.LevelMedium
	}
	return models.LevelHigh
}

func percentChange(value, base float64) float64 {
	if base == 0 {
		return 0
	}
	return (value - base) / base * 100
}
