package services

import (
	"testing"

	"pricepilot-api/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOptimizer() *PriceOptimizer {
	return NewPriceOptimizer(DefaultPipelineConfig().Optimizer)
}

func TestOptimizeWithinCompetitorCorridor(t *testing.T) {
	in := OptimizationInput{
		ProductID:     "SKU-1",
		CurrentPrice:  49.99,
		Elasticity:    &models.ElasticityResult{Coefficient: -1.42},
		BaseDemand:    100,
		CompetitorAvg: float64Ptr(52.87),
	}

	result, err := newTestOptimizer().Optimize(in)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, result.OptimalPrice, 51.0)
	assert.LessOrEqual(t, result.OptimalPrice, 58.0)
	// 原価は 0.33 × 49.99 と推定され、最適値は c·ε/(1+ε)
	assert.InDelta(t, 55.77, result.OptimalPrice, 0.02)
	assert.True(t, result.UnitCostEstimated)
	assert.NotEmpty(t, result.Warnings)
	assert.InDelta(t, 52.87*0.85, result.SearchBand.Min, 1e-9)
	assert.InDelta(t, 52.87*1.10, result.SearchBand.Max, 1e-9)
	assert.Less(t, result.DemandChangePct, 0.0)
	assert.Greater(t, result.MarginImprovementPct, 0.0)
	// 原価を無視すると |ε| > 1 では売上は値下げ側で最大になる
	assert.InDelta(t, 52.87*0.85, result.RevenueOptimalPrice, 0.01)
	assert.Less(t, result.RevenueOptimalPrice, result.OptimalPrice)

	require.Len(t, result.Scenarios, 4)
	names := make([]string, len(result.Scenarios))
	for i, s := range result.Scenarios {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		models.ScenarioAggressiveGrowth,
		models.ScenarioBalancedOptimal,
		models.ScenarioPremiumPush,
		models.ScenarioMarketPenetration,
	}, names)

	balanced := result.Scenarios[1]
	assert.Equal(t, result.OptimalPrice, balanced.Price)
	assert.Equal(t, models.LevelLow, balanced.Risk)
	assert.Equal(t, 44.99, result.Scenarios[0].Price)
	assert.Equal(t, models.LevelLow, result.Scenarios[0].Risk)
	assert.Equal(t, models.LevelMedium, result.Scenarios[2].Risk)
	assert.Equal(t, 39.99, result.Scenarios[3].Price)
	assert.Equal(t, models.LevelMedium, result.Scenarios[3].Risk)
}

func TestOptimizeIsDeterministic(t *testing.T) {
	in := OptimizationInput{
		CurrentPrice: 19.99,
		Elasticity:   &models.ElasticityResult{Coefficient: -2.1},
		BaseDemand:   35,
		UnitCost:     float64Ptr(7.5),
	}
	opt := newTestOptimizer()

	first, err := opt.Optimize(in)
	require.NoError(t, err)
	second, err := opt.Optimize(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first.OptimalPrice, first.SearchBand.Min)
	assert.LessOrEqual(t, first.OptimalPrice, first.SearchBand.Max)
	assert.False(t, first.UnitCostEstimated)
}

func TestOptimizeDegenerateElasticity(t *testing.T) {
	result, err := newTestOptimizer().Optimize(OptimizationInput{
		CurrentPrice: 49.99,
		Elasticity:   &models.ElasticityResult{Coefficient: 0.3},
		BaseDemand:   80,
	})
	assert.ErrorIs(t, err, ErrDegenerateElasticity)
	require.NotNil(t, result)
	assert.True(t, result.Degenerate)
	assert.Equal(t, 49.99, result.OptimalPrice)
	assert.Equal(t, 49.99, result.RevenueOptimalPrice)
	assert.NotEmpty(t, result.Warnings)
	assert.Len(t, result.Scenarios, 4)
}

func TestOptimizeInelasticDemandHitsUpperBound(t *testing.T) {
	result, err := newTestOptimizer().Optimize(OptimizationInput{
		CurrentPrice: 50,
		Elasticity:   &models.ElasticityResult{Coefficient: -0.5},
		BaseDemand:   10,
		UnitCost:     float64Ptr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, result.OptimalPrice)
	assert.Equal(t, result.OptimalPrice, result.RevenueOptimalPrice)
}

func TestOptimizeIgnoresUnreachableCorridor(t *testing.T) {
	result, err := newTestOptimizer().Optimize(OptimizationInput{
		CurrentPrice:  50,
		Elasticity:    &models.ElasticityResult{Coefficient: -1.5},
		BaseDemand:    10,
		UnitCost:      float64Ptr(20),
		CompetitorAvg: float64Ptr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriceRange{Min: 25, Max: 100}, result.SearchBand)
	assert.Contains(t, result.Warnings, "competitor corridor lies outside the search band and was ignored")
	// (p-20)·p^-1.5 は p = 60 で最大
	assert.InDelta(t, 60, result.OptimalPrice, 0.01)
}

func TestOptimizeRespectsFloorAndCeiling(t *testing.T) {
	cfg := DefaultPipelineConfig().Optimizer
	cfg.PriceFloor = 45
	cfg.PriceCeiling = 55
	result, err := NewPriceOptimizer(cfg).Optimize(OptimizationInput{
		CurrentPrice: 50,
		Elasticity:   &models.ElasticityResult{Coefficient: -1.5},
		BaseDemand:   10,
		UnitCost:     float64Ptr(20),
	})
	require.NoError(t, err)
	assert.Equal(t, 55.0, result.OptimalPrice)
	for _, s := range result.Scenarios {
		assert.GreaterOrEqual(t, s.Price, 45.0)
		assert.LessOrEqual(t, s.Price, 55.0)
	}
}

func TestOptimizeErrors(t *testing.T) {
	opt := newTestOptimizer()

	_, err := opt.Optimize(OptimizationInput{CurrentPrice: 0, Elasticity: &models.ElasticityResult{Coefficient: -1}})
	assert.ErrorIs(t, err, ErrInvalidObservation)

	_, err = opt.Optimize(OptimizationInput{CurrentPrice: 10})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestScenarioRisk(t *testing.T) {
	assert.Equal(t, models.LevelLow, scenarioRisk(-19.9))
	assert.Equal(t, models.LevelMedium, scenarioRisk(20))
	assert.Equal(t, models.LevelMedium, scenarioRisk(-39))
	assert.Equal(t, models.LevelHigh, scenarioRisk(45))
}
