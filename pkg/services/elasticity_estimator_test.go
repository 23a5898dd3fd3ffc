package services

import (
	"math"
	"testing"

	"pricepilot-api/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEstimator() *ElasticityEstimator {
	cfg := DefaultPipelineConfig()
	return NewElasticityEstimator(cfg.Elasticity, cfg.Optimizer)
}

// constantElasticityPoints demand = scale · price^ε の価格・需要ペア
func constantElasticityPoints(n int, scale, elasticity float64) []models.PricePoint {
	points := make([]models.PricePoint, n)
	for i := range points {
		price := 10 + float64(i)
		points[i] = models.PricePoint{
			Date:   testStart.AddDate(0, 0, i),
			Price:  price,
			Demand: scale * math.Pow(price, elasticity),
		}
	}
	return points
}

func TestEstimateRecoversElasticity(t *testing.T) {
	est := newTestEstimator()

	result, err := est.Estimate(ElasticityInput{
		ProductID:    "SKU-1",
		Points:       constantElasticityPoints(20, 1000, -1.5),
		CurrentPrice: 20,
		UnitCost:     8,
	})
	require.NoError(t, err)

	assert.InDelta(t, -1.5, result.Coefficient, 0.1)
	assert.InDelta(t, 1, result.R2, 1e-9)
	assert.InDelta(t, 1, result.Confidence, 1e-9)
	assert.Equal(t, models.LevelMedium, result.Sensitivity)
	assert.Equal(t, models.SourceOwnPrice, result.Source)
	assert.Equal(t, 20, result.DataPoints)
	assert.False(t, result.LowConfidence)

	require.Len(t, result.Curve, 10)
	assert.Equal(t, 60.0, result.Curve[0].PriceRatioPct)
	assert.Equal(t, 150.0, result.Curve[9].PriceRatioPct)
	assert.InDelta(t, 12, result.Curve[0].Price, 1e-9)

	// (p-8)·p^-1.5 は p = 8·ε/(1+ε) = 24 で最大
	assert.LessOrEqual(t, result.OptimalPriceRange.Min, 24.0)
	assert.GreaterOrEqual(t, result.OptimalPriceRange.Max, 24.0)
	assert.Less(t, result.OptimalPriceRange.Min, result.OptimalPriceRange.Max)
}

func TestEstimateLowConfidenceBelowR2Threshold(t *testing.T) {
	points := constantElasticityPoints(12, 1000, -1.2)
	for i := range points {
		if i%2 == 0 {
			points[i].Demand *= 3
		} else {
			points[i].Demand /= 3
		}
	}

	result, err := newTestEstimator().Estimate(ElasticityInput{Points: points, CurrentPrice: 15})
	require.NoError(t, err)
	assert.Less(t, result.R2, 0.3)
	assert.True(t, result.LowConfidence)
	assert.Contains(t, result.Flags, FlagLowR2)
}

func TestEstimateErrors(t *testing.T) {
	est := newTestEstimator()

	t.Run("constant price", func(t *testing.T) {
		points := make([]models.PricePoint, 10)
		for i := range points {
			points[i] = models.PricePoint{Price: 20, Demand: float64(10 + i)}
		}
		_, err := est.Estimate(ElasticityInput{Points: points, CurrentPrice: 20})
		assert.ErrorIs(t, err, ErrInsufficientVariation)
	})

	t.Run("too few points", func(t *testing.T) {
		_, err := est.Estimate(ElasticityInput{Points: constantElasticityPoints(5, 100, -1), CurrentPrice: 12})
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("zero demand pairs are skipped", func(t *testing.T) {
		points := constantElasticityPoints(9, 100, -1)
		points[0].Demand = 0
		points[1].Demand = 0
		_, err := est.Estimate(ElasticityInput{Points: points, CurrentPrice: 12})
		assert.ErrorIs(t, err, ErrInsufficientData)
	})

	t.Run("non-positive current price", func(t *testing.T) {
		_, err := est.Estimate(ElasticityInput{Points: constantElasticityPoints(10, 100, -1)})
		assert.ErrorIs(t, err, ErrInvalidObservation)
	})
}

func TestEstimatePositiveElasticity(t *testing.T) {
	result, err := newTestEstimator().Estimate(ElasticityInput{
		Points:       constantElasticityPoints(10, 2, 0.4),
		CurrentPrice: 15,
	})
	require.NoError(t, err)
	assert.Greater(t, result.Coefficient, 0.0)
	assert.True(t, result.LowConfidence)
	assert.Contains(t, result.Flags, FlagNonNegativeElasticity)
	assert.Equal(t, models.PriceRange{Min: 15, Max: 15}, result.OptimalPriceRange)
}

func TestDefaultAndSignalElasticity(t *testing.T) {
	est := newTestEstimator()
	in := ElasticityInput{ProductID: "SKU-1", CurrentPrice: 25, BaseDemand: 40}

	def := est.DefaultElasticity(in)
	assert.Equal(t, -1.2, def.Coefficient)
	assert.Equal(t, models.SourceDefault, def.Source)
	assert.True(t, def.LowConfidence)
	assert.Contains(t, def.Flags, FlagFallbackDefaultElastic)
	// 切片は現在価格で基準需要を通る
	assert.InDelta(t, 40, math.Exp(def.Intercept+def.Coefficient*math.Log(25)), 1e-9)

	sig := est.FromSignal(-0.8, 0.9, in)
	assert.Equal(t, -0.8, sig.Coefficient)
	assert.Equal(t, models.SourceSignal, sig.Source)
	assert.Equal(t, models.LevelLow, sig.Sensitivity)
	assert.Equal(t, 0.5, sig.Confidence)
}

func TestSensitivity(t *testing.T) {
	assert.Equal(t, models.LevelLow, sensitivity(-0.5))
	assert.Equal(t, models.LevelMedium, sensitivity(-1))
	assert.Equal(t, models.LevelMedium, sensitivity(-1.99))
	assert.Equal(t, models.LevelHigh, sensitivity(-2.5))
}

func TestBuildPricePoints(t *testing.T) {
	t.Run("own prices when they vary", func(t *testing.T) {
		sales := dailySales("SKU-1", 10, 12, 9, 11)
		for i := range sales {
			sales[i].Price = decimal.NewNullDecimal(decimal.NewFromFloat(20 + float64(i)))
		}
		points, source := BuildPricePoints(sales, nil, 3)
		assert.Equal(t, models.SourceOwnPrice, source)
		require.Len(t, points, 4)
		assert.Equal(t, 23.0, points[3].Price)
	})

	t.Run("competitor average when own price never varies", func(t *testing.T) {
		sales := dailySales("SKU-1", 10, 12, 9, 11)
		comps := []models.CompetitorPriceObservation{
			competitorPrice("a", 20, 0), competitorPrice("b", 22, 0),
			competitorPrice("a", 19, 1), competitorPrice("a", 23, 2), competitorPrice("a", 21, 3),
		}
		points, source := BuildPricePoints(sales, comps, 3)
		assert.Equal(t, models.SourceCompetitorPrice, source)
		require.Len(t, points, 4)
		assert.Equal(t, 21.0, points[0].Price)
		assert.Equal(t, 10.0, points[0].Demand)
	})
}
