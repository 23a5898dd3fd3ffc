package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"pricepilot-api/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simulationEnd = time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

func simulatedObservations(id string, seed uint64) models.ProductObservations {
	return NewSalesSimulator(seed).Generate(SimulatedProduct{
		ID:         id,
		Name:       "Wireless Earbuds",
		BasePrice:  49.99,
		UnitCost:   21,
		BaseDemand: 40,
	}, 60, simulationEnd)
}

func newTestPipeline(t *testing.T, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, nil, opts...)
	require.NoError(t, err)
	return p
}

func TestPipelineRunFullChain(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPipelineMetrics(reg)
	p := newTestPipeline(t, DefaultPipelineConfig(), WithMetrics(metrics))

	result, err := p.Run(context.Background(), PipelineRequest{Observations: simulatedObservations("SKU-100", 7)})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageSignals, StageForecast, StageElasticity, StageOptimize, StageDecide}, result.StagesRun)
	assert.Equal(t, "SKU-100", result.ProductID)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, models.SchemaVersion, result.SchemaVersion)
	require.NotNil(t, result.Signals)
	require.NotNil(t, result.Forecast)
	assert.Equal(t, models.MethodHoltWinters, result.Forecast.Method)
	assert.Len(t, result.Forecast.Points, 14)
	require.NotNil(t, result.Elasticity)
	assert.Equal(t, models.SourceOwnPrice, result.Elasticity.Source)
	require.NotNil(t, result.Optimization)
	assert.False(t, result.Optimization.UnitCostEstimated)
	assert.Equal(t, 21.0, result.Optimization.UnitCost)
	require.NotNil(t, result.Evaluation)
	assert.NotEmpty(t, result.Evaluation.Final.Decision)
	assert.Empty(t, result.Fallbacks)

	assert.Equal(t, 5, testutil.CollectAndCount(metrics.StageDuration))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveRuns))
}

func TestPipelineStopsAfterRequestedStage(t *testing.T) {
	p := newTestPipeline(t, DefaultPipelineConfig())

	result, err := p.Run(context.Background(), PipelineRequest{
		Observations: simulatedObservations("SKU-100", 7),
		Through:      StageSignals,
	})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageSignals}, result.StagesRun)
	assert.NotNil(t, result.Signals)
	assert.Nil(t, result.Forecast)
	assert.Nil(t, result.Evaluation)

	_, err = p.Run(context.Background(), PipelineRequest{Through: "pricing"})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestPipelineHorizonOverride(t *testing.T) {
	p := newTestPipeline(t, DefaultPipelineConfig())

	result, err := p.Run(context.Background(), PipelineRequest{
		Observations: simulatedObservations("SKU-100", 7),
		Through:      StageForecast,
		HorizonDays:  30,
	})
	require.NoError(t, err)
	assert.Len(t, result.Forecast.Points, 30)
}

func TestPipelineCanceledContext(t *testing.T) {
	p := newTestPipeline(t, DefaultPipelineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Run(ctx, PipelineRequest{Observations: simulatedObservations("SKU-100", 7)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "canceled", ErrorKind(err))
	assert.Empty(t, result.StagesRun)
}

func TestPipelineFallbacks(t *testing.T) {
	obs := models.ProductObservations{
		Product: testProduct("SKU-9", 25),
		Sales:   dailySales("SKU-9", 6, 8, 7, 9, 5, 8, 7, 6, 9, 8),
	}

	t.Run("disabled", func(t *testing.T) {
		p := newTestPipeline(t, DefaultPipelineConfig())
		result, err := p.Run(context.Background(), PipelineRequest{Observations: obs})
		assert.ErrorIs(t, err, ErrInsufficientHistory)
		assert.Equal(t, []Stage{StageSignals}, result.StagesRun)
	})

	t.Run("enabled", func(t *testing.T) {
		cfg := DefaultPipelineConfig()
		cfg.Fallback = FallbackConfig{MovingAverage: true, DefaultElasticity: true}
		reg := prometheus.NewRegistry()
		metrics := NewPipelineMetrics(reg)
		p := newTestPipeline(t, cfg, WithMetrics(metrics))

		result, err := p.Run(context.Background(), PipelineRequest{Observations: obs})
		require.NoError(t, err)
		assert.Equal(t, []string{FallbackMovingAverage, FallbackDefaultElasticity}, result.Fallbacks)
		assert.Equal(t, models.MethodMovingAverage, result.Forecast.Method)
		assert.Equal(t, models.SourceDefault, result.Elasticity.Source)
		assert.True(t, result.Optimization.UnitCostEstimated)
		require.NotNil(t, result.Evaluation)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Fallbacks.WithLabelValues(FallbackMovingAverage)))
	})
}

func TestPipelineDegenerateElasticityIsWarning(t *testing.T) {
	obs := models.ProductObservations{Product: withCost(testProduct("SKU-3", 20), 8)}
	for i := 0; i < 21; i++ {
		price := 18 + float64(i%5)
		obs.Sales = append(obs.Sales, models.SalesObservation{
			ProductID: "SKU-3",
			UnitsSold: int(price * 2),
			Date:      testStart.AddDate(0, 0, i),
			Price:     decimal.NewNullDecimal(decimal.NewFromFloat(price)),
		})
	}

	result, err := newTestPipeline(t, DefaultPipelineConfig()).Run(context.Background(), PipelineRequest{Observations: obs})
	require.NoError(t, err)
	assert.Greater(t, result.Elasticity.Coefficient, 0.0)
	assert.True(t, result.Optimization.Degenerate)
	assert.Equal(t, 20.0, result.Optimization.OptimalPrice)
	assert.NotEmpty(t, result.Warnings)
	require.NotNil(t, result.Evaluation)
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 2
	p := newTestPipeline(t, cfg)

	bad := simulatedObservations("SKU-BAD", 2)
	bad.Product.BasePrice = decimal.Zero
	reqs := []PipelineRequest{
		{Observations: simulatedObservations("SKU-A", 1)},
		{Observations: bad},
		{Observations: simulatedObservations("SKU-C", 3)},
	}

	items := p.RunBatch(context.Background(), reqs)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"SKU-A", "SKU-BAD", "SKU-C"}, []string{items[0].ProductID, items[1].ProductID, items[2].ProductID})

	assert.NoError(t, items[0].Err())
	assert.NotNil(t, items[0].Result.Evaluation)
	assert.ErrorIs(t, items[1].Err(), ErrInvalidObservation)
	assert.Equal(t, "invalid_observation", items[1].ErrorKind)
	assert.NotEmpty(t, items[1].Error)
	assert.NoError(t, items[2].Err())
	assert.NotNil(t, items[2].Result.Evaluation)
}

func TestNewPipelineRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultPipelineConfig()
	cfg.Workers = 0
	_, err := NewPipeline(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	cfg = DefaultPipelineConfig()
	cfg.RuleOverrides = map[string]RuleOverride{"missing_rule": {}}
	_, err = NewPipeline(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestSalesSimulatorIsReproducible(t *testing.T) {
	product := SimulatedProduct{ID: "SKU-1", BasePrice: 10}
	a := NewSalesSimulator(99).Generate(product, 30, simulationEnd)
	b := NewSalesSimulator(99).Generate(product, 30, simulationEnd)
	assert.Equal(t, a, b)

	require.Len(t, a.Sales, 30)
	assert.Len(t, a.Competitors, 90)
	assert.Len(t, a.Trends, 30)
	assert.Equal(t, simulationEnd, a.Sales[29].Date)
	for _, tr := range a.Trends {
		assert.GreaterOrEqual(t, tr.TrendScore, 0.0)
		assert.LessOrEqual(t, tr.TrendScore, 100.0)
	}

	c := NewSalesSimulator(100).Generate(product, 30, simulationEnd)
	assert.NotEqual(t, a.Sales, c.Sales)
}
