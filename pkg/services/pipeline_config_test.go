package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPipelineConfigIsValid(t *testing.T) {
	cfg := DefaultPipelineConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 14, cfg.Forecast.HorizonDays)
	assert.True(t, cfg.Forecast.Smoothing.Auto)
	assert.Equal(t, -1.2, cfg.Elasticity.DefaultElasticity)
	assert.False(t, cfg.Fallback.MovingAverage)
	assert.False(t, cfg.Fallback.DefaultElasticity)
}

func TestPipelineConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineConfig)
	}{
		{"zero horizon", func(c *PipelineConfig) { c.Forecast.HorizonDays = 0 }},
		{"short cycle", func(c *PipelineConfig) { c.Forecast.CycleLength = 1 }},
		{"unknown seasonality", func(c *PipelineConfig) { c.Forecast.Seasonality = "cubic" }},
		{"fixed smoothing out of range", func(c *PipelineConfig) {
			c.Forecast.Smoothing = SmoothingConfig{Alpha: 0.3, Beta: 0, Gamma: 0.2}
		}},
		{"positive default elasticity", func(c *PipelineConfig) { c.Elasticity.DefaultElasticity = 0.5 }},
		{"r2 threshold above one", func(c *PipelineConfig) { c.Elasticity.R2Threshold = 1.5 }},
		{"inverted search bounds", func(c *PipelineConfig) { c.Optimizer.UpperMultiplier = 0.4 }},
		{"floor above ceiling", func(c *PipelineConfig) { c.Optimizer.PriceFloor = 20; c.Optimizer.PriceCeiling = 10 }},
		{"inverted corridor", func(c *PipelineConfig) { c.Optimizer.CorridorHigh = 0.5 }},
		{"cost ratio of one", func(c *PipelineConfig) { c.Optimizer.DefaultCostRatio = 1 }},
		{"history shorter than two cycles", func(c *PipelineConfig) { c.History.MaxSpanDays = 10 }},
		{"filled share above one", func(c *PipelineConfig) { c.History.MaxFilledShare = 1.5 }},
		{"no workers", func(c *PipelineConfig) { c.Workers = 0 }},
		{"volatility thresholds", func(c *PipelineConfig) { c.Features.VolatilityHigh = 0.01 }},
		{"override priority", func(c *PipelineConfig) {
			c.RuleOverrides = map[string]RuleOverride{RuleLowDemand: {Priority: "urgent"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPipelineConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "insufficient_history", ErrorKind(insufficientHistory("op", "short")))
	assert.Equal(t, "degenerate_elasticity", ErrorKind(degenerateElasticity("op", "flat")))
	assert.Equal(t, "internal", ErrorKind(assert.AnError))

	err := &PricingError{Kind: ErrInvalidConfiguration, Op: "rules.parse", Err: assert.AnError}
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "rules.parse: invalid configuration")
	assert.False(t, IsRecoverable(err))
}
