package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"pricepilot-api/pkg/models"
	"pricepilot-api/pkg/services"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("API_KEY", "test-key")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PIPELINE_CONFIG", "configs/pipeline.yaml")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, https://pricing.example.com")

	cfg := LoadConfig()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "configs/pipeline.yaml", cfg.PipelineConfigPath)
	assert.Equal(t, []string{"http://localhost:3000", "https://pricing.example.com"}, cfg.CORSOrigins)
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, v := range []string{"PORT", "ENVIRONMENT", "API_KEY", "LOG_LEVEL", "LOG_FORMAT", "PIPELINE_CONFIG", "CORS_ORIGINS"} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}

	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	assert.Equal(t, zerolog.InfoLevel, newLogger(&buf, "nonsense", "json").GetLevel())
}

func TestLoadPipelineConfigDefaults(t *testing.T) {
	cfg, err := LoadPipelineConfig("")
	require.NoError(t, err)

	want := services.DefaultPipelineConfig()
	assert.Equal(t, want.Forecast, cfg.Forecast)
	assert.Equal(t, want.Elasticity, cfg.Elasticity)
	assert.Equal(t, want.Optimizer, cfg.Optimizer)
	assert.Equal(t, want.Features, cfg.Features)
	assert.False(t, cfg.Fallback.MovingAverage)
}

func TestLoadPipelineConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	yaml := `
forecast_horizon_days: 30
seasonality: multiplicative
smoothing:
  alpha: 0.4
  beta: 0.1
  gamma: 0.2
price_search_bounds: [0.7, 1.5]
competitor_corridor: [0.9, 1.2]
fallback:
  moving_average: true
workers: 3
rule_overrides:
  low_demand_guard:
    enabled: false
  demand_surge_capture:
    params:
      min_growth: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadPipelineConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Forecast.HorizonDays)
	assert.Equal(t, models.SeasonalityMultiplicative, cfg.Forecast.Seasonality)
	assert.Equal(t, services.SmoothingConfig{Alpha: 0.4, Beta: 0.1, Gamma: 0.2}, cfg.Forecast.Smoothing)
	assert.Equal(t, 0.7, cfg.Optimizer.LowerMultiplier)
	assert.Equal(t, 1.5, cfg.Optimizer.UpperMultiplier)
	assert.Equal(t, 0.9, cfg.Optimizer.CorridorLow)
	assert.Equal(t, 1.2, cfg.Optimizer.CorridorHigh)
	assert.True(t, cfg.Fallback.MovingAverage)
	assert.Equal(t, 3, cfg.Workers)

	require.Contains(t, cfg.RuleOverrides, "low_demand_guard")
	require.NotNil(t, cfg.RuleOverrides["low_demand_guard"].Enabled)
	assert.False(t, *cfg.RuleOverrides["low_demand_guard"].Enabled)
	assert.Equal(t, 0.2, cfg.RuleOverrides["demand_surge_capture"].Params["min_growth"])
}

func TestLoadPipelineConfigEnv(t *testing.T) {
	t.Setenv("PRICING_FORECAST_HORIZON_DAYS", "21")
	t.Setenv("PRICING_SMOOTHING", "0.3,0.05,0.25")
	t.Setenv("PRICING_PRICE_SEARCH_BOUNDS", "0.6,1.8")
	t.Setenv("PRICING_FALLBACK_DEFAULT_ELASTICITY", "true")
	t.Setenv("PRICING_HISTORY_MAX_SPAN_DAYS", "400")

	cfg, err := LoadPipelineConfig("")
	require.NoError(t, err)

	assert.Equal(t, 21, cfg.Forecast.HorizonDays)
	assert.Equal(t, services.SmoothingConfig{Alpha: 0.3, Beta: 0.05, Gamma: 0.25}, cfg.Forecast.Smoothing)
	assert.Equal(t, 0.6, cfg.Optimizer.LowerMultiplier)
	assert.Equal(t, 1.8, cfg.Optimizer.UpperMultiplier)
	assert.True(t, cfg.Fallback.DefaultElasticity)
	assert.Equal(t, 400, cfg.History.MaxSpanDays)
	assert.Equal(t, 0.5, cfg.History.MaxFilledShare)
}

func TestLoadPipelineConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"horizon", map[string]string{"PRICING_FORECAST_HORIZON_DAYS": "0"}},
		{"smoothing out of range", map[string]string{"PRICING_SMOOTHING": "1.5,0.1,0.1"}},
		{"smoothing garbage", map[string]string{"PRICING_SMOOTHING": "fast"}},
		{"bounds inverted", map[string]string{"PRICING_PRICE_SEARCH_BOUNDS": "2.0,0.5"}},
		{"bounds single", map[string]string{"PRICING_PRICE_SEARCH_BOUNDS": "0.5"}},
		{"seasonality", map[string]string{"PRICING_SEASONALITY": "cubic"}},
		{"r2", map[string]string{"PRICING_R2_THRESHOLD": "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadPipelineConfig("")
			require.Error(t, err)
			assert.ErrorIs(t, err, services.ErrInvalidConfiguration)
		})
	}
}

func TestLoadPipelineConfigMissingFile(t *testing.T) {
	_, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
