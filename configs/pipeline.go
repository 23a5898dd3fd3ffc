package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"pricepilot-api/pkg/models"
	"pricepilot-api/pkg/services"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix for pipeline options, e.g. PRICING_FORECAST_HORIZON_DAYS.
const EnvPrefix = "PRICING"

type ruleOverrideFile struct {
	Enabled  *bool              `mapstructure:"enabled"`
	Params   map[string]float64 `mapstructure:"params"`
	Trigger  string             `mapstructure:"trigger"`
	Priority string             `mapstructure:"priority"`
}

// LoadPipelineConfig reads pipeline options from an optional YAML file and
// PRICING_* environment variables on top of the defaults, then validates them.
func LoadPipelineConfig(path string) (services.PipelineConfig, error) {
	v := viper.New()
	setPipelineDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return services.PipelineConfig{}, fmt.Errorf("error reading pipeline config %s: %w", path, err)
		}
	}
	return pipelineConfigFrom(v)
}

// setPipelineDefaults mirrors services.DefaultPipelineConfig so every key is
// known to viper and can be overridden from the environment.
func setPipelineDefaults(v *viper.Viper) {
	d := services.DefaultPipelineConfig()

	v.SetDefault("forecast_horizon_days", d.Forecast.HorizonDays)
	v.SetDefault("smoothing", "auto")
	v.SetDefault("seasonality", string(d.Forecast.Seasonality))
	v.SetDefault("seasonal_cycle_length", d.Forecast.CycleLength)
	v.SetDefault("confidence_z", d.Forecast.ConfidenceZ)
	v.SetDefault("grid_step", d.Forecast.GridStep)

	v.SetDefault("history.max_span_days", d.History.MaxSpanDays)
	v.SetDefault("history.max_filled_share", d.History.MaxFilledShare)

	v.SetDefault("min_regression_points", d.Elasticity.MinRegressionPoints)
	v.SetDefault("r2_threshold", d.Elasticity.R2Threshold)
	v.SetDefault("revenue_tolerance", d.Elasticity.RevenueTolerance)
	v.SetDefault("default_elasticity", d.Elasticity.DefaultElasticity)

	v.SetDefault("price_search_bounds", fmt.Sprintf("%g,%g", d.Optimizer.LowerMultiplier, d.Optimizer.UpperMultiplier))
	v.SetDefault("price_floor", d.Optimizer.PriceFloor)
	v.SetDefault("price_ceiling", d.Optimizer.PriceCeiling)
	v.SetDefault("competitor_corridor", fmt.Sprintf("%g,%g", d.Optimizer.CorridorLow, d.Optimizer.CorridorHigh))
	v.SetDefault("default_cost_ratio", d.Optimizer.DefaultCostRatio)
	v.SetDefault("search_iterations", d.Optimizer.Iterations)

	v.SetDefault("features.demand_window", d.Features.DemandWindow)
	v.SetDefault("features.volatility_window", d.Features.VolatilityWindow)
	v.SetDefault("features.trend_window", d.Features.TrendWindow)
	v.SetDefault("features.seasonal_lookback", d.Features.SeasonalLookback)
	v.SetDefault("features.volatility_low", d.Features.VolatilityLow)
	v.SetDefault("features.volatility_high", d.Features.VolatilityHigh)
	v.SetDefault("features.min_elasticity_pairs", d.Features.MinElasticityPairs)
	v.SetDefault("features.stable_band", d.Features.StableBand)

	v.SetDefault("fallback.moving_average", false)
	v.SetDefault("fallback.default_elasticity", false)
	v.SetDefault("rules_file", "")
	v.SetDefault("workers", d.Workers)
}

func pipelineConfigFrom(v *viper.Viper) (services.PipelineConfig, error) {
	cfg := services.DefaultPipelineConfig()

	cfg.Forecast.HorizonDays = v.GetInt("forecast_horizon_days")
	cfg.Forecast.Seasonality = models.Seasonality(strings.ToLower(v.GetString("seasonality")))
	cfg.Forecast.CycleLength = v.GetInt("seasonal_cycle_length")
	cfg.Forecast.ConfidenceZ = v.GetFloat64("confidence_z")
	cfg.Forecast.GridStep = v.GetFloat64("grid_step")
	smoothing, err := parseSmoothing(v.Get("smoothing"))
	if err != nil {
		return cfg, err
	}
	cfg.Forecast.Smoothing = smoothing

	cfg.History.MaxSpanDays = v.GetInt("history.max_span_days")
	cfg.History.MaxFilledShare = v.GetFloat64("history.max_filled_share")

	cfg.Elasticity.MinRegressionPoints = v.GetInt("min_regression_points")
	cfg.Elasticity.R2Threshold = v.GetFloat64("r2_threshold")
	cfg.Elasticity.RevenueTolerance = v.GetFloat64("revenue_tolerance")
	cfg.Elasticity.DefaultElasticity = v.GetFloat64("default_elasticity")

	if cfg.Optimizer.LowerMultiplier, cfg.Optimizer.UpperMultiplier, err = floatPair(v, "price_search_bounds"); err != nil {
		return cfg, err
	}
	if cfg.Optimizer.CorridorLow, cfg.Optimizer.CorridorHigh, err = floatPair(v, "competitor_corridor"); err != nil {
		return cfg, err
	}
	cfg.Optimizer.PriceFloor = v.GetFloat64("price_floor")
	cfg.Optimizer.PriceCeiling = v.GetFloat64("price_ceiling")
	cfg.Optimizer.DefaultCostRatio = v.GetFloat64("default_cost_ratio")
	cfg.Optimizer.Iterations = v.GetInt("search_iterations")

	cfg.Features.DemandWindow = v.GetInt("features.demand_window")
	cfg.Features.VolatilityWindow = v.GetInt("features.volatility_window")
	cfg.Features.TrendWindow = v.GetInt("features.trend_window")
	cfg.Features.SeasonalLookback = v.GetInt("features.seasonal_lookback")
	cfg.Features.VolatilityLow = v.GetFloat64("features.volatility_low")
	cfg.Features.VolatilityHigh = v.GetFloat64("features.volatility_high")
	cfg.Features.MinElasticityPairs = v.GetInt("features.min_elasticity_pairs")
	cfg.Features.StableBand = v.GetFloat64("features.stable_band")

	cfg.Fallback.MovingAverage = v.GetBool("fallback.moving_average")
	cfg.Fallback.DefaultElasticity = v.GetBool("fallback.default_elasticity")
	cfg.RulesFile = v.GetString("rules_file")
	cfg.Workers = v.GetInt("workers")

	var overrides map[string]ruleOverrideFile
	if err := v.UnmarshalKey("rule_overrides", &overrides); err != nil {
		return cfg, fmt.Errorf("%w: rule_overrides: %v", services.ErrInvalidConfiguration, err)
	}
	if len(overrides) > 0 {
		cfg.RuleOverrides = make(map[string]services.RuleOverride, len(overrides))
		for id, ov := range overrides {
			cfg.RuleOverrides[id] = services.RuleOverride{
				Enabled:  ov.Enabled,
				Params:   ov.Params,
				Trigger:  ov.Trigger,
				Priority: models.Priority(ov.Priority),
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parseSmoothing accepts "auto", a {alpha, beta, gamma} map or "alpha,beta,gamma".
func parseSmoothing(raw interface{}) (services.SmoothingConfig, error) {
	switch val := raw.(type) {
	case nil:
		return services.SmoothingConfig{Auto: true}, nil
	case string:
		if strings.EqualFold(strings.TrimSpace(val), "auto") || val == "" {
			return services.SmoothingConfig{Auto: true}, nil
		}
		values, err := parseFloats(val)
		if err != nil || len(values) != 3 {
			return services.SmoothingConfig{}, fmt.Errorf("%w: smoothing must be \"auto\" or alpha,beta,gamma (got %q)", services.ErrInvalidConfiguration, val)
		}
		return services.SmoothingConfig{Alpha: values[0], Beta: values[1], Gamma: values[2]}, nil
	case map[string]interface{}:
		var s services.SmoothingConfig
		keys := []string{"alpha", "beta", "gamma"}
		for i, dst := range []*float64{&s.Alpha, &s.Beta, &s.Gamma} {
			key := keys[i]
			v, ok := val[key]
			if !ok {
				return s, fmt.Errorf("%w: smoothing.%s is required", services.ErrInvalidConfiguration, key)
			}
			f, err := toFloat(v)
			if err != nil {
				return s, fmt.Errorf("%w: smoothing.%s: %v", services.ErrInvalidConfiguration, key, err)
			}
			*dst = f
		}
		return s, nil
	}
	return services.SmoothingConfig{}, fmt.Errorf("%w: unsupported smoothing value %v", services.ErrInvalidConfiguration, raw)
}

// floatPair reads a two-element list from YAML ([0.5, 2.0]) or env ("0.5,2.0").
func floatPair(v *viper.Viper, key string) (float64, float64, error) {
	values, err := parseFloats(strings.Join(v.GetStringSlice(key), ","))
	if err != nil || len(values) != 2 {
		return 0, 0, fmt.Errorf("%w: %s must be a pair of numbers", services.ErrInvalidConfiguration, key)
	}
	return values[0], values[1], nil
}

func parseFloats(raw string) ([]float64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '[' || r == ']'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, errors.New("not a number")
}
