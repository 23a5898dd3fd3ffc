package services

import (
	"runtime"

	"pricepilot-api/pkg/models"
)

// FeatureConfig controls the Feature Engineer windows.
type FeatureConfig struct {
	DemandWindow       int     `json:"demand_window"`       // 移動平均の日数
	VolatilityWindow   int     `json:"volatility_window"`   // 変動係数を計算する観測数
	TrendWindow        int     `json:"trend_window"`        // モメンタムを計算する観測数
	SeasonalLookback   int     `json:"seasonal_lookback"`   // 季節指数の比較期間（日）
	VolatilityLow      float64 `json:"volatility_low"`      // これ未満は low
	VolatilityHigh     float64 `json:"volatility_high"`     // これ未満は medium
	MinElasticityPairs int     `json:"min_elasticity_pairs"`
	StableBand         float64 `json:"stable_band"` // 成長率の横ばい判定幅
}

// HistoryLimits 日次販売系列の上限。欠損日の0補完が際限なく増えないようにする
type HistoryLimits struct {
	MaxSpanDays    int     `json:"max_span_days"`    // 最初と最後の販売日の間隔（日）
	MaxFilledShare float64 `json:"max_filled_share"` // 0補完した日の割合の上限
}

// DefaultHistoryLimits returns three years of history with at most half the days filled.
func DefaultHistoryLimits() HistoryLimits {
	return HistoryLimits{MaxSpanDays: 3 * 366, MaxFilledShare: 0.5}
}

// SmoothingConfig is either Auto or explicit α, β, γ.
type SmoothingConfig struct {
	Auto  bool    `json:"auto"`
	Alpha float64 `json:"alpha,omitempty"`
	Beta  float64 `json:"beta,omitempty"`
	Gamma float64 `json:"gamma,omitempty"`
}

// ForecastConfig controls the Demand Forecaster.
type ForecastConfig struct {
	HorizonDays int                `json:"horizon_days"`
	CycleLength int                `json:"cycle_length"`
	Seasonality models.Seasonality `json:"seasonality"`
	Smoothing   SmoothingConfig    `json:"smoothing"`
	ConfidenceZ float64            `json:"confidence_z"`
	GridStep    float64            `json:"grid_step"`
}

// ElasticityConfig controls the Elasticity Estimator.
type ElasticityConfig struct {
	MinRegressionPoints int     `json:"min_regression_points"`
	R2Threshold         float64 `json:"r2_threshold"`
	RevenueTolerance    float64 `json:"revenue_tolerance"`
	DefaultElasticity   float64 `json:"default_elasticity"`
}

// OptimizerConfig controls the Price Optimizer search band.
type OptimizerConfig struct {
	LowerMultiplier  float64 `json:"lower_multiplier"`
	UpperMultiplier  float64 `json:"upper_multiplier"`
	PriceFloor       float64 `json:"price_floor"`   // 0は未設定
	PriceCeiling     float64 `json:"price_ceiling"` // 0は未設定
	CorridorLow      float64 `json:"corridor_low"`  // 0は競合価格帯で制限しない
	CorridorHigh     float64 `json:"corridor_high"`
	DefaultCostRatio float64 `json:"default_cost_ratio"`
	Iterations       int     `json:"iterations"`
}

// FallbackConfig opts into the documented fallback paths.
type FallbackConfig struct {
	MovingAverage     bool `json:"moving_average"`
	DefaultElasticity bool `json:"default_elasticity"`
}

// RuleOverride adjusts one rule of the table without editing it.
type RuleOverride struct {
	Enabled  *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Params   map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
	Trigger  string             `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Priority models.Priority    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// PipelineConfig is the complete algorithm configuration for one pipeline.
type PipelineConfig struct {
	Features      FeatureConfig           `json:"features"`
	Forecast      ForecastConfig          `json:"forecast"`
	History       HistoryLimits           `json:"history"`
	Elasticity    ElasticityConfig        `json:"elasticity"`
	Optimizer     OptimizerConfig         `json:"optimizer"`
	Fallback      FallbackConfig          `json:"fallback"`
	RuleOverrides map[string]RuleOverride `json:"rule_overrides,omitempty"`
	RulesFile     string                  `json:"rules_file,omitempty"`
	Workers       int                     `json:"workers"`
}

// DefaultPipelineConfig returns the documented defaults. Fallbacks are off.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Features: FeatureConfig{
			DemandWindow:       7,
			VolatilityWindow:   7,
			TrendWindow:        7,
			SeasonalLookback:   365,
			VolatilityLow:      0.05,
			VolatilityHigh:     0.15,
			MinElasticityPairs: 4,
			StableBand:         0.05,
		},
		Forecast: ForecastConfig{
			HorizonDays: 14,
			CycleLength: 7,
			Seasonality: models.SeasonalityAdditive,
			Smoothing:   SmoothingConfig{Auto: true},
			ConfidenceZ: 1.28,
			GridStep:    0.05,
		},
		History: DefaultHistoryLimits(),
		Elasticity: ElasticityConfig{
			MinRegressionPoints: 8,
			R2Threshold:         0.3,
			RevenueTolerance:    0.02,
			DefaultElasticity:   -1.2,
		},
		Optimizer: OptimizerConfig{
			LowerMultiplier:  0.5,
			UpperMultiplier:  2.0,
			CorridorLow:      0.85,
			CorridorHigh:     1.10,
			DefaultCostRatio: 0.33,
			Iterations:       100,
		},
		Workers: runtime.GOMAXPROCS(0),
	}
}

// Validate returns an invalid-configuration error describing the first bad option.
func (c PipelineConfig) Validate() error {
	const op = "config.validate"
	f := c.Features
	switch {
	case f.DemandWindow < 1:
		return invalidConfiguration(op, "features.demand_window must be >= 1")
	case f.VolatilityWindow < 2:
		return invalidConfiguration(op, "features.volatility_window must be >= 2")
	case f.TrendWindow < 1:
		return invalidConfiguration(op, "features.trend_window must be >= 1")
	case f.SeasonalLookback < f.DemandWindow:
		return invalidConfiguration(op, "features.seasonal_lookback must be >= demand_window")
	case f.VolatilityLow <= 0 || f.VolatilityHigh <= f.VolatilityLow:
		return invalidConfiguration(op, "features volatility thresholds must satisfy 0 < low < high")
	case f.MinElasticityPairs < 2:
		return invalidConfiguration(op, "features.min_elasticity_pairs must be >= 2")
	case f.StableBand < 0:
		return invalidConfiguration(op, "features.stable_band must be >= 0")
	}

	fc := c.Forecast
	switch {
	case fc.HorizonDays < 1:
		return invalidConfiguration(op, "forecast_horizon_days must be >= 1")
	case fc.CycleLength < 2:
		return invalidConfiguration(op, "seasonal_cycle_length must be >= 2")
	case fc.Seasonality != models.SeasonalityAdditive && fc.Seasonality != models.SeasonalityMultiplicative:
		return invalidConfiguration(op, "seasonality must be additive or multiplicative, got %q", fc.Seasonality)
	case fc.ConfidenceZ <= 0:
		return invalidConfiguration(op, "confidence_z must be > 0")
	case fc.GridStep <= 0 || fc.GridStep >= 0.5:
		return invalidConfiguration(op, "forecast grid_step must be in (0, 0.5)")
	}
	if !fc.Smoothing.Auto {
		if err := validateSmoothing(fc.Smoothing); err != nil {
			return err
		}
	}

	h := c.History
	switch {
	case h.MaxSpanDays < 2*fc.CycleLength:
		return invalidConfiguration(op, "history.max_span_days must cover at least two seasonal cycles")
	case h.MaxFilledShare <= 0 || h.MaxFilledShare > 1:
		return invalidConfiguration(op, "history.max_filled_share must be in (0, 1]")
	}

	e := c.Elasticity
	switch {
	case e.MinRegressionPoints < 3:
		return invalidConfiguration(op, "min_regression_points must be >= 3")
	case e.R2Threshold < 0 || e.R2Threshold > 1:
		return invalidConfiguration(op, "r2_threshold must be in [0, 1]")
	case e.RevenueTolerance <= 0 || e.RevenueTolerance >= 1:
		return invalidConfiguration(op, "revenue_tolerance must be in (0, 1)")
	case e.DefaultElasticity >= 0:
		return invalidConfiguration(op, "default_elasticity must be negative")
	}

	o := c.Optimizer
	switch {
	case o.LowerMultiplier <= 0 || o.UpperMultiplier <= o.LowerMultiplier:
		return invalidConfiguration(op, "price_search_bounds must satisfy 0 < lower < upper")
	case o.PriceFloor < 0 || o.PriceCeiling < 0:
		return invalidConfiguration(op, "price_floor and price_ceiling must be >= 0")
	case o.PriceCeiling > 0 && o.PriceFloor >= o.PriceCeiling:
		return invalidConfiguration(op, "price_floor must be below price_ceiling")
	case o.CorridorLow < 0 || (o.CorridorLow > 0 && o.CorridorHigh <= o.CorridorLow):
		return invalidConfiguration(op, "competitor_corridor must satisfy 0 < low < high")
	case o.DefaultCostRatio < 0 || o.DefaultCostRatio >= 1:
		return invalidConfiguration(op, "default_cost_ratio must be in [0, 1)")
	case o.Iterations < 10:
		return invalidConfiguration(op, "optimizer iterations must be >= 10")
	}

	if c.Workers < 1 {
		return invalidConfiguration(op, "workers must be >= 1")
	}
	for id, ov := range c.RuleOverrides {
		if ov.Priority != "" && ov.Priority.Rank() < 0 {
			return invalidConfiguration(op, "rule_overrides.%s.priority %q is not a known priority", id, ov.Priority)
		}
	}
	return nil
}

func validateSmoothing(s SmoothingConfig) error {
	names := []string{"alpha", "beta", "gamma"}
	for i, v := range []float64{s.Alpha, s.Beta, s.Gamma} {
		if v <= 0 || v >= 1 {
			return invalidConfiguration("config.validate", "smoothing.%s must be in (0, 1), got %g", names[i], v)
		}
	}
	return nil
}
