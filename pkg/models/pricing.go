package models

import "time"

// Level is the shared low/medium/high scale used for volatility, sensitivity and risk.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Direction labels a growth or momentum value.
type Direction string

const (
	DirectionRising  Direction = "rising"
	DirectionStable  Direction = "stable"
	DirectionFalling Direction = "falling"
)

// Signal names used as keys in SignalVector.Confidence and SignalVector.Unavailable.
const (
	SignalCompetitorPriceAvg = "competitor_price_avg"
	SignalPriceVariance      = "price_variance"
	SignalPricePositionIndex = "price_position_index"
	SignalPriceVolatility    = "price_volatility"
	SignalMovingAvgDemand    = "moving_avg_demand"
	SignalDemandGrowthRate   = "demand_growth_rate"
	SignalSeasonalIndex      = "seasonal_index"
	SignalTrendMomentum      = "trend_momentum"
	SignalTrendAcceleration  = "trend_acceleration"
	SignalElasticityEstimate = "elasticity_estimate"
)

// SignalVector holds the ten intelligence signals for one product.
type SignalVector struct {
	SchemaVersion        string             `json:"schema_version"`
	ProductID            string             `json:"product_id"`
	ComputedAt           time.Time          `json:"computed_at"`
	CurrentPrice         float64            `json:"current_price"`
	CompetitorCount      int                `json:"competitor_count"`
	CompetitorPriceAvg   *float64           `json:"competitor_price_avg"`
	PriceVariance        *float64           `json:"price_variance"`
	PricePositionIndex   *float64           `json:"price_position_index"`
	PriceVolatility      *Level             `json:"price_volatility"`
	PriceVolatilityScore *float64           `json:"price_volatility_score"`
	MovingAvgDemand      float64            `json:"moving_avg_demand"`
	DemandGrowthRate     float64            `json:"demand_growth_rate"`
	DemandDirection      Direction          `json:"demand_direction"`
	SeasonalIndex        float64            `json:"seasonal_index"`
	TrendMomentum        float64            `json:"trend_momentum"`
	TrendAcceleration    float64            `json:"trend_acceleration"`
	TrendDirection       Direction          `json:"trend_direction"`
	ElasticityEstimate   *float64           `json:"elasticity_estimate"`
	Confidence           map[string]float64 `json:"confidence"`
	Unavailable          []string           `json:"unavailable,omitempty"`
	Flags                []string           `json:"flags,omitempty"`
}

// ForecastMethod identifies which forecaster produced a ForecastResult.
type ForecastMethod string

const (
	MethodHoltWinters   ForecastMethod = "holt_winters"
	MethodMovingAverage ForecastMethod = "moving_average"
)

// Seasonality selects the Holt-Winters seasonal form.
type Seasonality string

const (
	SeasonalityAdditive       Seasonality = "additive"
	SeasonalityMultiplicative Seasonality = "multiplicative"
)

// Result quality markers.
const (
	QualityNormal        = "normal"
	QualityLowConfidence = "low_confidence"
)

// ForecastPoint is one projected day.
type ForecastPoint struct {
	Date            time.Time `json:"date"`
	Step            int       `json:"step"`
	PredictedDemand float64   `json:"predicted_demand"`
	LowerBound      float64   `json:"lower_bound"`
	UpperBound      float64   `json:"upper_bound"`
	Margin          float64   `json:"margin"` // z·σ·√h
}

// SmoothingParameters are the Holt-Winters α, β, γ.
type SmoothingParameters struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// AccuracyMetrics are computed on a held-out tail when one fits.
type AccuracyMetrics struct {
	MAPE        *float64 `json:"mape"` // 実績がすべて0の場合は算出不可
	RMSE        float64  `json:"rmse"`
	R2          *float64 `json:"r2"`
	Method      string   `json:"method"` // holdout | in_sample
	HoldoutSize int      `json:"holdout_size"`
}

// SpikePeriod marks a position in the seasonal cycle with unusually high demand.
type SpikePeriod struct {
	CycleIndex int     `json:"cycle_index"`
	Factor     float64 `json:"factor"`
	Weekday    string  `json:"weekday,omitempty"`
}

// ForecastResult is the Demand Forecaster output.
type ForecastResult struct {
	SchemaVersion  string              `json:"schema_version"`
	ProductID      string              `json:"product_id"`
	Method         ForecastMethod      `json:"method"`
	Seasonality    Seasonality         `json:"seasonality,omitempty"`
	CycleLength    int                 `json:"cycle_length"`
	Parameters     SmoothingParameters `json:"parameters"`
	AutoFitted     bool                `json:"auto_fitted"`
	Level          float64             `json:"level"`
	Trend          float64             `json:"trend"`
	Seasonal       []float64           `json:"seasonal,omitempty"`
	ResidualStdDev float64             `json:"residual_std_dev"`
	ConfidenceZ    float64             `json:"confidence_z"`
	Points         []ForecastPoint     `json:"points"`
	Accuracy       AccuracyMetrics     `json:"accuracy"`
	SpikePeriods   []SpikePeriod       `json:"spike_periods,omitempty"`
	MeanDemand     float64             `json:"mean_demand"`
	Confidence     float64             `json:"confidence"` // 0-1
	Quality        string              `json:"quality"`
	Flags          []string            `json:"flags,omitempty"`
}

// ElasticitySource records where the price/demand pairs came from.
type ElasticitySource string

const (
	SourceOwnPrice        ElasticitySource = "own_price"
	SourceCompetitorPrice ElasticitySource = "competitor_price"
	SourceSignal          ElasticitySource = "signal"
	SourceDefault         ElasticitySource = "default"
)

// PriceRange is an inclusive price interval.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// CurvePoint is one point of the fitted demand curve, for charting.
type CurvePoint struct {
	Price         float64 `json:"price"`
	Demand        float64 `json:"demand"`
	Revenue       float64 `json:"revenue"`
	PriceRatioPct float64 `json:"price_ratio_pct"`
}

// ElasticityResult is the Elasticity Estimator output.
type ElasticityResult struct {
	SchemaVersion     string           `json:"schema_version"`
	ProductID         string           `json:"product_id"`
	Coefficient       float64          `json:"elasticity_coefficient"`
	Intercept         float64          `json:"intercept"`
	Sensitivity       Level            `json:"sensitivity"`
	R2                float64          `json:"r2_score"`
	OptimalPriceRange PriceRange       `json:"optimal_price_range"`
	DataPoints        int              `json:"data_points"`
	Source            ElasticitySource `json:"source"`
	LowConfidence     bool             `json:"low_confidence"`
	Confidence        float64          `json:"confidence"` // 0-1
	Curve             []CurvePoint     `json:"curve,omitempty"`
	Flags             []string         `json:"flags,omitempty"`
}

// RevenueImpact compares the optimal price against the current price per day.
type RevenueImpact struct {
	Absolute float64 `json:"absolute"`
	Percent  float64 `json:"percent"`
	Monthly  float64 `json:"monthly"`
}

// Scenario is one labeled what-if price.
type Scenario struct {
	Name           string  `json:"name"`
	Price          float64 `json:"price"`
	RevenueDelta   float64 `json:"revenue_delta"`
	DemandDeltaPct float64 `json:"demand_delta_pct"`
	MarginDeltaPct float64 `json:"margin_delta_pct"` // percentage points
	Risk           Level   `json:"risk"`
	Description    string  `json:"description,omitempty"`
}

// Canonical scenario names.
const (
	ScenarioAggressiveGrowth  = "Aggressive Growth"
	ScenarioBalancedOptimal   = "Balanced Optimal"
	ScenarioPremiumPush       = "Premium Push"
	ScenarioMarketPenetration = "Market Penetration"
)

// OptimizationResult is the Price Optimizer output.
type OptimizationResult struct {
	SchemaVersion        string        `json:"schema_version"`
	ProductID            string        `json:"product_id"`
	CurrentPrice         float64       `json:"current_price"`
	OptimalPrice         float64       `json:"optimal_price"`
	RevenueOptimalPrice  float64       `json:"revenue_optimal_price"` // 原価を無視した売上最大化価格
	UnitCost             float64       `json:"unit_cost"`
	UnitCostEstimated    bool          `json:"unit_cost_estimated"`
	BaseDemand           float64       `json:"base_demand"`
	Elasticity           float64       `json:"elasticity"`
	SearchBand           PriceRange    `json:"search_band"`
	RevenueImpact        RevenueImpact `json:"revenue_impact"`
	DemandChangePct      float64       `json:"demand_change_pct"`
	CurrentMarginPct     float64       `json:"current_margin_pct"`
	OptimalMarginPct     float64       `json:"optimal_margin_pct"`
	MarginImprovementPct float64       `json:"margin_improvement_pct"`
	Scenarios            []Scenario    `json:"scenarios"`
	Degenerate           bool          `json:"degenerate"`
	Warnings             []string      `json:"warnings,omitempty"`
}
