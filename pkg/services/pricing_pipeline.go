package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricepilot-api/pkg/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Stage names one step of the per-product pipeline.
type Stage string

const (
	StageSignals    Stage = "signals"
	StageForecast   Stage = "forecast"
	StageElasticity Stage = "elasticity"
	StageOptimize   Stage = "optimize"
	StageDecide     Stage = "decide"
)

var stageOrder = []Stage{StageSignals, StageForecast, StageElasticity, StageOptimize, StageDecide}

// ParseStage accepts a stage name; the empty string means the full chain.
func ParseStage(s string) (Stage, error) {
	if s == "" {
		return StageDecide, nil
	}
	for _, st := range stageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", invalidConfiguration("pipeline.stage", "unknown stage %q", s)
}

func stageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return len(stageOrder) - 1
}

// Fallback markers recorded in PipelineResult.Fallbacks.
const (
	FallbackMovingAverage     = "forecast_moving_average"
	FallbackDefaultElasticity = "elasticity_default"
	FallbackSignalElasticity  = "elasticity_signal"
)

// PipelineRequest is one product's observations plus how far to run.
type PipelineRequest struct {
	Observations models.ProductObservations `json:"observations"`
	Through      Stage                      `json:"through,omitempty"`
	HorizonDays  int                        `json:"horizon_days,omitempty"`
}

// PipelineResult holds every stage output that was produced.
type PipelineResult struct {
	SchemaVersion string                     `json:"schema_version"`
	RunID         string                     `json:"run_id"`
	ProductID     string                     `json:"product_id"`
	StagesRun     []Stage                    `json:"stages_run"`
	Signals       *models.SignalVector       `json:"signals,omitempty"`
	Forecast      *models.ForecastResult     `json:"forecast,omitempty"`
	Elasticity    *models.ElasticityResult   `json:"elasticity,omitempty"`
	Optimization  *models.OptimizationResult `json:"optimization,omitempty"`
	Evaluation    *models.Evaluation         `json:"evaluation,omitempty"`
	Fallbacks     []string                   `json:"fallbacks,omitempty"`
	Warnings      []string                   `json:"warnings,omitempty"`
}

// Pipeline runs the five pricing stages for one product at a time.
// It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	cfg        PipelineConfig
	features   *FeatureEngineer
	forecaster *DemandForecaster
	estimator  *ElasticityEstimator
	optimizer  *PriceOptimizer
	engine     *DecisionEngine
	logger     zerolog.Logger
	metrics    *PipelineMetrics
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *PipelineMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline validates cfg and builds the stage components. A nil table
// uses DefaultRules; cfg.RuleOverrides are applied on top.
func NewPipeline(cfg PipelineConfig, table *RuleTable, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		var err error
		if table, err = NewRuleTable(DefaultRules()); err != nil {
			return nil, err
		}
	}
	table, err := table.WithOverrides(cfg.RuleOverrides)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		features:   NewFeatureEngineer(cfg.Features, cfg.History),
		forecaster: NewDemandForecaster(cfg.Forecast, cfg.History),
		estimator:  NewElasticityEstimator(cfg.Elasticity, cfg.Optimizer),
		optimizer:  NewPriceOptimizer(cfg.Optimizer),
		engine:     NewDecisionEngine(table),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the validated configuration.
func (p *Pipeline) Config() PipelineConfig { return p.cfg }

// Rules returns the rules table, paused rules included.
func (p *Pipeline) Rules() []models.RuleStatus { return p.engine.Table().Statuses() }

// Run executes the stages in order up to req.Through, checking ctx between
// stages. On failure it returns the stages completed so far with the error.
func (p *Pipeline) Run(ctx context.Context, req PipelineRequest) (*PipelineResult, error) {
	obs := req.Observations
	result := &PipelineResult{
		SchemaVersion: models.SchemaVersion,
		RunID:         uuid.NewString(),
		ProductID:     obs.Product.ID,
	}
	logger := p.logger.With().Str("product_id", obs.Product.ID).Str("run_id", result.RunID).Logger()
	defer p.metrics.runStarted()()

	through, err := ParseStage(string(req.Through))
	if err != nil {
		return result, err
	}
	last := stageIndex(through)
	horizon := req.HorizonDays
	if horizon == 0 {
		horizon = p.cfg.Forecast.HorizonDays
	}

	for _, stage := range stageOrder[:last+1] {
		if err := ctx.Err(); err != nil {
			logger.Warn().Str("stage", string(stage)).Err(err).Msg("pipeline canceled before stage")
			return result, fmt.Errorf("pipeline %s: %w", stage, err)
		}
		start := time.Now()
		err := p.runStage(stage, req, horizon, result, logger)
		p.metrics.observeStage(stage, start, err)
		if err != nil {
			logger.Error().Str("stage", string(stage)).Str("kind", ErrorKind(err)).Err(err).Msg("pipeline stage failed")
			return result, err
		}
		result.StagesRun = append(result.StagesRun, stage)
		logger.Debug().Str("stage", string(stage)).Dur("elapsed", time.Since(start)).Msg("stage completed")
	}

	if e := result.Evaluation; e != nil {
		logger.Info().
			Str("decision", string(e.Final.Decision)).
			Float64("magnitude_pct", e.Final.MagnitudePct).
			Int("fired", len(e.Recommendations)).
			Strs("fallbacks", result.Fallbacks).
			Msg("pricing evaluation completed")
	}
	return result, nil
}

func (p *Pipeline) runStage(stage Stage, req PipelineRequest, horizon int, result *PipelineResult, logger zerolog.Logger) error {
	obs := req.Observations
	switch stage {
	case StageSignals:
		sv, err := p.features.ComputeSignals(obs.Product, obs.Competitors, obs.Sales, obs.Trends)
		if err != nil {
			return err
		}
		result.Signals = sv
		return nil

	case StageForecast:
		forecast, err := p.forecaster.Forecast(obs.Sales, horizon)
		if err != nil {
			if !p.cfg.Fallback.MovingAverage || !(errors.Is(err, ErrInsufficientHistory) || errors.Is(err, ErrInsufficientData)) {
				return err
			}
			logger.Warn().Err(err).Msg("holt-winters unavailable, using moving-average forecast")
			if forecast, err = p.forecaster.ForecastMovingAverage(obs.Sales, horizon); err != nil {
				return err
			}
			p.recordFallback(result, FallbackMovingAverage)
		}
		forecast.ProductID = obs.Product.ID
		result.Forecast = forecast
		return nil

	case StageElasticity:
		return p.elasticityStage(obs, result, logger)

	case StageOptimize:
		opt, err := p.optimizer.Optimize(OptimizationInput{
			ProductID:     obs.Product.ID,
			CurrentPrice:  obs.Product.BasePrice.InexactFloat64(),
			Elasticity:    result.Elasticity,
			BaseDemand:    p.baseDemand(result),
			UnitCost:      productUnitCost(obs.Product),
			CompetitorAvg: result.Signals.CompetitorPriceAvg,
		})
		if errors.Is(err, ErrDegenerateElasticity) && opt != nil {
			logger.Warn().Err(err).Msg("degenerate elasticity, optimizer kept current price")
			result.Warnings = append(result.Warnings, err.Error())
			err = nil
		}
		if err != nil {
			return err
		}
		result.Optimization = opt
		return nil

	case StageDecide:
		eval, err := p.engine.Evaluate(EvaluationInput{
			Signals:      result.Signals,
			Forecast:     result.Forecast,
			Elasticity:   result.Elasticity,
			Optimization: result.Optimization,
			UnitCost:     p.unitCostOrDefault(obs.Product),
		})
		if err != nil {
			return err
		}
		for _, r := range eval.Recommendations {
			p.metrics.recommendation(r.RuleID, string(r.Decision))
		}
		result.Evaluation = eval
		return nil
	}
	return invalidConfiguration("pipeline.run", "unknown stage %q", stage)
}

// elasticityStage fits the regression and, when that is impossible and the
// fallback is enabled, uses the signal estimate or the default elasticity.
func (p *Pipeline) elasticityStage(obs models.ProductObservations, result *PipelineResult, logger zerolog.Logger) error {
	points, source := BuildPricePoints(obs.Sales, obs.Competitors, p.cfg.Elasticity.MinRegressionPoints)
	in := ElasticityInput{
		ProductID:    obs.Product.ID,
		Points:       points,
		Source:       source,
		CurrentPrice: obs.Product.BasePrice.InexactFloat64(),
		BaseDemand:   p.baseDemand(result),
	}
	if cost := p.unitCostOrDefault(obs.Product); cost != nil {
		in.UnitCost = *cost
	}

	fitted, err := p.estimator.Estimate(in)
	signal := result.Signals.ElasticityEstimate
	if err == nil {
		if signal != nil && (*signal < 0) != (fitted.Coefficient < 0) {
			fitted.Flags = append(fitted.Flags, "signal_sign_disagrees")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("fast elasticity estimate %.2f disagrees in sign with regression %.2f", *signal, fitted.Coefficient))
		}
		result.Elasticity = fitted
		return nil
	}
	if !p.cfg.Fallback.DefaultElasticity || !IsRecoverable(err) {
		return err
	}

	logger.Warn().Err(err).Msg("elasticity regression unavailable, using fallback")
	if signal != nil && *signal < 0 {
		result.Elasticity = p.estimator.FromSignal(*signal, result.Signals.Confidence[models.SignalElasticityEstimate], in)
		p.recordFallback(result, FallbackSignalElasticity)
		return nil
	}
	result.Elasticity = p.estimator.DefaultElasticity(in)
	p.recordFallback(result, FallbackDefaultElasticity)
	return nil
}

// RunBatch runs products concurrently on at most cfg.Workers goroutines.
// Each item carries its own result or error; one failure never stops others.
func (p *Pipeline) RunBatch(ctx context.Context, reqs []PipelineRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))
	p.metrics.batch(len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := p.Run(gctx, req)
			items[i] = BatchItem{ProductID: req.Observations.Product.ID, Result: res}
			if err != nil {
				items[i].Error = err.Error()
				items[i].ErrorKind = ErrorKind(err)
				items[i].err = err
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, it := range items {
		if it.err != nil {
			failed++
		}
	}
	p.logger.Info().Int("products", len(reqs)).Int("failed", failed).Int("workers", p.cfg.Workers).Msg("batch completed")
	return items
}

// BatchItem is one product's outcome within a batch.
type BatchItem struct {
	ProductID string          `json:"product_id"`
	Result    *PipelineResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	err       error
}

// Err returns the underlying error, if any.
func (b BatchItem) Err() error { return b.err }

func (p *Pipeline) recordFallback(result *PipelineResult, name string) {
	result.Fallbacks = append(result.Fallbacks, name)
	p.metrics.fallback(name)
}

// baseDemand is the forecast mean when available, else the moving average.
func (p *Pipeline) baseDemand(result *PipelineResult) float64 {
	if result.Forecast != nil && result.Forecast.MeanDemand > 0 {
		return result.Forecast.MeanDemand
	}
	if result.Signals != nil {
		return result.Signals.MovingAvgDemand
	}
	return 0
}

func (p *Pipeline) unitCostOrDefault(product models.ProductRecord) *float64 {
	if cost := productUnitCost(product); cost != nil {
		return cost
	}
	return float64Ptr(product.BasePrice.InexactFloat64() * p.cfg.Optimizer.DefaultCostRatio)
}

func productUnitCost(product models.ProductRecord) *float64 {
	if !product.UnitCost.Valid {
		return nil
	}
	return float64Ptr(product.UnitCost.Decimal.InexactFloat64())
}
