package services

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"pricepilot-api/pkg/models"

	"github.com/google/uuid"
)

// Rule input names available to trigger, guard and magnitude expressions
// besides the ten signal names.
const (
	InputCurrentPrice       = "current_price"
	InputVolatilityScore    = "price_volatility_score"
	InputForecastMeanDemand = "forecast_mean_demand"
	InputForecastConfidence = "forecast_confidence"
	InputElasticity         = "elasticity"
	InputElasticityR2       = "elasticity_r2"
	InputOptimalPrice       = "optimal_price"
	InputUnitCost           = "unit_cost"
	InputCurrentMargin      = "current_margin"
)

// EvaluationInput is everything the Decision Engine reads for one product.
// Forecast, Elasticity and Optimization may be nil when those stages were skipped.
type EvaluationInput struct {
	Signals      *models.SignalVector
	Forecast     *models.ForecastResult
	Elasticity   *models.ElasticityResult
	Optimization *models.OptimizationResult
	UnitCost     *float64
}

// DecisionEngine ルールテーブルを優先度順に評価し推奨を生成する
type DecisionEngine struct {
	table *RuleTable
	now   func() time.Time
}

// NewDecisionEngine 新しいDecisionEngineを作成
func NewDecisionEngine(table *RuleTable) *DecisionEngine {
	return &DecisionEngine{table: table, now: time.Now}
}

// Table returns the rule table the engine evaluates.
func (de *DecisionEngine) Table() *RuleTable {
	return de.table
}

// Evaluate runs every enabled rule against in. Each fired rule yields a
// Recommendation and every enabled rule yields a decision log entry.
func (de *DecisionEngine) Evaluate(in EvaluationInput) (*models.Evaluation, error) {
	if in.Signals == nil {
		return nil, insufficientData("decision.evaluate", "signal vector is required")
	}
	now := de.now().UTC()
	inputs, confidences := ruleInputs(in)
	productID := in.Signals.ProductID

	eval := &models.Evaluation{
		SchemaVersion:   models.SchemaVersion,
		ProductID:       productID,
		EvaluatedAt:     now,
		Recommendations: []models.Recommendation{},
		DecisionLog:     []models.DecisionLogEntry{},
		Rules:           de.table.Statuses(),
	}

	for _, rule := range de.table.ordered() {
		entry := models.DecisionLogEntry{
			Sequence:  len(eval.DecisionLog) + 1,
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Priority:  rule.Priority,
			Decision:  models.DecisionPass,
			Inputs:    pickInputs(inputs, rule.trigger.Inputs()),
			Timestamp: now,
		}

		fired, err := rule.trigger.Test(inputs, rule.Params)
		if err != nil {
			entry.Note = passNote(err)
			eval.DecisionLog = append(eval.DecisionLog, entry)
			continue
		}
		if !fired {
			entry.Note = "trigger not met: " + rule.Trigger
			entry.Confidence = ruleConfidence(confidences, rule.trigger.Inputs())
			eval.DecisionLog = append(eval.DecisionLog, entry)
			continue
		}

		rec := de.recommend(rule, inputs, confidences, productID, now)
		entry.Fired = true
		entry.Decision = rec.Decision
		entry.Confidence = rec.Confidence
		entry.Note = rec.Reason
		for _, name := range ruleReads(rule) {
			if v, ok := inputs[name]; ok {
				entry.Inputs[name] = v
			}
		}
		eval.DecisionLog = append(eval.DecisionLog, entry)
		eval.Recommendations = append(eval.Recommendations, rec)
	}

	applyBlocks(eval.Recommendations)
	eval.Final = de.finalDecision(eval.Recommendations, in.Signals, productID, now)
	return eval, nil
}

// recommend builds the recommendation for a fired rule.
func (de *DecisionEngine) recommend(rule compiledRule, inputs, confidences map[string]float64, productID string, now time.Time) models.Recommendation {
	rec := models.Recommendation{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		ProductID:  productID,
		Priority:   rule.Priority,
		Decision:   rule.Action.Decision,
		Confidence: ruleConfidence(confidences, ruleReads(rule)),
		Reason:     rule.Action.Description,
		Timestamp:  now,
	}
	if rule.Action.Decision != models.DecisionAdjust {
		return rec
	}

	if rule.guard != nil {
		ok, err := rule.guard.Test(inputs, rule.Params)
		if err != nil || !ok {
			rec.Decision = models.DecisionHold
			rec.Reason = rule.Action.GuardNote
			if err != nil {
				rec.Reason = "guard " + passNote(err)
			}
			return rec
		}
	}

	magnitude := 0.0
	if rule.magnitude != nil {
		v, err := rule.magnitude.Eval(inputs, rule.Params)
		if err != nil {
			rec.Decision = models.DecisionHold
			rec.Reason = "magnitude " + passNote(err)
			return rec
		}
		magnitude = v
	}
	if rule.Action.MinPct != nil {
		magnitude = math.Max(magnitude, *rule.Action.MinPct)
	}
	if rule.Action.MaxPct != nil {
		magnitude = math.Min(magnitude, *rule.Action.MaxPct)
	}
	rec.MagnitudePct = roundTo(magnitude, 2)
	if price, ok := inputs[InputCurrentPrice]; ok && price > 0 {
		rec.TargetPrice = float64Ptr(roundTo(price*(1+rec.MagnitudePct/100), 2))
	}
	rec.Reason = fmt.Sprintf("%s (%+.2f%%)", rule.Action.Description, rec.MagnitudePct)
	return rec
}

// applyBlocks marks every price decrease as overridden when a BLOCK fired.
func applyBlocks(recs []models.Recommendation) {
	blockID := ""
	for _, r := range recs {
		if r.Decision == models.DecisionBlock {
			blockID = r.RuleID
			break
		}
	}
	if blockID == "" {
		return
	}
	for i := range recs {
		if recs[i].Decision == models.DecisionAdjust && recs[i].MagnitudePct < 0 {
			recs[i].Overridden = true
			recs[i].OverriddenBy = blockID
		}
	}
}

// finalDecision picks the highest-priority surviving ADJUST or BLOCK, then
// the first HOLD, and otherwise a default HOLD at the current price.
func (de *DecisionEngine) finalDecision(recs []models.Recommendation, sv *models.SignalVector, productID string, now time.Time) models.Recommendation {
	for _, r := range recs {
		if !r.Overridden && (r.Decision == models.DecisionAdjust || r.Decision == models.DecisionBlock) {
			return r
		}
	}
	for _, r := range recs {
		if r.Decision == models.DecisionHold {
			return r
		}
	}

	var conf []float64
	for _, c := range sv.Confidence {
		conf = append(conf, c)
	}
	sort.Float64s(conf)
	return models.Recommendation{
		ID:         uuid.NewString(),
		RuleID:     "default",
		RuleName:   "Default Assessment",
		ProductID:  productID,
		Decision:   models.DecisionHold,
		Confidence: roundTo(100*calculateMean(conf), 2),
		Reason:     "no rule fired, keep current price",
		Timestamp:  now,
	}
}

// ruleInputs flattens the stage outputs into named values and their confidences in [0,1].
func ruleInputs(in EvaluationInput) (map[string]float64, map[string]float64) {
	values := make(map[string]float64)
	conf := make(map[string]float64)
	set := func(name string, v float64, c float64) {
		values[name] = v
		conf[name] = clamp(c, 0, 1)
	}

	sv := in.Signals
	signalConf := func(name string) float64 {
		if c, ok := sv.Confidence[name]; ok {
			return c
		}
		return 1
	}
	set(InputCurrentPrice, sv.CurrentPrice, 1)
	optional := map[string]*float64{
		models.SignalCompetitorPriceAvg: sv.CompetitorPriceAvg,
		models.SignalPriceVariance:      sv.PriceVariance,
		models.SignalPricePositionIndex: sv.PricePositionIndex,
		InputVolatilityScore:            sv.PriceVolatilityScore,
		models.SignalElasticityEstimate: sv.ElasticityEstimate,
	}
	for name, v := range optional {
		if v != nil {
			c := signalConf(name)
			if name == InputVolatilityScore {
				c = signalConf(models.SignalPriceVolatility)
			}
			set(name, *v, c)
		}
	}
	set(models.SignalMovingAvgDemand, sv.MovingAvgDemand, signalConf(models.SignalMovingAvgDemand))
	set(models.SignalDemandGrowthRate, sv.DemandGrowthRate, signalConf(models.SignalDemandGrowthRate))
	set(models.SignalSeasonalIndex, sv.SeasonalIndex, signalConf(models.SignalSeasonalIndex))
	set(models.SignalTrendMomentum, sv.TrendMomentum, signalConf(models.SignalTrendMomentum))
	set(models.SignalTrendAcceleration, sv.TrendAcceleration, signalConf(models.SignalTrendAcceleration))

	if f := in.Forecast; f != nil {
		set(InputForecastMeanDemand, f.MeanDemand, f.Confidence)
		set(InputForecastConfidence, f.Confidence, 1)
	}
	if e := in.Elasticity; e != nil {
		set(InputElasticity, e.Coefficient, e.Confidence)
		set(InputElasticityR2, e.R2, 1)
	}

	switch {
	case in.Optimization != nil:
		c := 1.0
		if in.Optimization.UnitCostEstimated {
			c = 0.7
		}
		set(InputUnitCost, in.Optimization.UnitCost, c)
		if !in.Optimization.Degenerate {
			oc := 1.0
			if in.Elasticity != nil {
				oc = in.Elasticity.Confidence
			}
			set(InputOptimalPrice, in.Optimization.OptimalPrice, oc)
		}
	case in.UnitCost != nil:
		set(InputUnitCost, *in.UnitCost, 1)
	}
	if cost, ok := values[InputUnitCost]; ok && sv.CurrentPrice > 0 {
		set(InputCurrentMargin, (sv.CurrentPrice-cost)/sv.CurrentPrice, conf[InputUnitCost])
	}
	return values, conf
}

// ruleConfidence is 100 × the product of the confidences of the inputs read.
func ruleConfidence(conf map[string]float64, names []string) float64 {
	product := 1.0
	for _, name := range names {
		if c, ok := conf[name]; ok {
			product *= c
		}
	}
	return roundTo(product*100, 2)
}

// ruleReads lists every input the rule's expressions read.
func ruleReads(rule compiledRule) []string {
	names := map[string]bool{}
	for _, expr := range []*RuleExpression{rule.trigger, rule.guard, rule.magnitude} {
		if expr == nil {
			continue
		}
		for _, n := range expr.Inputs() {
			names[n] = true
		}
	}
	return sortedKeys(names)
}

func pickInputs(values map[string]float64, names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, n := range names {
		if v, ok := values[n]; ok {
			out[n] = v
		}
	}
	return out
}

func passNote(err error) string {
	var missing *MissingInputError
	if errors.As(err, &missing) {
		return missing.Error()
	}
	return "evaluation error: " + strings.TrimSpace(err.Error())
}
