package services

import (
	"fmt"
	"os"
	"sort"

	"pricepilot-api/pkg/models"

	"gopkg.in/yaml.v3"
)

// Default rule identifiers.
const (
	RuleCompetitorUndercut = "competitor_undercut_response"
	RuleDemandSurge        = "demand_surge_capture"
	RuleLowDemand          = "low_demand_guard"
	RuleSeasonalDiscount   = "seasonal_discount_window"
	RuleTrendSurgePrep     = "trend_surge_preparation"
	RuleMarginFloor        = "margin_floor_protection"
)

// DefaultRules returns the standard six-rule table.
func DefaultRules() []models.DecisionRule {
	return []models.DecisionRule{
		{
			ID:       RuleCompetitorUndercut,
			Name:     "Competitor Undercut Response",
			Trigger:  "price_position_index > $max_index",
			Priority: models.PriorityCritical,
			Enabled:  true,
			Params:   map[string]float64{"max_index": 1.10, "match_band": 0.05, "min_margin": 0.15},
			Action: models.ActionSpec{
				Decision:    models.DecisionAdjust,
				Kind:        models.ActionMatch,
				Magnitude:   "(competitor_price_avg * (1 + $match_band) / current_price - 1) * 100",
				Guard:       "(competitor_price_avg * (1 + $match_band) - unit_cost) / (competitor_price_avg * (1 + $match_band)) > $min_margin",
				GuardNote:   "projected margin after matching is below the minimum",
				Description: "match competitors within 5%",
			},
		},
		{
			ID:       RuleDemandSurge,
			Name:     "Demand Surge Capture",
			Trigger:  "demand_growth_rate > $min_growth AND trend_momentum > $min_momentum",
			Priority: models.PriorityHigh,
			Enabled:  true,
			Params:   map[string]float64{"min_growth": 0.15, "min_momentum": 10, "scale": 30},
			Action: models.ActionSpec{
				Decision:    models.DecisionAdjust,
				Kind:        models.ActionIncrease,
				Magnitude:   "demand_growth_rate * $scale",
				MinPct:      float64Ptr(5),
				MaxPct:      float64Ptr(8),
				Description: "increase price 5-8%",
			},
		},
		{
			ID:       RuleLowDemand,
			Name:     "Low Demand Guard",
			Trigger:  "demand_growth_rate < -$max_decline",
			Priority: models.PriorityHigh,
			Enabled:  true,
			Params:   map[string]float64{"max_decline": 0.15, "discount": 10},
			Action: models.ActionSpec{
				Decision:    models.DecisionAdjust,
				Kind:        models.ActionDecrease,
				Magnitude:   "-$discount",
				Description: "apply a ~10% discount",
			},
		},
		{
			ID:       RuleSeasonalDiscount,
			Name:     "Seasonal Discount Window",
			Trigger:  "seasonal_index < $max_index",
			Priority: models.PriorityMedium,
			Enabled:  true,
			Params:   map[string]float64{"max_index": 0.9},
			Action: models.ActionSpec{
				Decision:    models.DecisionAdjust,
				Kind:        models.ActionDecrease,
				Magnitude:   "-(1 - seasonal_index) * 100",
				MinPct:      float64Ptr(-15),
				MaxPct:      float64Ptr(-10),
				Description: "10-15% seasonal discount tier",
			},
		},
		{
			ID:       RuleTrendSurgePrep,
			Name:     "Trend Surge Preparation",
			Trigger:  "trend_momentum > $min_momentum",
			Priority: models.PriorityMedium,
			Enabled:  true,
			Params:   map[string]float64{"min_momentum": 15},
			Action: models.ActionSpec{
				Decision:    models.DecisionHold,
				Kind:        models.ActionNone,
				Description: "hold price and increase inventory ahead of demand",
			},
		},
		{
			ID:       RuleMarginFloor,
			Name:     "Margin Floor Protection",
			Trigger:  "price_position_index < $min_index",
			Priority: models.PriorityCritical,
			Enabled:  true,
			Params:   map[string]float64{"min_index": 0.85},
			Action: models.ActionSpec{
				Decision:    models.DecisionBlock,
				Kind:        models.ActionBlockLower,
				Description: "block any further price decrease",
			},
		},
	}
}

type compiledRule struct {
	models.DecisionRule
	position  int
	trigger   *RuleExpression
	guard     *RuleExpression
	magnitude *RuleExpression
}

// RuleTable is a validated, compiled rule table. It is immutable once built.
type RuleTable struct {
	rules []compiledRule
}

// NewRuleTable validates and compiles rules. Order is kept for tie-breaking
// within a priority.
func NewRuleTable(rules []models.DecisionRule) (*RuleTable, error) {
	const op = "rules.compile"
	seen := make(map[string]bool, len(rules))
	table := &RuleTable{}
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, invalidConfiguration(op, "rule #%d has no id", i+1)
		}
		if seen[rule.ID] {
			return nil, invalidConfiguration(op, "duplicate rule id %s", rule.ID)
		}
		seen[rule.ID] = true
		if rule.Priority.Rank() < 0 {
			return nil, invalidConfiguration(op, "rule %s has unknown priority %q", rule.ID, rule.Priority)
		}
		switch rule.Action.Decision {
		case models.DecisionAdjust, models.DecisionHold, models.DecisionBlock:
		default:
			return nil, invalidConfiguration(op, "rule %s has unsupported decision %q", rule.ID, rule.Action.Decision)
		}
		if rule.Action.MinPct != nil && rule.Action.MaxPct != nil && *rule.Action.MinPct > *rule.Action.MaxPct {
			return nil, invalidConfiguration(op, "rule %s min_pct is above max_pct", rule.ID)
		}

		cr := compiledRule{DecisionRule: copyRule(rule), position: i}
		var err error
		if cr.trigger, err = compileRuleExpression(rule, rule.Trigger, "trigger"); err != nil {
			return nil, err
		}
		if rule.Action.Guard != "" {
			if cr.guard, err = compileRuleExpression(rule, rule.Action.Guard, "guard"); err != nil {
				return nil, err
			}
		}
		if rule.Action.Magnitude != "" {
			if cr.magnitude, err = compileRuleExpression(rule, rule.Action.Magnitude, "magnitude"); err != nil {
				return nil, err
			}
		}
		table.rules = append(table.rules, cr)
	}
	return table, nil
}

func compileRuleExpression(rule models.DecisionRule, src, field string) (*RuleExpression, error) {
	const op = "rules.compile"
	if src == "" {
		return nil, invalidConfiguration(op, "rule %s has an empty %s", rule.ID, field)
	}
	expr, err := CompileExpression(src)
	if err != nil {
		return nil, &PricingError{Kind: ErrInvalidConfiguration, Op: op, Detail: fmt.Sprintf("rule %s %s", rule.ID, field), Err: err}
	}
	for _, p := range expr.Params() {
		if _, ok := rule.Params[p]; !ok {
			return nil, invalidConfiguration(op, "rule %s %s references undefined parameter $%s", rule.ID, field, p)
		}
	}
	return expr, nil
}

// WithOverrides returns a new table with per-rule overrides applied.
func (t *RuleTable) WithOverrides(overrides map[string]RuleOverride) (*RuleTable, error) {
	if len(overrides) == 0 {
		return t, nil
	}
	rules := t.Rules()
	index := make(map[string]int, len(rules))
	for i, r := range rules {
		index[r.ID] = i
	}

	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		i, ok := index[id]
		if !ok {
			return nil, invalidConfiguration("rules.override", "override for unknown rule %s", id)
		}
		ov := overrides[id]
		if ov.Enabled != nil {
			rules[i].Enabled = *ov.Enabled
		}
		if ov.Trigger != "" {
			rules[i].Trigger = ov.Trigger
		}
		if ov.Priority != "" {
			rules[i].Priority = ov.Priority
		}
		for k, v := range ov.Params {
			rules[i].Params[k] = v
		}
	}
	return NewRuleTable(rules)
}

// Rules returns a deep copy of the table in declaration order.
func (t *RuleTable) Rules() []models.DecisionRule {
	out := make([]models.DecisionRule, len(t.rules))
	for i, r := range t.rules {
		out[i] = copyRule(r.DecisionRule)
	}
	return out
}

// Statuses lists every rule with its active/paused status, paused rules included.
func (t *RuleTable) Statuses() []models.RuleStatus {
	out := make([]models.RuleStatus, len(t.rules))
	for i, r := range t.rules {
		status := models.RuleStatusActive
		if !r.Enabled {
			status = models.RuleStatusPaused
		}
		out[i] = models.RuleStatus{DecisionRule: copyRule(r.DecisionRule), Status: status}
	}
	return out
}

// ordered returns enabled rules critical first, stable within a priority.
func (t *RuleTable) ordered() []compiledRule {
	var active []compiledRule
	for _, r := range t.rules {
		if r.Enabled {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority.Rank() < active[j].Priority.Rank()
	})
	return active
}

type ruleFile struct {
	Rules []models.DecisionRule `yaml:"rules"`
}

// LoadRuleTable reads a YAML rule table of the form `rules: [...]`.
func LoadRuleTable(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table %s: %w", path, err)
	}
	return ParseRuleTable(data)
}

// ParseRuleTable parses a YAML rule table.
func ParseRuleTable(data []byte) (*RuleTable, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &PricingError{Kind: ErrInvalidConfiguration, Op: "rules.parse", Err: err}
	}
	if len(file.Rules) == 0 {
		return nil, invalidConfiguration("rules.parse", "rule table is empty")
	}
	return NewRuleTable(file.Rules)
}

// MarshalRuleTable renders rules in the YAML layout ParseRuleTable reads.
func MarshalRuleTable(rules []models.DecisionRule) ([]byte, error) {
	return yaml.Marshal(ruleFile{Rules: rules})
}

func copyRule(r models.DecisionRule) models.DecisionRule {
	params := make(map[string]float64, len(r.Params))
	for k, v := range r.Params {
		params[k] = v
	}
	r.Params = params
	if r.Action.MinPct != nil {
		r.Action.MinPct = float64Ptr(*r.Action.MinPct)
	}
	if r.Action.MaxPct != nil {
		r.Action.MaxPct = float64Ptr(*r.Action.MaxPct)
	}
	return r
}
