package models

import "time"

// Decision is the outcome of one rule evaluation.
type Decision string

const (
	DecisionAdjust Decision = "ADJUST"
	DecisionHold   Decision = "HOLD"
	DecisionPass   Decision = "PASS"
	DecisionBlock  Decision = "BLOCK"
)

// Priority orders rule evaluation.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns 0 for critical through 3 for low, and -1 for unknown priorities.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return -1
}

// Rule status values shown in the rules table.
const (
	RuleStatusActive = "active"
	RuleStatusPaused = "paused"
)

// ActionKind describes what an ADJUST does to the price.
type ActionKind string

const (
	ActionIncrease   ActionKind = "increase"
	ActionDecrease   ActionKind = "decrease"
	ActionMatch      ActionKind = "match"
	ActionNone       ActionKind = "none"
	ActionBlockLower ActionKind = "block_decrease"
)

// ActionSpec is the data-driven action descriptor of a rule.
type ActionSpec struct {
	Decision    Decision   `json:"decision" yaml:"decision"`
	Kind        ActionKind `json:"kind" yaml:"kind"`
	Magnitude   string     `json:"magnitude,omitempty" yaml:"magnitude,omitempty"` // 式。結果は%（負値は値下げ）
	MinPct      *float64   `json:"min_pct,omitempty" yaml:"min_pct,omitempty"`
	MaxPct      *float64   `json:"max_pct,omitempty" yaml:"max_pct,omitempty"`
	Guard       string     `json:"guard,omitempty" yaml:"guard,omitempty"` // 偽の場合は HOLD に降格
	GuardNote   string     `json:"guard_note,omitempty" yaml:"guard_note,omitempty"`
	Description string     `json:"description" yaml:"description"`
}

// DecisionRule is one row of the rule table.
type DecisionRule struct {
	ID       string             `json:"id" yaml:"id"`
	Name     string             `json:"name" yaml:"name"`
	Trigger  string             `json:"trigger" yaml:"trigger"`
	Action   ActionSpec         `json:"action" yaml:"action"`
	Priority Priority           `json:"priority" yaml:"priority"`
	Enabled  bool               `json:"enabled" yaml:"enabled"`
	Params   map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// RuleStatus is a rules-table row as shown to operators.
type RuleStatus struct {
	DecisionRule
	Status string `json:"status"`
}

// Recommendation is produced for every rule that fires.
type Recommendation struct {
	ID           string    `json:"id"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	ProductID    string    `json:"product_id"`
	Priority     Priority  `json:"priority"`
	Decision     Decision  `json:"decision"`
	MagnitudePct float64   `json:"magnitude_pct"`
	TargetPrice  *float64  `json:"target_price"`
	Confidence   float64   `json:"confidence"` // 0-100
	Reason       string    `json:"reason"`
	Overridden   bool      `json:"overridden"`
	OverriddenBy string    `json:"overridden_by,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DecisionLogEntry is one auditable rule evaluation.
type DecisionLogEntry struct {
	Sequence   int                `json:"sequence"`
	RuleID     string             `json:"rule_id"`
	RuleName   string             `json:"rule_name"`
	Priority   Priority           `json:"priority"`
	Decision   Decision           `json:"decision"`
	Fired      bool               `json:"fired"`
	Inputs     map[string]float64 `json:"inputs"`
	Confidence float64            `json:"confidence"`
	Note       string             `json:"note"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Evaluation is the Decision Engine output for one product.
type Evaluation struct {
	SchemaVersion   string             `json:"schema_version"`
	ProductID       string             `json:"product_id"`
	EvaluatedAt     time.Time          `json:"evaluated_at"`
	Recommendations []Recommendation   `json:"recommendations"`
	DecisionLog     []DecisionLogEntry `json:"decision_log"`
	Final           Recommendation     `json:"final"`
	Rules           []RuleStatus       `json:"rules"`
}
