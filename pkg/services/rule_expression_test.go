package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpressionArithmetic(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 - 4 - 3", 3},
		{"8 / 4 / 2", 1},
		{"-2 * 3", -6},
		{"--4", 4},
		{"0.5 + .25", 0.75},
		{"min(3, 7) + max(3, 7)", 10},
		{"abs(-4.5)", 4.5},
		{"clamp(15, 0, 10)", 10},
		{"CLAMP(-1, 0, 10)", 0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := CompileExpression(tt.expr)
			require.NoError(t, err)
			got, err := expr.Eval(nil, nil)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestExpressionPredicates(t *testing.T) {
	inputs := map[string]float64{"price_position_index": 1.25, "demand_growth_rate": 0.2, "trend_momentum": 4}
	params := map[string]float64{"max_index": 1.1, "min_growth": 0.15, "min_momentum": 10}

	tests := []struct {
		expr string
		want bool
	}{
		{"price_position_index > $max_index", true},
		{"demand_growth_rate > $min_growth AND trend_momentum > $min_momentum", false},
		{"demand_growth_rate > $min_growth OR trend_momentum > $min_momentum", true},
		{"NOT trend_momentum > $min_momentum", true},
		{"trend_momentum == 4 and not (price_position_index <= 1)", true},
		{"demand_growth_rate < -$min_growth", false},
		{"trend_momentum != 4", false},
		{"true", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			expr, err := CompileExpression(tt.expr)
			require.NoError(t, err)
			got, err := expr.Test(inputs, params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpressionMissingInput(t *testing.T) {
	expr, err := CompileExpression("price_position_index > 1.1")
	require.NoError(t, err)

	_, err = expr.Test(map[string]float64{}, nil)
	var missing *MissingInputError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "price_position_index", missing.Name)
	assert.Equal(t, "input unavailable: price_position_index", err.Error())
}

func TestExpressionShortCircuit(t *testing.T) {
	expr, err := CompileExpression("trend_momentum > 100 AND price_position_index > 1")
	require.NoError(t, err)

	ok, err := expr.Test(map[string]float64{"trend_momentum": 1}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpressionNames(t *testing.T) {
	expr, err := CompileExpression("(competitor_price_avg * (1 + $match_band) - unit_cost) > $min_margin * competitor_price_avg")
	require.NoError(t, err)
	assert.Equal(t, []string{"competitor_price_avg", "unit_cost"}, expr.Inputs())
	assert.Equal(t, []string{"match_band", "min_margin"}, expr.Params())
}

func TestExpressionRuntimeErrors(t *testing.T) {
	expr, err := CompileExpression("x / y")
	require.NoError(t, err)
	_, err = expr.Eval(map[string]float64{"x": 1, "y": 0}, nil)
	assert.Error(t, err)

	expr, err = CompileExpression("x > $limit")
	require.NoError(t, err)
	_, err = expr.Eval(map[string]float64{"x": 1}, nil)
	assert.ErrorContains(t, err, "$limit")
}

func TestExpressionParseErrors(t *testing.T) {
	for _, src := range []string{"", "1 +", "(1 + 2", "1 2", "median(1, 2)", "min(1)", "$", "a ? b", "1 > > 2"} {
		t.Run(src, func(t *testing.T) {
			_, err := CompileExpression(src)
			var exprErr *ExpressionError
			assert.True(t, errors.As(err, &exprErr), "got %v", err)
		})
	}
}
