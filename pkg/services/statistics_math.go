package services

import (
	"math"
)

// regressionFit は単回帰の結果
type regressionFit struct {
	Slope     float64
	Intercept float64
	R2        float64
	N         int
}

// calculateMean パッケージ内部用のヘルパー関数：平均値を計算
func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStandardDeviation パッケージ内部用のヘルパー関数：母標準偏差を計算
func calculateStandardDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := calculateMean(values)
	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(values)))
}

// calculateSampleStandardDeviation 標本標準偏差（n-1）。2点未満は0
func calculateSampleStandardDeviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := calculateMean(values)
	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(values)-1))
}

// calculateCorrelation 2つのデータ系列のピアソン相関係数を計算
func calculateCorrelation(x, y []float64) (float64, bool) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, false
	}

	n := float64(len(x))
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	numerator := n*sumXY - sumX*sumY
	denominator := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if denominator == 0 || math.IsNaN(denominator) {
		return 0, false
	}
	return numerator / denominator, true
}

// linearRegression 最小二乗法による単回帰 y = a + b·x
// xが一定の場合は ok=false を返す
func linearRegression(x, y []float64) (regressionFit, bool) {
	if len(x) != len(y) || len(x) < 2 {
		return regressionFit{}, false
	}

	meanX := calculateMean(x)
	meanY := calculateMean(y)
	var sxx, sxy float64
	for i := range x {
		dx := x[i] - meanX
		sxx += dx * dx
		sxy += dx * (y[i] - meanY)
	}
	if sxx <= 1e-12 {
		return regressionFit{}, false
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX

	var ssTotal, ssResidual float64
	for i := range x {
		predicted := intercept + slope*x[i]
		ssTotal += (y[i] - meanY) * (y[i] - meanY)
		ssResidual += (y[i] - predicted) * (y[i] - predicted)
	}
	r2 := 1.0
	if ssTotal > 0 {
		r2 = 1 - ssResidual/ssTotal
	}

	return regressionFit{
		Slope:     slope,
		Intercept: intercept,
		R2:        clamp(r2, 0, 1),
		N:         len(x),
	}, true
}

// linearWeights は直近ほど重い線形重み（合計1）
func linearWeights(n int) []float64 {
	weights := make([]float64, n)
	total := float64(n*(n+1)) / 2
	for i := 0; i < n; i++ {
		weights[i] = float64(i+1) / total
	}
	return weights
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func float64Ptr(v float64) *float64 {
	return &v
}
