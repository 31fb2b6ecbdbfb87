package anomaly

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	featureWindow = 7
	stdFloor      = 1e-3
	zEpsilon      = 1e-6
)

// Features builds one row per point: value, rolling mean, rolling std, first difference and the
// rolling z-score. The first featureWindow-1 points take the series' global mean and std.
func Features(values []float64) [][]float64 {
	globalMean, globalStd := stat.PopMeanStdDev(values, nil)
	if globalStd == 0 || math.IsNaN(globalStd) {
		globalStd = 1
	}

	out := make([][]float64, len(values))
	for i, v := range values {
		rm, rs := globalMean, globalStd
		if i >= featureWindow-1 {
			rm, rs = stat.PopMeanStdDev(values[i-featureWindow+1:i+1], nil)
		}
		rs = max(rs, stdFloor)

		var diff float64
		if i > 0 {
			diff = v - values[i-1]
		}
		out[i] = []float64{v, rm, rs, diff, (v - rm) / (rs + zEpsilon)}
	}
	return out
}

func constant(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

// IsolationScores fits a forest over the whole series and scores every point of it. Series
// shorter than 3 points or constant ones yield zero scores and no outliers.
func IsolationScores(values []float64, p ForestParams) []Score {
	out := make([]Score, len(values))
	if len(values) < 3 || constant(values) {
		for i := range out {
			out[i].Valid = true
		}
		return out
	}

	x := Features(values)
	decision := FitForest(x, p).Decision(x)
	for i, d := range decision {
		out[i] = Score{Value: d, Valid: true, Outlier: d < 0}
	}
	return out
}
