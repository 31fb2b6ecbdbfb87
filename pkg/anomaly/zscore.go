// Package anomaly scores daily series for outliers with a rolling z-score and an isolation forest.
package anomaly

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	DefaultWindow    = 7
	DefaultThreshold = 3.0

	// FlatScore is reported when the prior window is constant and the value differs from it.
	FlatScore = 1e9
)

// Score is the outcome for one point. Valid is false when the point had too little history.
type Score struct {
	Value   float64
	Valid   bool
	Outlier bool
}

// RollingZ scores values[i] against the sample mean and standard deviation of the up to window
// values before it. Nothing at or after i is read. NaN marks a missing value; points need at
// least two valid prior values to be scored.
func RollingZ(values []float64, window int, threshold float64) []Score {
	out := make([]Score, len(values))
	prior := make([]float64, 0, window)
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		prior = prior[:0]
		for _, p := range values[max(0, i-window):i] {
			if !math.IsNaN(p) && !math.IsInf(p, 0) {
				prior = append(prior, p)
			}
		}
		if len(prior) < 2 {
			continue
		}

		mean, std := stat.MeanStdDev(prior, nil)
		if std == 0 || math.IsNaN(std) {
			if v != mean {
				out[i] = Score{Value: math.Copysign(FlatScore, v-mean), Valid: true, Outlier: true}
			} else {
				out[i] = Score{Valid: true}
			}
			continue
		}
		z := (v - mean) / std
		out[i] = Score{Value: z, Valid: true, Outlier: math.Abs(z) >= threshold}
	}
	return out
}
