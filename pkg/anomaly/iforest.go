package anomaly

import (
	"math"
	"math/rand/v2"
	"slices"
)

const (
	DefaultContamination = 0.05
	DefaultEstimators    = 100
	DefaultSeed          = 42
	maxSubsample         = 256
	eulerGamma           = 0.5772156649015329
)

// ForestParams configures an isolation forest. Zero values take the defaults.
type ForestParams struct {
	Contamination float64
	NEstimators   int
	Seed          uint64
}

// Forest is a fitted isolation forest. Scores follow the decision-function convention:
// higher is more normal and negative values are outliers.
type Forest struct {
	trees  []*itree
	psi    int
	offset float64
}

type itree struct {
	feature     int
	split       float64
	left, right *itree
	size        int // samples reaching a leaf
}

// FitForest grows NEstimators trees on random subsamples of x, then places the decision threshold
// so that the Contamination share of x scores below zero.
func FitForest(x [][]float64, p ForestParams) *Forest {
	if p.Contamination <= 0 {
		p.Contamination = DefaultContamination
	}
	if p.NEstimators <= 0 {
		p.NEstimators = DefaultEstimators
	}
	if p.Seed == 0 {
		p.Seed = DefaultSeed
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	psi := min(maxSubsample, len(x))
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	f := &Forest{psi: psi, trees: make([]*itree, p.NEstimators)}
	for t := range f.trees {
		idx := rng.Perm(len(x))[:psi]
		sample := make([][]float64, psi)
		for i, j := range idx {
			sample[i] = x[j]
		}
		f.trees[t] = grow(sample, 0, maxDepth, rng)
	}

	raw := f.rawScores(x)
	f.offset = percentile(raw, 100*p.Contamination)
	return f
}

func grow(sample [][]float64, depth, maxDepth int, rng *rand.Rand) *itree {
	if depth >= maxDepth || len(sample) <= 1 {
		return &itree{size: len(sample)}
	}

	dims := len(sample[0])
	for _, feature := range rng.Perm(dims) {
		lo, hi := sample[0][feature], sample[0][feature]
		for _, row := range sample[1:] {
			lo, hi = min(lo, row[feature]), max(hi, row[feature])
		}
		if lo == hi {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, row := range sample {
			if row[feature] < split {
				left = append(left, row)
			} else {
				right = append(right, row)
			}
		}
		return &itree{
			feature: feature,
			split:   split,
			left:    grow(left, depth+1, maxDepth, rng),
			right:   grow(right, depth+1, maxDepth, rng),
		}
	}
	return &itree{size: len(sample)}
}

func (t *itree) pathLength(row []float64) float64 {
	depth := 0.0
	for t.left != nil {
		if row[t.feature] < t.split {
			t = t.left
		} else {
			t = t.right
		}
		depth++
	}
	return depth + averagePath(t.size)
}

// averagePath is the expected path length of an unsuccessful search in a binary tree of n nodes.
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// rawScores returns the negated anomaly score 2^(-E[h]/c(psi)) of each row.
func (f *Forest) rawScores(x [][]float64) []float64 {
	norm := averagePath(f.psi)
	if norm == 0 {
		norm = 1
	}
	out := make([]float64, len(x))
	for i, row := range x {
		var sum float64
		for _, t := range f.trees {
			sum += t.pathLength(row)
		}
		mean := sum / float64(len(f.trees))
		out[i] = -math.Pow(2, -mean/norm)
	}
	return out
}

// Decision scores rows against the fitted threshold.
func (f *Forest) Decision(x [][]float64) []float64 {
	raw := f.rawScores(x)
	for i := range raw {
		raw[i] -= f.offset
	}
	return raw
}

// percentile interpolates linearly between closest ranks, q in [0, 100].
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
