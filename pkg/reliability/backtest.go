// Package reliability scores how far forecasts of a series can be trusted using rolling-origin backtests.
package reliability

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"go.uber.org/zap"
)

const (
	DefaultDays    = 90
	DefaultFolds   = 5
	DefaultHorizon = 7

	// eps keeps percentage errors finite on zero actuals.
	eps = 1e-9
)

// Request selects a series and the backtest shape. Zero values take the defaults.
type Request struct {
	SourceName string
	Metric     string
	Days       int
	Folds      int
	Horizon    int
}

// Result is the pure outcome of a backtest over a value slice.
type Result struct {
	Folds []metric.ReliabilityFold
	MAPE  float64
	RMSE  float64
	SMAPE float64
	Score int
}

// Backtester runs and stores reliability snapshots.
type Backtester struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Backtester over s.
func New(s store.Store, log *zap.Logger) *Backtester {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backtester{store: s, log: log, now: time.Now}
}

// WithClock overrides the clock that stamps as_of_date.
func (b *Backtester) WithClock(now func() time.Time) *Backtester {
	b.now = now
	return b
}

// Run backtests the most recent Days points of a series and appends a snapshot. A series too
// short for any fold still produces a snapshot, with score 0 and no folds.
func (b *Backtester) Run(ctx context.Context, req Request) (*metric.ReliabilitySnapshot, error) {
	if req.Days <= 0 {
		req.Days = DefaultDays
	}
	if req.Folds <= 0 {
		req.Folds = DefaultFolds
	}
	if req.Horizon <= 0 {
		req.Horizon = DefaultHorizon
	}

	src, err := b.store.SourceByName(ctx, strings.TrimSpace(req.SourceName))
	if err != nil {
		return nil, err
	}
	rows, err := b.store.ListDailyAggregates(ctx, store.DailyQuery{
		SourceID: src.ID,
		Metric:   req.Metric,
		Limit:    req.Days,
		Latest:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("reliability %s/%s: %w", src.Name, req.Metric, err)
	}
	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.ValueSum
	}

	res := Backtest(values, req.Folds, req.Horizon)
	snap := &metric.ReliabilitySnapshot{
		SourceName: src.Name,
		Metric:     req.Metric,
		AsOfDate:   metric.Today(b.now),
		Score:      res.Score,
		MAPE:       res.MAPE,
		RMSE:       res.RMSE,
		SMAPE:      res.SMAPE,
		Folds:      res.Folds,
	}
	if err := b.store.InsertReliabilitySnapshot(ctx, snap); err != nil {
		return nil, err
	}
	metrics.ReliabilityScore.WithLabelValues(src.Name, req.Metric).Set(float64(snap.Score))

	b.log.Info("reliability snapshot stored",
		zap.String("source", src.Name),
		zap.String("metric", req.Metric),
		zap.Int("score", snap.Score),
		zap.Int("folds", len(snap.Folds)),
		zap.Int("points", len(values)),
	)
	return snap, nil
}

// Latest returns the snapshot with the most recent as_of_date.
func (b *Backtester) Latest(ctx context.Context, sourceName, metricName string) (metric.ReliabilitySnapshot, error) {
	return b.store.LatestReliabilitySnapshot(ctx, sourceName, metricName)
}

// Backtest evaluates the last-value baseline with an expanding training window. Fold k trains
// on values[:n-(folds-k)*horizon] and tests on the next horizon values.
func Backtest(values []float64, folds, horizon int) Result {
	n := len(values)
	horizon = max(1, horizon)
	folds = max(0, min(folds, n-(horizon+1)))

	var res Result
	for k := range folds {
		trainEnd := n - (folds-k)*horizon
		if trainEnd <= 0 {
			continue
		}
		train := values[:trainEnd]
		test := values[trainEnd:min(trainEnd+horizon, n)]
		if len(test) == 0 {
			continue
		}
		pred := forecast.Naive(train, len(test))
		res.Folds = append(res.Folds, scoreFold(k, test, pred))
	}
	if len(res.Folds) == 0 {
		return res
	}

	var mapes []float64
	for _, f := range res.Folds {
		res.MAPE += f.MAPE
		res.RMSE += f.RMSE
		res.SMAPE += f.SMAPE
		mapes = append(mapes, f.MAPE)
	}
	nf := float64(len(res.Folds))
	res.MAPE = finite(res.MAPE / nf)
	res.RMSE = finite(res.RMSE / nf)
	res.SMAPE = finite(res.SMAPE / nf)

	var instability float64
	if len(mapes) >= 2 {
		lo, hi := mapes[0], mapes[0]
		for _, m := range mapes[1:] {
			lo, hi = min(lo, m), max(hi, m)
		}
		instability = finite((hi - lo) / 10)
	}
	res.Score = int(max(0, min(100, 100-res.MAPE/2-instability)))
	return res
}

func scoreFold(k int, actual []float64, pred []forecast.Prediction) metric.ReliabilityFold {
	var absSum, sqSum, pctSum, symSum, biasSum float64
	for i, a := range actual {
		p := pred[i].Mean
		d := math.Abs(a - p)
		absSum += d
		sqSum += (a - p) * (a - p)
		pctSum += d / (math.Abs(a) + eps)
		symSum += 2 * d / (math.Abs(a) + math.Abs(p) + eps)
		biasSum += p - a
	}
	n := float64(len(actual))
	return metric.ReliabilityFold{
		FoldIndex: k,
		MAE:       finite(absSum / n),
		RMSE:      finite(math.Sqrt(sqSum / n)),
		MAPE:      finite(pctSum * 100 / n),
		SMAPE:     finite(symSum * 100 / n),
		Bias:      finite(biasSum / n),
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
