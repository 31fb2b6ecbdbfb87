package forecast

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"go.uber.org/zap"
)

const (
	DefaultHealthWindow  = 90
	DefaultHealthHorizon = 7
)

// HealthRequest selects a series and the holdout shape.
type HealthRequest struct {
	SourceName string
	Metric     string
	WindowN    int
	HorizonN   int
}

// HealthResult is the refreshed health row. Insufficient is set when the series was shorter
// than WindowN+HorizonN; the row is still stored with a MAPE of 100.
type HealthResult struct {
	metric.ForecastHealth
	SourceName   string `json:"source_name"`
	Insufficient bool   `json:"insufficient"`
}

// RefreshHealth scores the last-value baseline on a holdout: it trains on WindowN points and
// compares against the next HorizonN, then upserts the result.
func (e *Engine) RefreshHealth(ctx context.Context, req HealthRequest) (*HealthResult, error) {
	if req.WindowN <= 0 {
		req.WindowN = DefaultHealthWindow
	}
	if req.HorizonN <= 0 {
		req.HorizonN = DefaultHealthHorizon
	}
	src, err := e.store.SourceByName(ctx, strings.TrimSpace(req.SourceName))
	if err != nil {
		return nil, err
	}

	need := req.WindowN + req.HorizonN
	rows, err := e.store.ListDailyAggregates(ctx, store.DailyQuery{
		SourceID: src.ID,
		Metric:   req.Metric,
		Limit:    need,
		Latest:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("forecast health %s/%s: %w", req.SourceName, req.Metric, err)
	}

	res := &HealthResult{
		SourceName: src.Name,
		ForecastHealth: metric.ForecastHealth{
			SourceID:  src.ID,
			Metric:    req.Metric,
			WindowN:   req.WindowN,
			HorizonN:  req.HorizonN,
			MAPE:      100,
			TrainedAt: e.now().UTC(),
		},
	}
	if len(rows) > 0 {
		res.TrainStart = rows[0].MetricDate
	}
	if len(rows) >= req.WindowN {
		res.TrainEnd = rows[req.WindowN-1].MetricDate
	}

	if len(rows) < need {
		res.Insufficient = true
	} else {
		values := make([]float64, len(rows))
		for i, r := range rows {
			values[i] = r.ValueSum
		}
		train, holdout := values[:req.WindowN], values[req.WindowN:]
		pred := Naive(train, req.HorizonN)
		means := make([]float64, len(pred))
		for i, p := range pred {
			means[i] = p.Mean
		}
		res.MAPE = MAPE(holdout, means)
	}

	if err := e.store.UpsertForecastHealth(ctx, res.ForecastHealth); err != nil {
		return nil, err
	}
	e.log.Info("forecast health refreshed",
		zap.String("source", src.Name),
		zap.String("metric", req.Metric),
		zap.Float64("mape", res.MAPE),
		zap.Bool("insufficient", res.Insufficient),
	)
	return res, nil
}

// Health returns the stored health row for a series and window.
func (e *Engine) Health(ctx context.Context, sourceName, metricName string, windowN int) (metric.ForecastHealth, error) {
	if windowN <= 0 {
		windowN = DefaultHealthWindow
	}
	src, err := e.store.SourceByName(ctx, strings.TrimSpace(sourceName))
	if err != nil {
		return metric.ForecastHealth{}, err
	}
	return e.store.GetForecastHealth(ctx, src.ID, metricName, windowN)
}

// MAPE is the mean absolute percentage error in percent. Zero actuals are skipped and 100 is
// returned when nothing is comparable.
func MAPE(actual, pred []float64) float64 {
	var total float64
	var n int
	for i := range min(len(actual), len(pred)) {
		a, p := actual[i], pred[i]
		if a == 0 || math.IsNaN(a) || math.IsNaN(p) {
			continue
		}
		total += math.Abs((a - p) / a)
		n++
	}
	if n == 0 {
		return 100
	}
	return 100 * total / float64(n)
}
