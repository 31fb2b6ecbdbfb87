// Package forecast produces strictly-future daily predictions from the daily aggregate series.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"go.uber.org/zap"
)

const (
	MaxHorizon        = 30
	DefaultHorizon    = 7
	DefaultMinHistory = 14

	VersionSARIMA         = "sarima-1.1.1"
	VersionSeasonalSARIMA = "sarima-1.1.1x1.0.1.7"
	VersionNaive          = "naive-hold"
	VersionZeros          = "zeros"
)

// ErrInvalidHorizon is returned for a horizon outside 1..MaxHorizon.
var ErrInvalidHorizon = errors.New("invalid horizon")

// Options configures an Engine. Zero values take the defaults.
type Options struct {
	Horizon    int
	MinHistory int
	Seasonal   bool
	Logger     *zap.Logger
}

// Engine fits and stores forecasts.
type Engine struct {
	store      store.Store
	horizon    int
	minHistory int
	seasonal   bool
	log        *zap.Logger
	now        func() time.Time
}

// New creates an Engine over s.
func New(s store.Store, opts Options) *Engine {
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.MinHistory <= 0 {
		opts.MinHistory = DefaultMinHistory
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:      s,
		horizon:    min(opts.Horizon, MaxHorizon),
		minHistory: opts.MinHistory,
		seasonal:   opts.Seasonal,
		log:        opts.Logger,
		now:        time.Now,
	}
}

// Request selects a series and horizon. A non-zero EndDate derives the horizon from the
// last observed date instead, clamped to [0, MaxHorizon].
type Request struct {
	SourceName string
	Metric     string
	Horizon    int
	EndDate    metric.Day
}

// Run is the outcome of one forecast.
type Run struct {
	SourceID     int64                  `json:"source_id"`
	Metric       string                 `json:"metric"`
	LastObserved metric.Day             `json:"last_observed"`
	Horizon      int                    `json:"horizon"`
	ModelVersion string                 `json:"model_version"`
	Points       []metric.ForecastPoint `json:"points"`
}

// Series is a gap-filled daily series. Values[i] belongs to Start+i days.
type Series struct {
	Start    metric.Day
	Values   []float64
	Observed int
}

// Last returns the date of the final value.
func (s Series) Last() metric.Day {
	if len(s.Values) == 0 {
		return metric.Day{}
	}
	return s.Start.AddDays(len(s.Values) - 1)
}

// LoadSeries reads the value_sum series of one (source, metric), filling missing days with 0.
func LoadSeries(ctx context.Context, s store.Store, sourceID int64, metricName string) (Series, error) {
	rows, err := s.ListDailyAggregates(ctx, store.DailyQuery{SourceID: sourceID, Metric: metricName})
	if err != nil {
		return Series{}, err
	}
	return fillGaps(rows), nil
}

func fillGaps(rows []metric.DailyAggregate) Series {
	if len(rows) == 0 {
		return Series{}
	}
	start := rows[0].MetricDate
	values := make([]float64, start.DaysUntil(rows[len(rows)-1].MetricDate)+1)
	for _, r := range rows {
		values[start.DaysUntil(r.MetricDate)] = r.ValueSum
	}
	return Series{Start: start, Values: values, Observed: len(rows)}
}

// Run forecasts the requested horizon and upserts the points. Reruns overwrite the same target dates.
func (e *Engine) Run(ctx context.Context, req Request) (*Run, error) {
	name := strings.TrimSpace(req.SourceName)
	if name == "" || strings.TrimSpace(req.Metric) == "" {
		return nil, fmt.Errorf("forecast: source name and metric are required")
	}
	src, err := e.store.SourceByName(ctx, name)
	if err != nil {
		return nil, err
	}

	series, err := LoadSeries(ctx, e.store, src.ID, req.Metric)
	if err != nil {
		return nil, fmt.Errorf("forecast %s/%s: %w", name, req.Metric, err)
	}

	horizon, err := e.resolveHorizon(req, series)
	if err != nil {
		return nil, err
	}

	run := &Run{
		SourceID:     src.ID,
		Metric:       req.Metric,
		LastObserved: series.Last(),
		Horizon:      horizon,
		Points:       []metric.ForecastPoint{},
	}
	if horizon == 0 {
		return run, nil
	}

	pred, version := e.predict(series, horizon)
	anchor := series.Last()
	if anchor.IsZero() {
		anchor = metric.Today(e.now)
	}
	for i, p := range pred {
		run.Points = append(run.Points, metric.ForecastPoint{
			SourceID:     src.ID,
			Metric:       req.Metric,
			TargetDate:   anchor.AddDays(i + 1),
			Yhat:         finite(p.Mean),
			YhatLower:    finite(p.Lower),
			YhatUpper:    finite(p.Upper),
			ModelVersion: version,
		})
	}
	run.ModelVersion = version

	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		return e.store.UpsertForecastPoints(ctx, run.Points)
	})
	if err != nil {
		return nil, fmt.Errorf("store forecast %s/%s: %w", name, req.Metric, err)
	}
	metrics.ForecastRunsTotal.WithLabelValues(version).Inc()

	e.log.Info("forecast stored",
		zap.String("source", name),
		zap.String("metric", req.Metric),
		zap.String("model", version),
		zap.Int("horizon", horizon),
		zap.Int("observed", series.Observed),
	)
	return run, nil
}

func (e *Engine) resolveHorizon(req Request, series Series) (int, error) {
	if !req.EndDate.IsZero() && series.Observed > 0 {
		return max(0, min(MaxHorizon, series.Last().DaysUntil(req.EndDate))), nil
	}
	h := req.Horizon
	if h == 0 {
		h = e.horizon
	}
	if h < 1 || h > MaxHorizon {
		return 0, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidHorizon, h, MaxHorizon)
	}
	return h, nil
}

// predict picks the model path. Fit failures degrade to the constant hold.
func (e *Engine) predict(series Series, horizon int) ([]Prediction, string) {
	if series.Observed == 0 || allZero(series.Values) {
		return make([]Prediction, horizon), VersionZeros
	}
	if series.Observed < e.minHistory {
		return Naive(series.Values, horizon), VersionNaive
	}

	seasonal := e.seasonal && len(series.Values) >= minSeasonalLength
	start := time.Now()
	model, err := FitSARIMA(series.Values, seasonal)
	metrics.ForecastFitDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		var pred []Prediction
		pred, err = model.Forecast(horizon)
		if err == nil {
			return pred, model.Version()
		}
	}

	e.log.Warn("model fit failed, holding last value", zap.Error(err), zap.Int("observed", series.Observed))
	return Naive(series.Values, horizon), VersionNaive
}

// Daily runs the forecast and returns the stored strictly-future points in the public 7-point shape.
func (e *Engine) Daily(ctx context.Context, req Request) ([]PublicPoint, error) {
	run, err := e.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	reference := run.LastObserved
	if reference.IsZero() {
		reference = metric.Today(e.now)
	}
	if run.Horizon == 0 {
		return Public(nil, req.Metric, reference), nil
	}

	points, err := e.store.ListForecastPoints(ctx, run.SourceID, req.Metric, reference, run.Horizon)
	if err != nil {
		return nil, fmt.Errorf("list forecast: %w", err)
	}
	return Public(points, req.Metric, reference), nil
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
