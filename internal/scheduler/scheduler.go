// Package scheduler runs the periodic collection, rollup, retrain, anomaly and housekeeping jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/elonfeng/kpiradar/internal/metrics"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/alert"
	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/collect"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/reliability"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job names, also used as lock keys and metric labels.
const (
	JobCollect      = "collect"
	JobRollup       = "rollup"
	JobRetrain      = "retrain"
	JobAnomaly      = "anomaly"
	JobHousekeeping = "housekeeping"
)

// Deps are the stages the jobs drive. Alerts and Locker are optional.
type Deps struct {
	Store       store.Store
	Ingester    collect.Ingester
	Collectors  []collect.Collector
	Rollup      *rollup.Aggregator
	Forecast    *forecast.Engine
	Reliability *reliability.Backtester
	Anomaly     *anomaly.Service
	Alerts      *alert.Manager
	Locker      Locker
	Logger      *zap.Logger
}

// Options are the job intervals and analytics settings. Zero intervals disable a job.
type Options struct {
	CollectInterval      time.Duration
	RollupInterval       time.Duration
	RetrainInterval      time.Duration
	AnomalyInterval      time.Duration
	HousekeepingInterval time.Duration

	RollupDays  int
	Concurrency int
	LockTTL     time.Duration

	Health      forecast.HealthRequest
	Reliability reliability.Request
	// Detector is "zscore" or "iforest".
	Detector string
	ZScore   anomaly.ZScoreRequest
	Forest   anomaly.ForestRequest
	ScanDays int
}

// Scheduler runs the periodic jobs.
type Scheduler struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new scheduler.
func New(deps Deps, opts Options) *Scheduler {
	if deps.Locker == nil {
		deps.Locker = NopLocker{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.NewManager()
	}
	if opts.RollupDays <= 0 {
		opts.RollupDays = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.ScanDays <= 0 {
		opts.ScanDays = 90
	}
	if opts.Detector == "" {
		opts.Detector = "zscore"
	}
	return &Scheduler{deps: deps, opts: opts, log: deps.Logger, now: time.Now}
}

type job struct {
	name     string
	interval time.Duration
	run      func(context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobCollect, s.opts.CollectInterval, s.Collect},
		{JobRollup, s.opts.RollupInterval, s.Rollup},
		{JobRetrain, s.opts.RetrainInterval, s.Retrain},
		{JobAnomaly, s.opts.AnomalyInterval, s.ScanAnomalies},
		{JobHousekeeping, s.opts.HousekeepingInterval, s.Housekeeping},
	}
}

// Run runs every enabled job once, then on its ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs() {
		if j.interval <= 0 {
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(j.interval)
			defer ticker.Stop()

			s.RunJob(ctx, j.name)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s.RunJob(ctx, j.name)
				}
			}
		})
	}

	s.log.Info("scheduler running",
		zap.Duration("collect", s.opts.CollectInterval),
		zap.Duration("rollup", s.opts.RollupInterval),
		zap.Duration("retrain", s.opts.RetrainInterval),
		zap.Duration("anomaly", s.opts.AnomalyInterval),
		zap.Duration("housekeeping", s.opts.HousekeepingInterval),
	)
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

// RunJob runs one named job under its lock. Failures are logged and counted, never returned,
// so one failing job does not stop the others.
func (s *Scheduler) RunJob(ctx context.Context, name string) {
	var fn func(context.Context) error
	for _, j := range s.jobs() {
		if j.name == name {
			fn = j.run
		}
	}
	if fn == nil {
		s.log.Error("unknown job", zap.String("job", name))
		return
	}

	release, err := s.deps.Locker.Acquire(ctx, name, s.opts.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
		s.log.Debug("job locked elsewhere", zap.String("job", name))
		return
	}
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, "failed").Inc()
		s.log.Error("job lock failed", zap.String("job", name), zap.Error(err))
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		metrics.JobRunsTotal.WithLabelValues(name, "failed").Inc()
		s.log.Error("job failed", zap.String("job", name), zap.Error(err))
		return
	}
	metrics.JobRunsTotal.WithLabelValues(name, "ok").Inc()
	s.log.Info("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
}

// Collect runs every collector concurrently. It fails only when every collector failed.
func (s *Scheduler) Collect(ctx context.Context) error {
	if len(s.deps.Collectors) == 0 {
		return nil
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, c := range s.deps.Collectors {
		g.Go(func() error {
			if _, err := collect.Run(gctx, s.deps.Ingester, c, s.log); err != nil {
				failed.Add(1)
				s.log.Warn("collector failed", zap.String("collector", c.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if int(failed.Load()) == len(s.deps.Collectors) {
		return fmt.Errorf("all %d collectors failed", len(s.deps.Collectors))
	}
	return nil
}

// Rollup recomputes the trailing window of days for every source.
func (s *Scheduler) Rollup(ctx context.Context) error {
	start, end := rollup.Window(s.now(), s.opts.RollupDays)
	res, err := s.deps.Rollup.Run(ctx, rollup.Request{Start: start, End: end})
	if err != nil {
		return err
	}
	s.log.Debug("rollup window recomputed",
		zap.Stringer("start", start),
		zap.Stringer("end", end),
		zap.Int64("rows", res.RowsUpserted),
	)
	return nil
}

// Retrain refreshes the forecast, its health row and the reliability snapshot of every series.
func (s *Scheduler) Retrain(ctx context.Context) error {
	return s.eachSeries(ctx, func(ctx context.Context, key store.SeriesKey) error {
		if _, err := s.deps.Forecast.Run(ctx, forecast.Request{SourceName: key.SourceName, Metric: key.Metric}); err != nil {
			return fmt.Errorf("forecast: %w", err)
		}

		health := s.opts.Health
		health.SourceName, health.Metric = key.SourceName, key.Metric
		if _, err := s.deps.Forecast.RefreshHealth(ctx, health); err != nil {
			return fmt.Errorf("forecast health: %w", err)
		}

		rel := s.opts.Reliability
		rel.SourceName, rel.Metric = key.SourceName, key.Metric
		if _, err := s.deps.Reliability.Run(ctx, rel); err != nil {
			return fmt.Errorf("reliability: %w", err)
		}
		return nil
	})
}

// ScanAnomalies runs the configured detector over the recent days of every series and
// notifies when the latest day is flagged.
func (s *Scheduler) ScanAnomalies(ctx context.Context) error {
	if !s.deps.Alerts.HasNotifiers() {
		return nil
	}
	return s.eachSeries(ctx, func(ctx context.Context, key store.SeriesKey) error {
		last, err := s.deps.Store.LastMetricDate(ctx, key.SourceID, key.Metric)
		if err != nil || last.IsZero() {
			return err
		}
		start := last.AddDays(-(s.opts.ScanDays - 1))

		var points []anomaly.Point
		switch s.opts.Detector {
		case "iforest":
			req := s.opts.Forest
			req.SourceName, req.Metric, req.Start, req.End = key.SourceName, key.Metric, start, last
			points, err = s.deps.Anomaly.IsolationForest(ctx, req)
		default:
			req := s.opts.ZScore
			req.SourceName, req.Metric, req.Start, req.End = key.SourceName, key.Metric, start, last
			points, err = s.deps.Anomaly.Rolling(ctx, req)
		}
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}

		latest := points[len(points)-1]
		if !latest.IsOutlier || latest.Score == nil {
			return nil
		}

		n := &alert.Notification{
			Source:   key.SourceName,
			Metric:   key.Metric,
			Date:     latest.Date,
			Value:    latest.Value,
			Score:    *latest.Score,
			Detector: s.opts.Detector,
			Expected: s.expected(ctx, key, latest.Date),
		}
		sent, err := s.deps.Alerts.Notify(ctx, n)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		if sent {
			s.log.Info("anomaly alerted",
				zap.String("source", key.SourceName),
				zap.String("metric", key.Metric),
				zap.Stringer("date", latest.Date),
				zap.Float64("score", *latest.Score),
			)
		}
		return nil
	})
}

// expected returns the stored forecast for day, if any.
func (s *Scheduler) expected(ctx context.Context, key store.SeriesKey, day metric.Day) *float64 {
	points, err := s.deps.Store.ListForecastPoints(ctx, key.SourceID, key.Metric, day.AddDays(-1), 1)
	if err != nil || len(points) == 0 || !points[0].TargetDate.Equal(day) {
		return nil
	}
	v := points[0].Yhat
	return &v
}

// Housekeeping removes forecast points that fall on already observed days.
func (s *Scheduler) Housekeeping(ctx context.Context) error {
	n, err := s.deps.Store.PruneStaleForecasts(ctx)
	if err != nil {
		return err
	}
	s.log.Debug("stale forecasts pruned", zap.Int64("rows", n))
	return nil
}

// eachSeries runs fn for every stored series with bounded concurrency. Per-series failures are
// logged; the job fails only when every series failed.
func (s *Scheduler) eachSeries(ctx context.Context, fn func(context.Context, store.SeriesKey) error) error {
	series, err := s.deps.Store.ListSeries(ctx)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return nil
	}

	var failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, key := range series {
		g.Go(func() error {
			if err := fn(gctx, key); err != nil {
				failed.Add(1)
				s.log.Warn("series job failed",
					zap.String("source", key.SourceName),
					zap.String("metric", key.Metric),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if int(failed.Load()) == len(series) {
		return fmt.Errorf("all %d series failed", len(series))
	}
	return nil
}
