package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/collect"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/reliability"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"github.com/elonfeng/kpiradar/pkg/stream"
	"github.com/fatih/color"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func parseDays(series seriesFlags) (metric.Day, metric.Day, error) {
	var start, end metric.Day
	var err error
	if series.start != "" {
		if start, err = metric.ParseDay(series.start); err != nil {
			return start, end, fmt.Errorf("--start: %w", err)
		}
	}
	if series.end != "" {
		if end, err = metric.ParseDay(series.end); err != nil {
			return start, end, fmt.Errorf("--end: %w", err)
		}
	}
	return start, end, nil
}

type ingestOptions struct {
	path   string
	source string
	metric string
	kind   string
	strict bool
	rollup bool
}

func runIngest(ctx context.Context, opts ingestOptions) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var r io.Reader = os.Stdin
	filename := ""
	if opts.path != "-" {
		f, err := os.Open(opts.path)
		if err != nil {
			return err
		}
		defer f.Close()
		r, filename = f, filepath.Base(opts.path)
	}

	br := bufio.NewReader(r)
	head, _ := br.Peek(512)
	kind := ingest.DetectKind("", filename, head)
	if opts.kind != "" {
		k, ok := ingest.ParseKind(opts.kind)
		if !ok {
			return fmt.Errorf("unknown kind %q (want csv, json or ndjson)", opts.kind)
		}
		kind = k
	}

	stats, err := a.pipeline.Ingest(ctx, ingest.Request{
		SourceName:    opts.source,
		DefaultMetric: opts.metric,
		Filename:      filename,
		Strict:        opts.strict,
		Rows:          ingest.ReadRows(br, kind),
	})
	var rejected *ingest.RejectedError
	if errors.As(err, &rejected) {
		for _, row := range rejected.Rows {
			warn("row %d: %s", row.Index, row.Reason)
		}
	}
	if err != nil {
		return err
	}

	var res *rollup.Result
	if start, end, ok := stats.Days(); ok && opts.rollup {
		res, err = a.rollup.Run(ctx, rollup.Request{SourceID: stats.SourceID, Start: start, End: end})
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(map[string]any{"ingest": stats, "kind": kind, "rollup": res})
	}
	for _, w := range stats.Warnings {
		warn("%s", w)
	}
	success("ingested %d rows from %s as %s (skipped %d, duplicates %d, batch %s)",
		stats.IngestedRows, opts.path, kind, stats.SkippedRows, stats.Duplicates, stats.BatchID)
	if res != nil {
		success("rolled up %d daily rows from %s to %s", res.RowsUpserted, res.StartDate, res.EndDate)
	}
	return nil
}

func runRollup(ctx context.Context, series seriesFlags, days int, distinct string) error {
	start, end, err := parseDays(series)
	if err != nil {
		return err
	}
	if days > 0 {
		start, end = rollup.Window(time.Now(), days)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.rollup.Run(ctx, rollup.Request{
		SourceName:    series.source,
		Metric:        series.metric,
		Start:         start,
		End:           end,
		DistinctField: distinct,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	success("upserted %d daily rows from %d events over %d days (%s to %s)",
		res.RowsUpserted, res.RowsAggregated, res.NumDays, res.StartDate, res.EndDate)
	return nil
}

func dailyRequest(series seriesFlags, agg string, limit int) (rollup.DailyRequest, error) {
	start, end, err := parseDays(series)
	if err != nil {
		return rollup.DailyRequest{}, err
	}
	return rollup.DailyRequest{
		SourceName: series.source,
		Metric:     series.metric,
		Start:      start,
		End:        end,
		Agg:        rollup.Agg(agg),
		Limit:      limit,
	}, nil
}

func runDaily(ctx context.Context, series seriesFlags, agg string, limit int) error {
	req, err := dailyRequest(series, agg, limit)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := a.rollup.Daily(ctx, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no daily rows found (try ingesting data first: kpiradar ingest)")
		return nil
	}

	w := newTable(os.Stdout, "DATE\tMETRIC\tVALUE\tCOUNT\tSUM\tAVG")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%.4g\t%d\t%.4g\t%.4g\n",
			r.MetricDate, r.Metric, r.Value, r.ValueCount, r.ValueSum, r.ValueAvg)
	}
	return w.Flush()
}

func runExport(ctx context.Context, series seriesFlags, agg, out string) error {
	req, err := dailyRequest(series, agg, 0)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if out == "" {
		return a.rollup.ExportCSV(ctx, os.Stdout, req)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := a.rollup.ExportCSV(ctx, f, req); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	success("wrote %s", out)
	return nil
}

func runForecast(ctx context.Context, series seriesFlags, horizon int) error {
	_, end, err := parseDays(series)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.forecast.Run(ctx, forecast.Request{
		SourceName: series.source,
		Metric:     series.metric,
		Horizon:    horizon,
		EndDate:    end,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(run)
	}
	if len(run.Points) == 0 {
		fmt.Println("nothing to forecast")
		return nil
	}

	fmt.Printf("model %s, last observed %s\n\n", color.CyanString(run.ModelVersion), run.LastObserved)
	w := newTable(os.Stdout, "DATE\tYHAT\tLOWER\tUPPER")
	for _, p := range run.Points {
		fmt.Fprintf(w, "%s\t%.4g\t%.4g\t%.4g\n", p.TargetDate, p.Yhat, p.YhatLower, p.YhatUpper)
	}
	return w.Flush()
}

func runHealth(ctx context.Context, series seriesFlags, window, horizon int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if window == 0 {
		window = a.cfg.Forecast.HealthWindow
	}
	if horizon == 0 {
		horizon = a.cfg.Forecast.HealthHorizon
	}
	res, err := a.forecast.RefreshHealth(ctx, forecast.HealthRequest{
		SourceName: series.source,
		Metric:     series.metric,
		WindowN:    window,
		HorizonN:   horizon,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	if res.Insufficient {
		warn("only part of the %d+%d points exist; MAPE defaults to 100", res.WindowN, res.HorizonN)
	}
	success("%s/%s MAPE %.2f%% (train %s to %s)", res.SourceName, res.Metric, res.MAPE, res.TrainStart, res.TrainEnd)
	return nil
}

func runReliability(ctx context.Context, series seriesFlags, days, folds, horizon int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	req := reliability.Request{
		SourceName: series.source,
		Metric:     series.metric,
		Days:       days,
		Folds:      folds,
		Horizon:    horizon,
	}
	if req.Days == 0 {
		req.Days = a.cfg.Reliability.Days
	}
	if req.Folds == 0 {
		req.Folds = a.cfg.Reliability.Folds
	}
	if req.Horizon == 0 {
		req.Horizon = a.cfg.Reliability.Horizon
	}
	snap, err := a.reliability.Run(ctx, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(snap)
	}
	if len(snap.Folds) == 0 {
		return fmt.Errorf("backtest produced 0 folds; check the data window and --folds/--horizon")
	}

	fmt.Printf("score %s  MAPE %.2f%%  RMSE %.4g  sMAPE %.2f%%\n\n", scoreColor(snap.Score), snap.MAPE, snap.RMSE, snap.SMAPE)
	w := newTable(os.Stdout, "FOLD\tMAE\tRMSE\tMAPE\tSMAPE\tBIAS")
	for _, f := range snap.Folds {
		fmt.Fprintf(w, "%d\t%.4g\t%.4g\t%.2f\t%.2f\t%.4g\n", f.FoldIndex, f.MAE, f.RMSE, f.MAPE, f.SMAPE, f.Bias)
	}
	return w.Flush()
}

type anomalyOptions struct {
	series        seriesFlags
	detector      string
	field         string
	window        int
	threshold     float64
	contamination float64
	estimators    int
	seed          uint64
	outliersOnly  bool
}

func runAnomalies(ctx context.Context, opts anomalyOptions) error {
	start, end, err := parseDays(opts.series)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	field := opts.field
	if field == "" {
		field = a.cfg.Anomaly.Field
	}

	var points []anomaly.Point
	switch opts.detector {
	case "zscore":
		req := anomaly.ZScoreRequest{
			SourceName: opts.series.source,
			Metric:     opts.series.metric,
			Start:      start,
			End:        end,
			Window:     opts.window,
			Threshold:  opts.threshold,
			Field:      metric.ValueField(field),
		}
		if req.Window == 0 {
			req.Window = a.cfg.Anomaly.Window
		}
		if req.Threshold == 0 {
			req.Threshold = a.cfg.Anomaly.Threshold
		}
		points, err = a.anomaly.Rolling(ctx, req)
	case "iforest":
		req := anomaly.ForestRequest{
			SourceName:    opts.series.source,
			Metric:        opts.series.metric,
			Start:         start,
			End:           end,
			Contamination: opts.contamination,
			NEstimators:   opts.estimators,
			Seed:          opts.seed,
			Field:         metric.ValueField(field),
		}
		if req.Contamination == 0 {
			req.Contamination = a.cfg.Anomaly.Contamination
		}
		if req.NEstimators == 0 {
			req.NEstimators = a.cfg.Anomaly.NEstimators
		}
		if req.Seed == 0 {
			req.Seed = a.cfg.Anomaly.Seed
		}
		points, err = a.anomaly.IsolationForest(ctx, req)
	default:
		return fmt.Errorf("unknown detector %q (want zscore or iforest)", opts.detector)
	}
	if err != nil {
		return err
	}

	if opts.outliersOnly {
		flagged := points[:0]
		for _, p := range points {
			if p.IsOutlier {
				flagged = append(flagged, p)
			}
		}
		points = flagged
	}
	if jsonOutput {
		return printJSON(points)
	}

	w := newTable(os.Stdout, "DATE\tVALUE\tSCORE\tOUTLIER")
	for _, p := range points {
		score := "-"
		if p.Score != nil {
			score = fmt.Sprintf("%.3f", *p.Score)
		}
		outlier := ""
		if p.IsOutlier {
			outlier = color.RedString("yes")
		}
		fmt.Fprintf(w, "%s\t%.4g\t%s\t%s\n", p.Date, p.Value, score, outlier)
	}
	return w.Flush()
}

func runCollect(ctx context.Context, names []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	all, err := a.collectors()
	if err != nil {
		return err
	}
	collectors, err := selectCollectors(all, names)
	if err != nil {
		return err
	}
	if len(collectors) == 0 {
		fmt.Println("no collectors enabled (see collectors in config.yaml)")
		return nil
	}

	total := 0
	for _, c := range collectors {
		fmt.Fprintf(os.Stderr, "collecting from %s...\n", c.Name())
		stats, err := collect.Run(ctx, a.pipeline, c, a.log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  %s %v\n", errorPrefix(), err)
			continue
		}
		if start, end, ok := stats.Days(); ok {
			if _, err := a.rollup.Run(ctx, rollup.Request{SourceID: stats.SourceID, Start: start, End: end}); err != nil {
				fmt.Fprintf(os.Stderr, "  %s rollup: %v\n", errorPrefix(), err)
			}
		}
		fmt.Fprintf(os.Stderr, "  ingested %d rows (%d duplicates)\n", stats.IngestedRows, stats.Duplicates)
		total += stats.IngestedRows
	}

	fmt.Fprintf(os.Stderr, "\ntotal: %d rows from %d collectors\n", total, len(collectors))
	return nil
}

func (a *app) consumer() *stream.Consumer {
	kc := a.cfg.Kafka
	reader := stream.NewReader(stream.ReaderConfig{Brokers: kc.Brokers, Topic: kc.Topic, GroupID: kc.GroupID})
	return stream.NewConsumer(reader, a.store, a.pipeline, stream.Options{
		DefaultSource: kc.DefaultSource,
		BatchSize:     kc.BatchSize,
		FlushInterval: kc.ParseFlushInterval(),
		Logger:        a.log,
	})
}

func runConsume(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is not configured")
	}
	c := a.consumer()
	defer c.Close()
	return c.Run(ctx)
}

func runMigrate() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	version, dirty, err := a.store.MigrationVersion()
	if err != nil {
		return err
	}
	if dirty {
		warn("schema version %d is dirty", version)
		return nil
	}
	success("%s schema at version %d", a.store.Dialect().Name, version)
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return a.server(port).ListenAndServe(ctx)
}

// runDaemon runs the scheduler, the HTTP server and, when enabled, the stream consumer
// until the process is signalled or one of them fails.
func runDaemon(ctx context.Context, port int) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sched, closeLocker, err := a.scheduler()
	if err != nil {
		return err
	}
	defer closeLocker()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return a.server(port).ListenAndServe(ctx) })
	if a.cfg.Kafka.Enabled {
		c := a.consumer()
		defer c.Close()
		g.Go(func() error { return c.Run(ctx) })
	}

	a.log.Info("kpiradar running", zap.Int("port", port), zap.Bool("kafka", a.cfg.Kafka.Enabled))
	err = g.Wait()
	fmt.Fprintln(os.Stderr, "\nshutting down...")
	return err
}
