package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	jsonOutput bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorPrefix(), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kpiradar",
		Short:         "Ingest KPI events, roll them up daily, forecast and flag anomalies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	root.AddCommand(ingestCmd())
	root.AddCommand(rollupCmd())
	root.AddCommand(dailyCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(forecastCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(reliabilityCmd())
	root.AddCommand(anomaliesCmd())
	root.AddCommand(collectCmd())
	root.AddCommand(consumeCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

// seriesFlags are the flags that select one stored series.
type seriesFlags struct {
	source string
	metric string
	start  string
	end    string
}

func (f *seriesFlags) register(cmd *cobra.Command, metricRequired bool) {
	cmd.Flags().StringVar(&f.source, "source", "", "source name")
	cmd.Flags().StringVar(&f.metric, "metric", "", "metric name")
	cmd.Flags().StringVar(&f.start, "start", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.end, "end", "", "last date, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("source")
	if metricRequired {
		_ = cmd.MarkFlagRequired("metric")
	}
}

func ingestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest a CSV, JSON or NDJSON file (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.path = args[0]
			return runIngest(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "source name")
	cmd.Flags().StringVar(&opts.metric, "metric", "events_total", "metric for rows without one")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "payload kind: csv, json or ndjson (default: detected)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "reject the whole file if any row is invalid")
	cmd.Flags().BoolVar(&opts.rollup, "rollup", true, "recompute daily aggregates for the ingested days")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func rollupCmd() *cobra.Command {
	var (
		series   seriesFlags
		days     int
		distinct string
	)

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Recompute daily aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollup(cmd.Context(), series, days, distinct)
		},
	}

	cmd.Flags().StringVar(&series.source, "source", "", "source name (default: all sources)")
	cmd.Flags().StringVar(&series.metric, "metric", "", "metric name (default: all metrics)")
	cmd.Flags().StringVar(&series.start, "start", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&series.end, "end", "", "last date, YYYY-MM-DD")
	cmd.Flags().IntVar(&days, "days", 0, "recompute the trailing N days instead of --start/--end")
	cmd.Flags().StringVar(&distinct, "distinct-field", "", "also count distinct values of this field")
	return cmd
}

func dailyCmd() *cobra.Command {
	var (
		series seriesFlags
		agg    string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Show stored daily aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaily(cmd.Context(), series, agg, limit)
		},
	}

	series.register(cmd, false)
	cmd.Flags().StringVar(&agg, "agg", "sum", "value column: sum, avg or count")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows to show")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		series seriesFlags
		agg    string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export daily aggregates as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), series, agg, out)
		},
	}

	series.register(cmd, false)
	cmd.Flags().StringVar(&agg, "agg", "sum", "value column: sum, avg or count")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func forecastCmd() *cobra.Command {
	var (
		series  seriesFlags
		horizon int
	)

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast a series and show the next days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForecast(cmd.Context(), series, horizon)
		},
	}

	series.register(cmd, true)
	cmd.Flags().IntVar(&horizon, "horizon", 0, "days to forecast (default: from config)")
	return cmd
}

func healthCmd() *cobra.Command {
	var (
		series  seriesFlags
		window  int
		horizon int
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Refresh the holdout health score of a series",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), series, window, horizon)
		},
	}

	series.register(cmd, true)
	cmd.Flags().IntVar(&window, "window", 0, "training points (default: from config)")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "holdout points (default: from config)")
	return cmd
}

func reliabilityCmd() *cobra.Command {
	var (
		series  seriesFlags
		days    int
		folds   int
		horizon int
	)

	cmd := &cobra.Command{
		Use:   "reliability",
		Short: "Backtest a series and store a reliability snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReliability(cmd.Context(), series, days, folds, horizon)
		},
	}

	series.register(cmd, true)
	cmd.Flags().IntVar(&days, "days", 0, "trailing days to backtest (default: from config)")
	cmd.Flags().IntVar(&folds, "folds", 0, "number of folds (default: from config)")
	cmd.Flags().IntVar(&horizon, "horizon", 0, "days per fold (default: from config)")
	return cmd
}

func anomaliesCmd() *cobra.Command {
	var opts anomalyOptions

	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Score a series for anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnomalies(cmd.Context(), opts)
		},
	}

	opts.series.register(cmd, true)
	cmd.Flags().StringVar(&opts.detector, "detector", "zscore", "detector: zscore or iforest")
	cmd.Flags().StringVar(&opts.field, "field", "", "value field (default: from config)")
	cmd.Flags().IntVar(&opts.window, "window", 0, "z-score window")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "z-score threshold")
	cmd.Flags().Float64Var(&opts.contamination, "contamination", 0, "isolation forest contamination")
	cmd.Flags().IntVar(&opts.estimators, "n-estimators", 0, "isolation forest trees")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "isolation forest seed (default: from config)")
	cmd.Flags().BoolVar(&opts.outliersOnly, "outliers", false, "show only flagged points")
	return cmd
}

func collectCmd() *cobra.Command {
	var names []string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the configured collectors once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), names)
		},
	}

	cmd.Flags().StringSliceVar(&names, "collector", nil, "specific collectors or sources (e.g., hackernews,feeds)")
	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume metric rows from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler, stream consumer and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
