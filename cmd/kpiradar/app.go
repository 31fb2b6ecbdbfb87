package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/elonfeng/kpiradar/internal/config"
	"github.com/elonfeng/kpiradar/internal/logging"
	"github.com/elonfeng/kpiradar/internal/scheduler"
	"github.com/elonfeng/kpiradar/internal/store"
	"github.com/elonfeng/kpiradar/pkg/alert"
	"github.com/elonfeng/kpiradar/pkg/anomaly"
	"github.com/elonfeng/kpiradar/pkg/collect"
	"github.com/elonfeng/kpiradar/pkg/forecast"
	"github.com/elonfeng/kpiradar/pkg/ingest"
	"github.com/elonfeng/kpiradar/pkg/metric"
	"github.com/elonfeng/kpiradar/pkg/reliability"
	"github.com/elonfeng/kpiradar/pkg/rollup"
	"github.com/elonfeng/kpiradar/pkg/sealer"
	"github.com/elonfeng/kpiradar/pkg/server"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the opened store and the stages built on it.
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *store.SQLStore
	pipeline    *ingest.Pipeline
	rollup      *rollup.Aggregator
	forecast    *forecast.Engine
	reliability *reliability.Backtester
	anomaly     *anomaly.Service
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	opts := store.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
		Logger: log,
	}
	if cfg.Ingest.EncryptionKey != "" {
		box, err := sealer.New(append([]string{cfg.Ingest.EncryptionKey}, cfg.Ingest.PreviousKeys...)...)
		if err != nil {
			return nil, err
		}
		opts.Sealer = box
	}
	db, err := store.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:   cfg,
		log:   log,
		store: db,
		pipeline: ingest.New(db, ingest.Options{
			BatchSize:   cfg.Ingest.BatchSize,
			MaxWarnings: cfg.Ingest.MaxWarnings,
			Logger:      log,
		}),
		rollup: rollup.New(db, log),
		forecast: forecast.New(db, forecast.Options{
			Horizon:    cfg.Forecast.Horizon,
			MinHistory: cfg.Forecast.MinHistory,
			Seasonal:   cfg.Forecast.Seasonal,
			Logger:     log,
		}),
		reliability: reliability.New(db, log),
		anomaly:     anomaly.NewService(db, log),
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	_ = a.log.Sync()
}

func (a *app) server(port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(server.Deps{
		Store:       a.store,
		Pipeline:    a.pipeline,
		Rollup:      a.rollup,
		Forecast:    a.forecast,
		Reliability: a.reliability,
		Anomaly:     a.anomaly,
	}, server.Options{Port: port, HSTS: a.cfg.Server.HSTS, Logger: a.log})
}

// collectors builds every enabled collector, each behind its own circuit breaker.
func (a *app) collectors() ([]collect.Collector, error) {
	cc := a.cfg.Collectors
	filter := collect.NewFilter(cc.Filter.Keywords, cc.Filter.ExcludeKeywords)
	var out []collect.Collector

	if cc.HackerNews.Enabled {
		out = append(out, collect.NewHackerNews(collect.HackerNewsOptions{
			Source: cc.HackerNews.Source,
			Limit:  cc.HackerNews.Limit,
			Filter: filter,
		}))
	}
	if cc.GitHub.Enabled {
		out = append(out, collect.NewGitHub(collect.GitHubOptions{
			Source: cc.GitHub.Source,
			Token:  cc.GitHub.Token,
			Repos:  cc.GitHub.Repos,
		}))
	}
	if cc.RSS.Enabled {
		feeds := make([]collect.Feed, len(cc.RSS.Feeds))
		for i, f := range cc.RSS.Feeds {
			feeds[i] = collect.Feed{Name: f.Name, URL: f.URL, Metric: f.Metric}
		}
		out = append(out, collect.NewRSS(cc.RSS.Source, feeds, filter, a.log))
	}
	for _, h := range cc.HTTP {
		c, err := collect.NewHTTPJSON(collect.HTTPJSONOptions{
			Name:       h.Name,
			Source:     h.Source,
			URL:        h.URL,
			Headers:    h.Headers,
			Expression: h.Expression,
			Metric:     h.Metric,
		})
		if err != nil {
			return nil, fmt.Errorf("collector %s: %w", h.Name, err)
		}
		out = append(out, c)
	}

	breaker := collect.BreakerOptions{Failures: cc.Breaker.Failures, Cooldown: cc.Breaker.ParseCooldown()}
	for i, c := range out {
		out[i] = collect.WithBreaker(c, breaker, a.log)
	}
	return out, nil
}

// selectCollectors keeps the collectors whose name or source is in names. Empty names keeps all.
func selectCollectors(all []collect.Collector, names []string) ([]collect.Collector, error) {
	if len(names) == 0 {
		return all, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(strings.TrimSpace(n))] = true
	}
	var out []collect.Collector
	for _, c := range all {
		if wanted[strings.ToLower(c.Name())] || wanted[strings.ToLower(c.Source())] {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no matching collectors for: %s", strings.Join(names, ", "))
	}
	return out, nil
}

func (a *app) alerts() *alert.Manager {
	ac := a.cfg.Alerts
	var notifiers []alert.Notifier
	if ac.Slack.Enabled && ac.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(ac.Slack.WebhookURL))
	}
	if ac.Discord.Enabled && ac.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(ac.Discord.WebhookURL))
	}
	if ac.Webhook.Enabled && ac.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(ac.Webhook.URL, ac.Webhook.Secret))
	}
	return alert.NewManager(notifiers...)
}

// scheduler wires the periodic jobs. The returned close func releases the redis client, if any.
func (a *app) scheduler() (*scheduler.Scheduler, func(), error) {
	collectors, err := a.collectors()
	if err != nil {
		return nil, nil, err
	}

	var locker scheduler.Locker = scheduler.NopLocker{}
	closeFn := func() {}
	if a.cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		locker = scheduler.NewRedisLocker(rdb, "kpiradar:lock:")
		closeFn = func() { _ = rdb.Close() }
		a.log.Info("job locks backed by redis", zap.String("addr", a.cfg.Redis.Addr))
	}

	sc := a.cfg.Schedule
	field := metric.ValueField(a.cfg.Anomaly.Field)
	sched := scheduler.New(scheduler.Deps{
		Store:       a.store,
		Ingester:    a.pipeline,
		Collectors:  collectors,
		Rollup:      a.rollup,
		Forecast:    a.forecast,
		Reliability: a.reliability,
		Anomaly:     a.anomaly,
		Alerts:      a.alerts(),
		Locker:      locker,
		Logger:      a.log,
	}, scheduler.Options{
		CollectInterval:      sc.ParseCollectInterval(),
		RollupInterval:       sc.ParseRollupInterval(),
		RetrainInterval:      sc.ParseRetrainInterval(),
		AnomalyInterval:      sc.ParseAnomalyInterval(),
		HousekeepingInterval: sc.ParseHousekeepingInterval(),
		RollupDays:           sc.RollupDays,
		Concurrency:          sc.Concurrency,
		LockTTL:              a.cfg.Redis.ParseLockTTL(),
		Health: forecast.HealthRequest{
			WindowN:  a.cfg.Forecast.HealthWindow,
			HorizonN: a.cfg.Forecast.HealthHorizon,
		},
		Reliability: reliability.Request{
			Days:    a.cfg.Reliability.Days,
			Folds:   a.cfg.Reliability.Folds,
			Horizon: a.cfg.Reliability.Horizon,
		},
		Detector: a.cfg.Alerts.Detector,
		ZScore: anomaly.ZScoreRequest{
			Window:    a.cfg.Anomaly.Window,
			Threshold: a.cfg.Anomaly.Threshold,
			Field:     field,
		},
		Forest: anomaly.ForestRequest{
			Contamination: a.cfg.Anomaly.Contamination,
			NEstimators:   a.cfg.Anomaly.NEstimators,
			Seed:          a.cfg.Anomaly.Seed,
			Field:         field,
		},
		ScanDays: a.cfg.Anomaly.ScanDays,
	})
	return sched, closeFn, nil
}
