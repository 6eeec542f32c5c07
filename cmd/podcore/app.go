package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/accounts"
	"github.com/Harvey-AU/podcore/internal/cleaner"
	"github.com/Harvey-AU/podcore/internal/config"
	"github.com/Harvey-AU/podcore/internal/crawl"
	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/directory"
	"github.com/Harvey-AU/podcore/internal/feed"
	"github.com/Harvey-AU/podcore/internal/fetch"
	"github.com/Harvey-AU/podcore/internal/ingest"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/mail"
	"github.com/Harvey-AU/podcore/internal/notifications"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// app is the fully wired service: one database pool, the job store and
// every domain component registered against a frozen registry.
type app struct {
	cfg *config.Config

	db       *db.DB
	store    *queue.Store
	registry *jobs.Registry
	pool     *jobs.Pool

	ingester   *ingest.Ingester
	upgrader   *ingest.Upgrader
	reingester *ingest.Reingester
	planner    *crawl.Planner
	searcher   *directory.Searcher
	cleaner    *cleaner.Cleaner
	accounts   *accounts.Service
}

// openApp connects to Postgres, retrying while it starts, and wires the
// components. The caller must Close the app.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pg, err := db.ConnectWithRetry(ctx, &cfg.Database, db.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("Connected to PostgreSQL database")

	a, err := wire(cfg, pg)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, pg *db.DB) (*app, error) {
	store := queue.NewStore(pg.GetDB())

	fetcher := fetch.New(fetchConfig(cfg.Fetch))
	parser := feed.NewParser()
	ingester := ingest.New(pg.GetDB(), fetcher, parser)
	reingester := ingest.NewReingester(pg.GetDB(), parser, store, ingest.DefaultReingestPageSize)
	upgrader, err := ingest.NewUpgrader(pg.GetDB(), cfg.Fetch.UpgradeAllowed)
	if err != nil {
		return nil, fmt.Errorf("invalid upgrade allow-list: %w", err)
	}

	planner := crawl.NewPlanner(pg.GetDB(), crawl.NewSelector(pg.X(), cfg.Crawl), store)

	searcher := directory.NewSearcher(pg.X(),
		directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.Country, cfg.Fetch.Timeout),
		store, directoryConfig(cfg.Directory))
	resolver := directory.NewResolver(searcher, ingester)

	cl := cleaner.New(pg.GetDB(), store, cleanerConfig(cfg.Cleaner))

	mailer := mail.New(cfg.Mail.LoopsAPIKey, cfg.Mail.LoopsBaseURL)
	svc := accounts.NewService(pg.GetDB(), mailer, store, accounts.Config{
		VerificationTemplate: cfg.Mail.VerificationTemplate,
		VerificationCodeTTL:  cfg.Mail.VerificationCodeTTL,
	})

	registry := jobs.NewRegistry()
	jobs.RegisterNoOp(registry)
	ingest.Register(registry, ingester, upgrader, reingester)
	crawl.Register(registry, planner)
	directory.Register(registry, searcher, resolver)
	cleaner.Register(registry, cl)
	accounts.Register(registry, svc)
	registry.Freeze()

	var opts []jobs.Option
	if cfg.Slack.Token != "" && cfg.Slack.ChannelID != "" {
		opts = append(opts, jobs.WithAlerter(notifications.NewSlackAlerter(cfg.Slack.Token, cfg.Slack.ChannelID, cfg.AppURL)))
	}
	pool := jobs.NewPool(jobs.StoreSource(store), registry, cfg.Worker, opts...)

	return &app{
		cfg:        cfg,
		db:         pg,
		store:      store,
		registry:   registry,
		pool:       pool,
		ingester:   ingester,
		upgrader:   upgrader,
		reingester: reingester,
		planner:    planner,
		searcher:   searcher,
		cleaner:    cl,
		accounts:   svc,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// recurringJobs maps the schedule section onto cron entries.
func recurringJobs(s config.ScheduleConfig) []jobs.Recurring {
	return []jobs.Recurring{
		{Name: jobs.KindScheduleCrawls, Spec: s.ScheduleCrawls, Args: jobs.ScheduleCrawlsArgs{}},
		{Name: jobs.KindUpgradeFeedLocations, Spec: s.UpgradeFeedLocations, Args: jobs.NoArgs{}},
		{Name: jobs.KindCleanAccounts, Spec: s.CleanAccounts, Args: jobs.NoArgs{}},
		{Name: jobs.KindCleanFeedContents, Spec: s.CleanFeedContents, Args: jobs.NoArgs{}},
		{Name: jobs.KindCleanDirectorySearches, Spec: s.CleanDirectorySearches, Args: jobs.NoArgs{}},
		{Name: jobs.KindCleanKeys, Spec: s.CleanKeys, Args: jobs.NoArgs{}},
		{Name: jobs.KindCleanDirectoryPodcasts, Spec: s.CleanDirectoryPodcasts, Args: jobs.NoArgs{}},
	}
}

func fetchConfig(c config.FetchConfig) fetch.Config {
	return fetch.Config{
		Timeout:      c.Timeout,
		UserAgent:    c.UserAgent,
		MaxBodyBytes: c.MaxBodyBytes,
		Limiter: fetch.LimiterConfig{
			Rate:  c.HostRate,
			Burst: c.HostBurst,
		},
	}
}

func directoryConfig(c config.DirectoryConfig) directory.Config {
	return directory.Config{
		Directory: directory.ITunes,
		Freshness: c.Freshness,
		MaxRank:   c.MaxRank,
	}
}

func cleanerConfig(c config.CleanerConfig) cleaner.Config {
	return cleaner.Config{
		AccountRetention:         c.AccountRetention,
		DirectorySearchRetention: c.DirectorySearchRetention,
		KeyRetention:             c.KeyRetention,
		FeedContentsKeep:         c.FeedContentsKeep,
		BatchLimit:               c.BatchLimit,
	}
}
