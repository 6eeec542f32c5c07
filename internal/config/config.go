// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Harvey-AU/podcore/internal/crawl"
	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/jobs"
)

// defaultMaxOpenConns matches the pool size db.New falls back to.
const defaultMaxOpenConns = 25

// EnvPrefix is accepted in front of every variable, e.g. PODCORE_LOG_LEVEL.
const EnvPrefix = "PODCORE"

type Config struct {
	Env      string
	LogLevel string
	AppURL   string

	Database      db.Config
	Worker        jobs.Config
	Schedule      ScheduleConfig
	Crawl         crawl.Config
	Cleaner       CleanerConfig
	Directory     DirectoryConfig
	Fetch         FetchConfig
	Ops           OpsConfig
	Observability ObservabilityConfig
	Sentry        SentryConfig
	Slack         SlackConfig
	Mail          MailConfig
}

// ScheduleConfig holds cron specs for recurring jobs. "off" disables one.
type ScheduleConfig struct {
	ScheduleCrawls         string
	UpgradeFeedLocations   string
	CleanAccounts          string
	CleanFeedContents      string
	CleanDirectorySearches string
	CleanKeys              string
	CleanDirectoryPodcasts string
}

type CleanerConfig struct {
	AccountRetention         time.Duration
	DirectorySearchRetention time.Duration
	KeyRetention             time.Duration
	FeedContentsKeep         int
	BatchLimit               int
}

type DirectoryConfig struct {
	BaseURL   string
	Freshness time.Duration
	MaxRank   int
	Country   string
}

type FetchConfig struct {
	Timeout        time.Duration
	UserAgent      string
	HostRate       float64
	HostBurst      int
	MaxBodyBytes   int
	UpgradeAllowed []string
}

type OpsConfig struct {
	Port      string
	JWTSecret string
	RateLimit float64
}

type ObservabilityConfig struct {
	Enabled      bool
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool
}

type SentryConfig struct {
	DSN              string
	TracesSampleRate float64
}

type SlackConfig struct {
	Token     string
	ChannelID string
}

type MailConfig struct {
	LoopsAPIKey          string
	LoopsBaseURL         string
	VerificationTemplate string
	VerificationCodeTTL  time.Duration
}

// defaults maps each viper key to its default. Every key is also bound to
// its upper-case environment name, with and without the PODCORE_ prefix.
var defaults = map[string]any{
	"app_env":   "development",
	"log_level": "info",
	"app_url":   "http://localhost:8080",

	"database_url":            "",
	"postgres_host":           "localhost",
	"postgres_port":           "5432",
	"postgres_user":           "postgres",
	"postgres_password":       "",
	"postgres_db":             "podcore",
	"postgres_ssl_mode":       "disable",
	"db.max_open_conns":       defaultMaxOpenConns,
	"db.max_idle_conns":       10,
	"db.max_lifetime":         20 * time.Minute,
	"db.statement_timeout_ms": 60000,
	"db.application_name":     "podcore",

	"worker.concurrency":       4,
	"worker.batch_size":        10,
	"worker.poll_interval":     time.Second,
	"worker.max_poll_interval": 30 * time.Second,
	"worker.job_timeout":       5 * time.Minute,
	"worker.error_threshold":   10,

	"schedule.schedule_crawls":          "@every 5m",
	"schedule.upgrade_feed_locations":   "off",
	"schedule.clean_accounts":           "@hourly",
	"schedule.clean_feed_contents":      "@hourly",
	"schedule.clean_directory_searches": "@hourly",
	"schedule.clean_keys":               "@hourly",
	"schedule.clean_directory_podcasts": "@hourly",

	"crawl.short_interval": time.Hour,
	"crawl.long_interval":  7 * 24 * time.Hour,
	"crawl.active_window":  30 * 24 * time.Hour,
	"crawl.jitter_window":  15 * time.Minute,
	"crawl.batch_limit":    100,

	"cleaner.account_retention":          7 * 24 * time.Hour,
	"cleaner.directory_search_retention": 24 * time.Hour,
	"cleaner.key_retention":              24 * time.Hour,
	"cleaner.feed_contents_keep":         10,
	"cleaner.batch_limit":                1000,

	"directory.base_url":  "https://itunes.apple.com",
	"directory.freshness": time.Hour,
	"directory.max_rank":  1000,
	"directory.country":   "US",

	"fetch.timeout":         30 * time.Second,
	"fetch.user_agent":      "podcore/1.0 (+https://github.com/Harvey-AU/podcore)",
	"fetch.host_rate":       2.0,
	"fetch.host_burst":      2,
	"fetch.max_body_bytes":  20 << 20,
	"fetch.upgrade_allowed": []string{},

	"ops.port":       "8080",
	"ops_jwt_secret": "",
	"ops.rate_limit": 20.0,

	"otel_enabled":                "false",
	"otel_exporter_otlp_endpoint": "",
	"otel_exporter_otlp_headers":  "",
	"otel_exporter_otlp_insecure": false,

	"sentry_dsn":                "",
	"sentry_traces_sample_rate": 0.1,

	"slack_bot_token":        "",
	"slack_alert_channel_id": "",

	"loops_api_key":               "",
	"loops_base_url":              "https://app.loops.so/api/v1",
	"loops_verification_template": "",
	"mail.verification_code_ttl":  24 * time.Hour,
}

// Load reads .env.local and .env (when present) and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	return FromViper(NewViper())
}

// NewViper returns a viper instance with every key defaulted and bound.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		env := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, EnvPrefix+"_"+env, env)
	}
	return v
}

// FromViper builds a Config from v and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:      v.GetString("app_env"),
		LogLevel: v.GetString("log_level"),
		AppURL:   v.GetString("app_url"),

		Database: db.Config{
			DatabaseURL:  v.GetString("database_url"),
			Host:         v.GetString("postgres_host"),
			Port:         v.GetString("postgres_port"),
			User:         v.GetString("postgres_user"),
			Password:     v.GetString("postgres_password"),
			Database:     v.GetString("postgres_db"),
			SSLMode:      v.GetString("postgres_ssl_mode"),
			MaxOpenConns: v.GetInt("db.max_open_conns"),
			MaxIdleConns: v.GetInt("db.max_idle_conns"),
			MaxLifetime:  v.GetDuration("db.max_lifetime"),
			StatementMs:  v.GetInt("db.statement_timeout_ms"),
			AppName:      v.GetString("db.application_name"),
		},

		Worker: jobs.Config{
			Concurrency:     v.GetInt("worker.concurrency"),
			BatchSize:       v.GetInt("worker.batch_size"),
			PollInterval:    v.GetDuration("worker.poll_interval"),
			MaxPollInterval: v.GetDuration("worker.max_poll_interval"),
			JobTimeout:      v.GetDuration("worker.job_timeout"),
			ErrorThreshold:  v.GetInt("worker.error_threshold"),
		},

		Schedule: ScheduleConfig{
			ScheduleCrawls:         v.GetString("schedule.schedule_crawls"),
			UpgradeFeedLocations:   v.GetString("schedule.upgrade_feed_locations"),
			CleanAccounts:          v.GetString("schedule.clean_accounts"),
			CleanFeedContents:      v.GetString("schedule.clean_feed_contents"),
			CleanDirectorySearches: v.GetString("schedule.clean_directory_searches"),
			CleanKeys:              v.GetString("schedule.clean_keys"),
			CleanDirectoryPodcasts: v.GetString("schedule.clean_directory_podcasts"),
		},

		Crawl: crawl.Config{
			ShortInterval: v.GetDuration("crawl.short_interval"),
			LongInterval:  v.GetDuration("crawl.long_interval"),
			ActiveWindow:  v.GetDuration("crawl.active_window"),
			JitterWindow:  v.GetDuration("crawl.jitter_window"),
			BatchLimit:    v.GetInt("crawl.batch_limit"),
		},

		Cleaner: CleanerConfig{
			AccountRetention:         v.GetDuration("cleaner.account_retention"),
			DirectorySearchRetention: v.GetDuration("cleaner.directory_search_retention"),
			KeyRetention:             v.GetDuration("cleaner.key_retention"),
			FeedContentsKeep:         v.GetInt("cleaner.feed_contents_keep"),
			BatchLimit:               v.GetInt("cleaner.batch_limit"),
		},

		Directory: DirectoryConfig{
			BaseURL:   v.GetString("directory.base_url"),
			Freshness: v.GetDuration("directory.freshness"),
			MaxRank:   v.GetInt("directory.max_rank"),
			Country:   v.GetString("directory.country"),
		},

		Fetch: FetchConfig{
			Timeout:        v.GetDuration("fetch.timeout"),
			UserAgent:      v.GetString("fetch.user_agent"),
			HostRate:       v.GetFloat64("fetch.host_rate"),
			HostBurst:      v.GetInt("fetch.host_burst"),
			MaxBodyBytes:   v.GetInt("fetch.max_body_bytes"),
			UpgradeAllowed: splitList(v.GetStringSlice("fetch.upgrade_allowed")),
		},

		Ops: OpsConfig{
			Port:      v.GetString("ops.port"),
			JWTSecret: v.GetString("ops_jwt_secret"),
			RateLimit: v.GetFloat64("ops.rate_limit"),
		},

		Observability: ObservabilityConfig{
			Enabled:      parseBool(v.GetString("otel_enabled")),
			OTLPEndpoint: v.GetString("otel_exporter_otlp_endpoint"),
			OTLPHeaders:  parseHeaders(v.GetString("otel_exporter_otlp_headers")),
			OTLPInsecure: v.GetBool("otel_exporter_otlp_insecure"),
		},

		Sentry: SentryConfig{
			DSN:              v.GetString("sentry_dsn"),
			TracesSampleRate: v.GetFloat64("sentry_traces_sample_rate"),
		},

		Slack: SlackConfig{
			Token:     v.GetString("slack_bot_token"),
			ChannelID: v.GetString("slack_alert_channel_id"),
		},

		Mail: MailConfig{
			LoopsAPIKey:          v.GetString("loops_api_key"),
			LoopsBaseURL:         v.GetString("loops_base_url"),
			VerificationTemplate: v.GetString("loops_verification_template"),
			VerificationCodeTTL:  v.GetDuration("mail.verification_code_ttl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	var errs []error

	if c.Crawl.ShortInterval <= 0 || c.Crawl.LongInterval < c.Crawl.ShortInterval {
		errs = append(errs, fmt.Errorf("crawl intervals: short %s must be positive and not exceed long %s",
			c.Crawl.ShortInterval, c.Crawl.LongInterval))
	}
	if c.Crawl.JitterWindow < 0 {
		errs = append(errs, fmt.Errorf("crawl jitter window must not be negative"))
	}
	if c.Directory.MaxRank <= 0 || c.Directory.MaxRank > 1000 {
		errs = append(errs, fmt.Errorf("directory max rank %d must be between 1 and 1000", c.Directory.MaxRank))
	}
	if c.Cleaner.FeedContentsKeep < 1 {
		errs = append(errs, fmt.Errorf("cleaner must keep at least one feed content per podcast"))
	}
	if c.Fetch.HostRate <= 0 {
		errs = append(errs, fmt.Errorf("fetch host rate must be positive"))
	}
	conns := c.Database.MaxOpenConns
	if conns == 0 {
		conns = defaultMaxOpenConns
	}
	if need := c.MinOpenConns(); conns < need {
		errs = append(errs, fmt.Errorf("db max open conns %d must be at least %d for worker concurrency %d",
			conns, need, c.workerConcurrency()))
	}
	if c.IsProduction() && c.Ops.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("OPS_JWT_SECRET is required in production"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// MinOpenConns is the smallest connection pool the worker pool can run on.
// Every executor holds one connection for its claim and its running handler
// needs another; one more is left for the scheduler and the ops API.
func (c *Config) MinOpenConns() int {
	return 2*c.workerConcurrency() + 1
}

func (c *Config) workerConcurrency() int {
	if c.Worker.Concurrency > 0 {
		return c.Worker.Concurrency
	}
	return jobs.DefaultConfig().Concurrency
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// parseHeaders reads the OTLP "k1=v1,k2=v2" header format.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}

// splitList flattens comma separated entries, since env values arrive as a
// single string.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
