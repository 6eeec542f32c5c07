package main

import (
	"context"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Harvey-AU/podcore/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand. cfg is filled in by the
// root command's pre-run hook.
type cli struct {
	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "podcore",
		Short:         "Podcast feed crawler and job runner",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.LogLevel = "debug"
			}
			c.cfg = cfg
			setupLogging(cfg)
			initSentry(cfg)
			return nil
		},
	}
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(
		c.workCommand(),
		c.crawlCommand(),
		c.cleanCommand(),
		c.searchCommand(),
		c.addCommand(),
		c.upgradeCommand(),
		c.reingestCommand(),
		c.enqueueCommand(),
		c.liveCommand("disable", false),
		c.liveCommand("enable", true),
		c.failingCommand(),
		c.migrateCommand(),
		c.tokenCommand(),
	)
	return root
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).
		With().
		Timestamp().
		Str("service", "podcore").
		Logger()
}

func initSentry(cfg *config.Config) {
	if cfg.Sentry.DSN == "" {
		log.Debug().Msg("Sentry DSN not configured, error tracking disabled")
		return
	}

	sampleRate := cfg.Sentry.TracesSampleRate
	if !cfg.IsProduction() {
		sampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Env,
		Release:          version,
		TracesSampleRate: sampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise Sentry")
		return
	}
	log.Info().Str("environment", cfg.Env).Msg("Sentry initialised")
}
