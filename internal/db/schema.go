package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

type schemaStep struct {
	name string
	sql  string
}

// schemaSteps are applied in order. Parents come before children so that
// foreign keys resolve.
var schemaSteps = []schemaStep{
	{"account", `
		CREATE TABLE IF NOT EXISTS account (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			email TEXT,
			password_hash TEXT,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			ephemeral BOOLEAN NOT NULL,
			last_ip TEXT NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			mobile BOOLEAN NOT NULL DEFAULT FALSE,
			CONSTRAINT account_ephemeral_or_persistent CHECK (
				(ephemeral AND email IS NULL AND password_hash IS NULL)
				OR (NOT ephemeral AND email IS NOT NULL AND password_hash IS NOT NULL)
			)
		)`},
	{"account_email_index", `
		CREATE UNIQUE INDEX IF NOT EXISTS account_email_idx ON account (lower(email)) WHERE email IS NOT NULL`},
	{"key", `
		CREATE TABLE IF NOT EXISTS key (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES account (id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expire_at TIMESTAMPTZ,
			secret TEXT NOT NULL UNIQUE
		)`},
	{"verification_code", `
		CREATE TABLE IF NOT EXISTS verification_code (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES account (id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			code TEXT NOT NULL UNIQUE,
			sent_at TIMESTAMPTZ,
			used_at TIMESTAMPTZ
		)`},
	{"podcast", `
		CREATE TABLE IF NOT EXISTS podcast (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			link_url TEXT,
			image_url TEXT,
			language TEXT,
			description TEXT,
			last_retrieved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"podcast_feed_location", `
		CREATE TABLE IF NOT EXISTS podcast_feed_location (
			id BIGSERIAL PRIMARY KEY,
			podcast_id BIGINT NOT NULL REFERENCES podcast (id),
			feed_url TEXT NOT NULL,
			first_retrieved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_retrieved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (podcast_id, feed_url)
		)`},
	{"podcast_feed_location_url_index", `
		CREATE INDEX IF NOT EXISTS podcast_feed_location_url_idx ON podcast_feed_location (feed_url)`},
	{"podcast_feed_content", `
		CREATE TABLE IF NOT EXISTS podcast_feed_content (
			id BIGSERIAL PRIMARY KEY,
			podcast_id BIGINT NOT NULL REFERENCES podcast (id),
			retrieved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sha256_hash TEXT NOT NULL CHECK (char_length(sha256_hash) = 64),
			content_gzip BYTEA NOT NULL,
			UNIQUE (podcast_id, sha256_hash)
		)`},
	{"podcast_exception", `
		CREATE TABLE IF NOT EXISTS podcast_exception (
			id BIGSERIAL PRIMARY KEY,
			podcast_id BIGINT NOT NULL UNIQUE REFERENCES podcast (id),
			errors TEXT[] NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"episode", `
		CREATE TABLE IF NOT EXISTS episode (
			id BIGSERIAL PRIMARY KEY,
			podcast_id BIGINT NOT NULL REFERENCES podcast (id),
			guid TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			explicit BOOLEAN,
			link_url TEXT,
			media_type TEXT,
			media_url TEXT NOT NULL,
			published_at TIMESTAMPTZ NOT NULL,
			UNIQUE (podcast_id, guid)
		)`},
	{"account_podcast", `
		CREATE TABLE IF NOT EXISTS account_podcast (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES account (id),
			podcast_id BIGINT NOT NULL REFERENCES podcast (id),
			subscribed_at TIMESTAMPTZ,
			unsubscribed_at TIMESTAMPTZ,
			UNIQUE (account_id, podcast_id)
		)`},
	{"account_podcast_episode", `
		CREATE TABLE IF NOT EXISTS account_podcast_episode (
			id BIGSERIAL PRIMARY KEY,
			account_podcast_id BIGINT NOT NULL REFERENCES account_podcast (id),
			episode_id BIGINT NOT NULL REFERENCES episode (id),
			favorited BOOLEAN NOT NULL DEFAULT FALSE,
			listened_seconds BIGINT,
			played BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_podcast_id, episode_id)
		)`},
	{"directory", `
		CREATE TABLE IF NOT EXISTS directory (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`},
	{"directory_seed", `
		INSERT INTO directory (name) VALUES ('Apple iTunes') ON CONFLICT (name) DO NOTHING`},
	{"directory_search", `
		CREATE TABLE IF NOT EXISTS directory_search (
			id BIGSERIAL PRIMARY KEY,
			directory_id BIGINT NOT NULL REFERENCES directory (id),
			query TEXT NOT NULL,
			retrieved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"directory_search_lookup_index", `
		CREATE INDEX IF NOT EXISTS directory_search_lookup_idx ON directory_search (directory_id, query, retrieved_at DESC)`},
	{"directory_podcast", `
		CREATE TABLE IF NOT EXISTS directory_podcast (
			id BIGSERIAL PRIMARY KEY,
			directory_id BIGINT NOT NULL REFERENCES directory (id),
			vendor_id TEXT NOT NULL,
			feed_url TEXT,
			podcast_id BIGINT REFERENCES podcast (id),
			title TEXT NOT NULL,
			image_url TEXT,
			UNIQUE (directory_id, vendor_id)
		)`},
	{"directory_podcast_directory_search", `
		CREATE TABLE IF NOT EXISTS directory_podcast_directory_search (
			id BIGSERIAL PRIMARY KEY,
			directory_podcast_id BIGINT NOT NULL REFERENCES directory_podcast (id),
			directory_search_id BIGINT NOT NULL REFERENCES directory_search (id),
			position INTEGER NOT NULL CHECK (position >= 0 AND position < 1000),
			UNIQUE (directory_search_id, position)
		)`},
	{"directory_podcast_exception", `
		CREATE TABLE IF NOT EXISTS directory_podcast_exception (
			id BIGSERIAL PRIMARY KEY,
			directory_podcast_id BIGINT NOT NULL UNIQUE REFERENCES directory_podcast (id),
			errors TEXT[] NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"job", `
		CREATE TABLE IF NOT EXISTS job (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			args JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			live BOOLEAN NOT NULL DEFAULT TRUE,
			num_errors INTEGER NOT NULL DEFAULT 0 CHECK (num_errors >= 0),
			try_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"job_due_index", `
		CREATE INDEX IF NOT EXISTS job_due_idx ON job (try_at) WHERE live`},
	{"job_name_index", `
		CREATE INDEX IF NOT EXISTS job_name_idx ON job (name) WHERE live`},
	{"job_exception", `
		CREATE TABLE IF NOT EXISTS job_exception (
			id BIGSERIAL PRIMARY KEY,
			job_id BIGINT NOT NULL UNIQUE REFERENCES job (id) ON DELETE CASCADE,
			errors TEXT[] NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
}

// tablesInDropOrder lists every table child-first.
var tablesInDropOrder = []string{
	"job_exception",
	"job",
	"directory_podcast_exception",
	"directory_podcast_directory_search",
	"directory_podcast",
	"directory_search",
	"directory",
	"account_podcast_episode",
	"account_podcast",
	"episode",
	"podcast_exception",
	"podcast_feed_content",
	"podcast_feed_location",
	"podcast",
	"verification_code",
	"key",
	"account",
}

// Migrate creates any missing tables and indexes. It is safe to run on
// every start.
func (db *DB) Migrate(ctx context.Context) error {
	return setupSchema(ctx, db.client)
}

func setupSchema(ctx context.Context, client *sql.DB) error {
	for _, step := range schemaSteps {
		if _, err := client.ExecContext(ctx, step.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", step.name, err)
		}
	}
	log.Debug().Int("steps", len(schemaSteps)).Msg("Schema is up to date")
	return nil
}

// ResetSchema drops and recreates every table. Only used by integration tests.
func (db *DB) ResetSchema(ctx context.Context) error {
	log.Warn().Msg("Resetting PostgreSQL schema")

	for _, table := range tablesInDropOrder {
		if _, err := db.client.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}

	if err := setupSchema(ctx, db.client); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	log.Info().Msg("Successfully reset database schema")
	return nil
}
