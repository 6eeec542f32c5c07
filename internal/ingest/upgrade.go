package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
)

// Upgrader adds https twins for plain http feed locations whose host is known
// to serve TLS.
type Upgrader struct {
	db      *sql.DB
	allowed []glob.Glob
	now     func() time.Time
}

// NewUpgrader compiles the allow-list host patterns. Patterns use '.' as the
// separator, so "*.libsyn.com" matches "traffic.libsyn.com" and
// "**.libsyn.com" matches any depth.
func NewUpgrader(client *sql.DB, allowedHosts []string) (*Upgrader, error) {
	u := &Upgrader{db: client, now: func() time.Time { return time.Now().UTC() }}
	for _, pattern := range allowedHosts {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid upgrade host pattern %q: %w", pattern, err)
		}
		u.allowed = append(u.allowed, g)
	}
	return u, nil
}

// WithClock replaces the time source. Used by tests.
func (u *Upgrader) WithClock(now func() time.Time) *Upgrader {
	u.now = now
	return u
}

type httpLocation struct {
	PodcastID int64  `db:"podcast_id"`
	FeedURL   string `db:"feed_url"`
}

// UpgradeFeedLocations inserts an https location next to every http location
// whose host already serves an https feed or matches the allow-list. The
// http rows are left alone. It returns the number of rows inserted.
func (u *Upgrader) UpgradeFeedLocations(ctx context.Context) (int, error) {
	secureHosts, err := u.httpsHosts(ctx)
	if err != nil {
		return 0, err
	}

	candidates, err := u.insecureLocations(ctx)
	if err != nil {
		return 0, err
	}

	var upgrades []httpLocation
	for _, loc := range candidates {
		host := hostOf(loc.FeedURL)
		if host == "" {
			continue
		}
		if secureHosts[host] || u.allowedHost(host) {
			upgrades = append(upgrades, httpLocation{
				PodcastID: loc.PodcastID,
				FeedURL:   "https://" + strings.TrimPrefix(loc.FeedURL, "http://"),
			})
		}
	}
	if len(upgrades) == 0 {
		log.Info().Int("candidates", len(candidates)).Msg("No feed locations to upgrade")
		return 0, nil
	}

	now := u.now()
	inserted := 0
	err = db.Execute(ctx, u.db, func(tx *sql.Tx) error {
		for _, loc := range upgrades {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO podcast_feed_location (podcast_id, feed_url, first_retrieved_at, last_retrieved_at)
				VALUES ($1, $2, $3, $3)
				ON CONFLICT (podcast_id, feed_url) DO NOTHING
			`, loc.PodcastID, loc.FeedURL, now)
			if err != nil {
				return fmt.Errorf("failed to insert https location for podcast %d: %w", loc.PodcastID, err)
			}
			inserted += int(db.RowsAffected(res))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	log.Info().
		Int("candidates", len(candidates)).
		Int("upgraded", inserted).
		Msg("Upgraded feed locations to https")
	return inserted, nil
}

func (u *Upgrader) httpsHosts(ctx context.Context) (map[string]bool, error) {
	rows, err := u.db.QueryContext(ctx, `
		SELECT DISTINCT feed_url FROM podcast_feed_location WHERE feed_url LIKE 'https://%'
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to select https locations: %w", err)
	}
	defer rows.Close()

	hosts := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan https location: %w", err)
		}
		if h := hostOf(raw); h != "" {
			hosts[h] = true
		}
	}
	return hosts, rows.Err()
}

func (u *Upgrader) insecureLocations(ctx context.Context) ([]httpLocation, error) {
	var locs []httpLocation
	err := db.Wrap(u.db).X().SelectContext(ctx, &locs, `
		SELECT l.podcast_id, l.feed_url
		FROM podcast_feed_location l
		WHERE l.feed_url LIKE 'http://%'
		AND NOT EXISTS (
			SELECT 1 FROM podcast_feed_location t
			WHERE t.podcast_id = l.podcast_id
			AND t.feed_url = 'https://' || substring(l.feed_url FROM 8)
		)
		ORDER BY l.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to select http locations: %w", err)
	}
	return locs, nil
}

func (u *Upgrader) allowedHost(host string) bool {
	for _, g := range u.allowed {
		if g.Match(host) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
