package ingest

import (
	"context"
	"errors"

	"github.com/Harvey-AU/podcore/internal/feed"
	"github.com/Harvey-AU/podcore/internal/fetch"
	"github.com/Harvey-AU/podcore/internal/jobs"
)

// Register binds crawl_podcast, add_podcast, upgrade_feed_locations and
// reingest_podcasts.
func Register(r *jobs.Registry, ing *Ingester, up *Upgrader, re *Reingester) {
	jobs.Register(r, jobs.KindCrawlPodcast, func(ctx context.Context, args jobs.CrawlPodcastArgs) error {
		if args.FeedURL == "" {
			return jobs.Permanentf("crawl_podcast requires feed_url")
		}
		_, err := ing.Ingest(ctx, args.PodcastID, args.FeedURL)
		return classify(err)
	})

	jobs.Register(r, jobs.KindAddPodcast, func(ctx context.Context, args jobs.AddPodcastArgs) error {
		if args.FeedURL == "" {
			return jobs.Permanentf("add_podcast requires feed_url")
		}
		_, err := ing.AddPodcast(ctx, args.FeedURL)
		return classify(err)
	})

	jobs.Register(r, jobs.KindUpgradeFeedLocations, func(ctx context.Context, _ jobs.NoArgs) error {
		_, err := up.UpgradeFeedLocations(ctx)
		return err
	})

	jobs.Register(r, jobs.KindReingestPodcasts, func(ctx context.Context, args jobs.ReingestPodcastsArgs) error {
		if args.AfterID < 0 {
			return jobs.Permanentf("after_id must not be negative, got %d", args.AfterID)
		}
		_, err := re.Run(ctx, args.AfterID)
		return err
	})
}

// classify marks errors that retrying cannot fix. Bad statuses and parse
// failures stay transient: feeds get fixed and hosts come back.
func classify(err error) error {
	if errors.Is(err, fetch.ErrInvalidURL) || errors.Is(err, ErrNoFeedFound) {
		return jobs.Permanent(err)
	}
	return err
}

var (
	_ Fetcher = (*fetch.Fetcher)(nil)
	_ Parser  = (*feed.Parser)(nil)
)
