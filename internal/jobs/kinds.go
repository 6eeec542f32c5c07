package jobs

import "context"

// Job names. The set is closed: anything else found in the table is disabled
// on claim.
const (
	KindNoOp                    = "no_op"
	KindScheduleCrawls          = "schedule_crawls"
	KindCrawlPodcast            = "crawl_podcast"
	KindAddPodcast              = "add_podcast"
	KindUpgradeFeedLocations    = "upgrade_feed_locations"
	KindDirectorySearch         = "directory_search"
	KindResolveDirectoryPodcast = "resolve_directory_podcast"
	KindCleanAccounts           = "clean_accounts"
	KindCleanFeedContents       = "clean_feed_contents"
	KindCleanDirectorySearches  = "clean_directory_searches"
	KindCleanKeys               = "clean_keys"
	KindCleanDirectoryPodcasts  = "clean_directory_podcasts"
	KindSendVerificationEmail   = "send_verification_email"
	KindReingestPodcasts        = "reingest_podcasts"
)

// NoArgs is the payload of jobs that take none.
type NoArgs struct{}

type ScheduleCrawlsArgs struct {
	AfterID int64 `json:"after_id"`
}

type CrawlPodcastArgs struct {
	PodcastID int64  `json:"podcast_id"`
	FeedURL   string `json:"feed_url"`
}

type ReingestPodcastsArgs struct {
	AfterID int64 `json:"after_id"`
}

type AddPodcastArgs struct {
	FeedURL string `json:"feed_url"`
}

type DirectorySearchArgs struct {
	Query string `json:"query"`
}

type ResolveDirectoryPodcastArgs struct {
	DirectoryPodcastID int64 `json:"directory_podcast_id"`
}

type SendVerificationEmailArgs struct {
	AccountID int64 `json:"account_id"`
}

// RegisterNoOp binds no_op, which does nothing and completes.
func RegisterNoOp(r *Registry) {
	Register(r, KindNoOp, func(context.Context, NoArgs) error { return nil })
}
