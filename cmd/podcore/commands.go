package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Harvey-AU/podcore/internal/api"
	"github.com/Harvey-AU/podcore/internal/cleaner"
	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/directory"
	"github.com/Harvey-AU/podcore/internal/ingest"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/queue"
	"github.com/Harvey-AU/podcore/internal/util"
)

// withApp opens the wired service for one command run.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *cli) crawlCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl selection pass, then every job that is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				plan, err := a.planner.Schedule(ctx, 0)
				if err != nil {
					return err
				}
				ran, err := a.pool.Drain(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d, already queued %d, ran %d jobs\n",
					plan.Enqueued, plan.AlreadyQueued, ran)
				return err
			})
		},
	}
}

func (c *cli) cleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Run one batch of every cleaner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				results, err := a.cleaner.All(ctx)
				renderCleanResults(cmd.OutOrStdout(), results)
				return err
			})
		},
	}
}

func (c *cli) searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the podcast directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.searcher.Search(ctx, query)
				if err != nil {
					return err
				}
				renderSearch(cmd.OutOrStdout(), query, out)
				return nil
			})
		},
	}
}

func (c *cli) addCommand() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Add a podcast by feed or web page URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := util.NormaliseFeedURL(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if !now {
					id, err := a.store.Enqueue(ctx, nil, jobs.KindAddPodcast, jobs.AddPodcastArgs{FeedURL: target})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "enqueued add_podcast job %d\n", id)
					return nil
				}
				res, err := a.ingester.AddPodcast(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "podcast %d from %s (created: %t, episodes: %d)\n",
					res.PodcastID, res.FeedURL, res.Created, res.Episodes)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "ingest inline instead of enqueueing a job")
	return cmd
}

func (c *cli) upgradeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade-https",
		Short: "Add https locations for feeds whose hosts serve https",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.upgrader.UpgradeFeedLocations(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "inserted %d https locations\n", n)
				return nil
			})
		},
	}
}

func (c *cli) reingestCommand() *cobra.Command {
	var queued bool
	cmd := &cobra.Command{
		Use:   "reingest",
		Short: "Reparse every podcast from its newest stored feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if queued {
					id, err := a.store.Enqueue(ctx, nil, jobs.KindReingestPodcasts, jobs.ReingestPodcastsArgs{})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "enqueued reingest_podcasts job %d\n", id)
					return nil
				}
				total, err := reingestAll(ctx, a.reingester)
				fmt.Fprintf(cmd.OutOrStdout(), "reingested %d podcasts (%d episodes), %d without content, %d invalid\n",
					total.Reingested, total.Episodes, total.Skipped, total.Invalid)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&queued, "queue", false, "enqueue a reingest_podcasts job instead of running inline")
	return cmd
}

// pageReingester is the part of *ingest.Reingester reingestAll walks.
type pageReingester interface {
	Page(ctx context.Context, afterID int64) (*ingest.ReingestPage, error)
}

// reingestAll walks every page from the start and sums the results.
func reingestAll(ctx context.Context, re pageReingester) (ingest.ReingestPage, error) {
	var total ingest.ReingestPage
	var after int64
	for {
		page, err := re.Page(ctx, after)
		if err != nil {
			return total, err
		}
		total.Reingested += page.Reingested
		total.Skipped += page.Skipped
		total.Invalid += page.Invalid
		total.Episodes += page.Episodes
		if page.NextID == 0 {
			return total, nil
		}
		after = page.NextID
	}
}

func (c *cli) enqueueCommand() *cobra.Command {
	var runAt string
	cmd := &cobra.Command{
		Use:   "enqueue <name> [json-args]",
		Short: "Enqueue any registered job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, raw := args[0], json.RawMessage(`{}`)
			if len(args) == 2 {
				raw = json.RawMessage(args[1])
			}
			var opts []queue.EnqueueOption
			if runAt != "" {
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("invalid --run-at: %w", err)
				}
				opts = append(opts, queue.RunAt(at))
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.registry.Validate(name, raw); err != nil {
					return err
				}
				id, err := a.store.Enqueue(ctx, nil, name, raw, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s job %d\n", name, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runAt, "run-at", "", "RFC 3339 time before which the job is not claimed")
	return cmd
}

// liveCommand builds disable and enable, which differ only in the live value
// they set.
func (c *cli) liveCommand(use string, live bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				set := a.store.Disable
				if live {
					set = a.store.Enable
				}
				if err := set(ctx, id); err != nil {
					if errors.Is(err, db.ErrNotFound) {
						return fmt.Errorf("no job with id %d", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d %sd\n", id, use)
				return nil
			})
		},
	}
}

func (c *cli) failingCommand() *cobra.Command {
	var minErrors, limit int
	cmd := &cobra.Command{
		Use:   "failing",
		Short: "List jobs that keep failing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				failing, err := a.store.ListFailing(ctx, minErrors, limit)
				if err != nil {
					return err
				}
				renderFailing(cmd.OutOrStdout(), failing)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&minErrors, "min-errors", 1, "only jobs with at least this many errors")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum jobs listed")
	return cmd
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pg, err := db.ConnectWithRetry(ctx, &c.cfg.Database, db.DefaultRetryConfig())
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func (c *cli) tokenCommand() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an ops API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Ops.JWTSecret == "" {
				return errors.New("OPS_JWT_SECRET is not set")
			}
			token, err := api.IssueOpsToken(c.cfg.Ops.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderCleanResults(w io.Writer, results []cleaner.Result) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Cleaner", "Deleted", "Related", "Follow-up Queued"})
	for _, r := range results {
		t.AppendRow(table.Row{r.Name, r.Deleted, r.Related, r.FollowUp})
	}
	t.Render()
}

func renderSearch(w io.Writer, query string, out *directory.SearchOutcome) {
	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Title", "Feed", "Podcast"})
	for _, p := range out.Podcasts {
		feedURL, podcast := "", ""
		if p.FeedURL != nil {
			feedURL = *p.FeedURL
		}
		if p.PodcastID != nil {
			podcast = strconv.FormatInt(*p.PodcastID, 10)
		}
		t.AppendRow(table.Row{p.Position, p.Title, feedURL, podcast})
	}
	source := "directory"
	if out.Cached {
		source = "cache"
	}
	t.AppendFooter(table.Row{"Total", len(out.Podcasts), fmt.Sprintf("Query: %s", query), source})
	t.Render()
}

func renderFailing(w io.Writer, failing []queue.FailingJob) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Errors", "Live", "Next Try", "Last Error"})
	for _, j := range failing {
		last := ""
		if len(j.Errors) > 0 {
			last = j.Errors[0]
		}
		t.AppendRow(table.Row{j.ID, j.Name, j.NumErrors, j.Live, j.TryAt.Format(time.RFC3339), last})
	}
	t.Render()
}
