package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/db"
	"github.com/Harvey-AU/podcore/internal/queue"
)

// Recurring is a job enqueued on a cron schedule. An empty Spec or "off"
// disables it.
type Recurring struct {
	Name string
	Spec string
	Args any
}

// Enqueuer is the part of queue.Store the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, name string, args any, opts ...queue.EnqueueOption) (int64, error)
	CountPending(ctx context.Context, name string) (int, error)
}

// Scheduler enqueues recurring jobs. A tick is skipped while a live job of
// the same name is still pending, so a slow job never piles up copies.
type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	enqueuer Enqueuer

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler using standard five-field cron specs and
// the "@every" / "@hourly" descriptors.
func NewScheduler(enqueuer Enqueuer) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		enqueuer: enqueuer,
		entries:  make(map[string]cron.EntryID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers a recurring job. Disabled specs are ignored and return nil.
func (s *Scheduler) Add(r Recurring) error {
	spec := strings.TrimSpace(r.Spec)
	if spec == "" || strings.EqualFold(spec, "off") {
		log.Info().Str("job_name", r.Name).Msg("Recurring job disabled")
		return nil
	}

	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, r.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[r.Name]; exists {
		return fmt.Errorf("recurring job %s already scheduled", r.Name)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		if _, err := s.tick(s.ctx, r); err != nil {
			log.Error().Err(err).Str("job_name", r.Name).Msg("Failed to enqueue recurring job")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron entry for %s: %w", r.Name, err)
	}
	s.entries[r.Name] = entryID

	log.Info().
		Str("job_name", r.Name).
		Str("schedule", spec).
		Time("next_run", s.cron.Entry(entryID).Next).
		Msg("Recurring job scheduled")
	return nil
}

// tick enqueues r unless one is already pending. It reports whether a job
// was enqueued.
func (s *Scheduler) tick(ctx context.Context, r Recurring) (bool, error) {
	pending, err := s.enqueuer.CountPending(ctx, r.Name)
	if err != nil {
		return false, fmt.Errorf("failed to count pending %s jobs: %w", r.Name, err)
	}
	if pending > 0 {
		log.Debug().Str("job_name", r.Name).Int("pending", pending).Msg("Recurring job still pending, skipping tick")
		return false, nil
	}

	id, err := s.enqueuer.Enqueue(ctx, nil, r.Name, r.Args)
	if err != nil {
		return false, err
	}
	log.Debug().Int64("job_id", id).Str("job_name", r.Name).Msg("Recurring job enqueued")
	return true, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running ticks.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
