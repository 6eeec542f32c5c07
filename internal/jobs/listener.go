package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/podcore/internal/queue"
)

const listenerPingInterval = 90 * time.Second

// Listener wakes the pool when a job is enqueued. The pool still polls, so a
// dropped connection only costs latency.
type Listener struct {
	connStr string
	channel string
	wake    func()
}

// NewListener creates a listener for channel that calls wake on every
// notification.
func NewListener(connStr, channel string, wake func()) *Listener {
	if channel == "" {
		channel = queue.NotifyChannel
	}
	return &Listener{connStr: connStr, channel: channel, wake: wake}
}

// Start listens until ctx is cancelled, reconnecting after errors.
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Job listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Job listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Job listener event error")
		}
		if ev == pq.ListenerEventReconnected {
			// Anything enqueued while disconnected was missed.
			l.wake()
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return err
	}

	log.Info().Str("channel", l.channel).Msg("Job listener started")
	l.wake()

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				continue
			}
			log.Debug().Str("channel", n.Channel).Str("job_name", n.Extra).Msg("Job enqueued")
			l.wake()

		case <-ping.C:
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// StartListener starts a listener in the background when the connection
// supports LISTEN. It reports whether one was started; otherwise the pool
// relies on polling alone.
func StartListener(ctx context.Context, connStr string, wake func()) bool {
	if !canUseListen(connStr) {
		log.Info().Msg("Connection pooler detected, job wake-ups use polling only")
		return false
	}
	go NewListener(connStr, queue.NotifyChannel, wake).Start(ctx)
	return true
}

// canUseListen rejects transaction poolers, which do not keep LISTEN
// sessions.
func canUseListen(connStr string) bool {
	if connStr == "" {
		return false
	}
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer typically runs on port 6543
	if strings.Contains(connStr, ":6543") || strings.Contains(connStr, "port=6543") {
		return false
	}
	return true
}
