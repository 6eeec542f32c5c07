package fetch

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// LimiterConfig controls per-host pacing.
type LimiterConfig struct {
	// Rate is the steady request rate per host, in requests per second.
	Rate float64
	// Burst is the number of requests allowed at once.
	Burst int
	// MinRate is the floor the rate backs off to under throttling.
	MinRate float64
	// SuccessProbeThreshold is the number of consecutive successes before a
	// throttled host is allowed to speed up again.
	SuccessProbeThreshold int
}

func defaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Rate:                  2,
		Burst:                 2,
		MinRate:               0.05,
		SuccessProbeThreshold: 20,
	}
}

// HostLimiter paces requests per host. A host that answers 429 or 503 is
// slowed down by half each time, and sped up again after a run of successes.
type HostLimiter struct {
	cfg LimiterConfig

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	limiter       *rate.Limiter
	successStreak int
}

// NewHostLimiter creates a limiter. Zero fields take defaults.
func NewHostLimiter(cfg LimiterConfig) *HostLimiter {
	d := defaultLimiterConfig()
	if cfg.Rate <= 0 {
		cfg.Rate = d.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.MinRate <= 0 || cfg.MinRate > cfg.Rate {
		cfg.MinRate = min(d.MinRate, cfg.Rate)
	}
	if cfg.SuccessProbeThreshold <= 0 {
		cfg.SuccessProbeThreshold = d.SuccessProbeThreshold
	}
	return &HostLimiter{cfg: cfg, hosts: make(map[string]*hostState)}
}

func normaliseHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

func (l *HostLimiter) state(host string) *hostState {
	host = normaliseHost(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.hosts[host] = st
	}
	return st
}

// Wait blocks until a request to host is allowed or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}
	return l.state(host).limiter.Wait(ctx)
}

// Observe adapts the host's rate to a response status.
func (l *HostLimiter) Observe(host string, status int) {
	if host == "" {
		return
	}
	st := l.state(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	current := float64(st.limiter.Limit())
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		st.successStreak = 0
		next := max(current/2, l.cfg.MinRate)
		if next < current {
			st.limiter.SetLimit(rate.Limit(next))
			log.Debug().
				Str("host", host).
				Int("status", status).
				Float64("rate", next).
				Msg("Host throttled, slowing down")
		}
	case status >= 200 && status < 400:
		if current >= l.cfg.Rate {
			return
		}
		st.successStreak++
		if st.successStreak < l.cfg.SuccessProbeThreshold {
			return
		}
		st.successStreak = 0
		next := min(current*2, l.cfg.Rate)
		st.limiter.SetLimit(rate.Limit(next))
		log.Debug().Str("host", host).Float64("rate", next).Msg("Host recovered, speeding up")
	}
}

// Rate returns the current rate for host.
func (l *HostLimiter) Rate(host string) float64 {
	return float64(l.state(host).limiter.Limit())
}
