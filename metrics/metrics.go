package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lock outcomes.
const (
	LockAcquired = "acquired"
	LockTimeout  = "timeout"
	LockError    = "error"
)

// Collectors holds the engine metrics. A nil *Collectors records nothing.
type Collectors struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Locks           *prometheus.CounterVec
	HistoryFailures *prometheus.CounterVec
	EffectFailures  *prometheus.CounterVec
	CacheRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_commands_total",
			Help: "Engine commands by outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flow_command_duration_seconds",
			Help:    "Engine command latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		Locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_lock_acquisitions_total",
			Help: "Per-instance lock attempts by outcome.",
		}, []string{"outcome"}),
		HistoryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_history_failures_total",
			Help: "Swallowed history write failures by view.",
		}, []string{"view"}),
		EffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_effect_failures_total",
			Help: "Failed post-commit effects by kind.",
		}, []string{"kind"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_cache_requests_total",
			Help: "Cache-aside lookups by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.Commands, c.CommandDuration, c.Locks, c.HistoryFailures, c.EffectFailures, c.CacheRequests} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveCommand records one command.
func (c *Collectors) ObserveCommand(command string, start time.Time, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Commands.WithLabelValues(command, outcome).Inc()
	c.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// ObserveLock records a lock attempt.
func (c *Collectors) ObserveLock(outcome string) {
	if c == nil {
		return
	}
	c.Locks.WithLabelValues(outcome).Inc()
}

// HistoryFailed counts a swallowed history write.
func (c *Collectors) HistoryFailed(view string) {
	if c == nil {
		return
	}
	c.HistoryFailures.WithLabelValues(view).Inc()
}

// EffectFailed counts a failed effect.
func (c *Collectors) EffectFailed(kind string) {
	if c == nil {
		return
	}
	c.EffectFailures.WithLabelValues(kind).Inc()
}

// ObserveCache records a cache lookup.
func (c *Collectors) ObserveCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheRequests.WithLabelValues(result).Inc()
}
