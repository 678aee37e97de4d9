// Package health runs periodic resource and connection checks and reports
// them on the event bus.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sustenet/sustenet/internal/config"
	"github.com/sustenet/sustenet/internal/events"
	"github.com/sustenet/sustenet/internal/network"
	"github.com/sustenet/sustenet/internal/util"
)

const (
	// LimiterIdle is how long an IP may stay quiet before its accept bucket
	// is forgotten.
	LimiterIdle = 10 * time.Minute

	highUsagePercent = 90
)

// PendingCounter reports handshakes in flight.
type PendingCounter interface {
	PendingCount() int
}

// ClusterCounter reports registered clusters.
type ClusterCounter interface {
	Len() int
}

// Options wires a Manager. Pending and Clusters are nil on a cluster.
type Options struct {
	Timers   config.TimerConfig
	Source   string
	Registry *network.Registry
	Limiter  *network.IPLimiter
	Pending  PendingCounter
	Clusters ClusterCounter
	Bus      *events.EventBus

	// Sample replaces util.GetUsage in tests.
	Sample func() util.Usage
}

// Manager runs periodic health checks.
type Manager struct {
	opts Options

	mu    sync.Mutex
	usage util.Usage
}

// NewManager creates a new health check manager.
func NewManager(opts Options) *Manager {
	if opts.Sample == nil {
		opts.Sample = util.GetUsage
	}
	return &Manager{opts: opts}
}

// Start runs the checks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"system_usage", m.opts.Timers.HealthCheckInterval, m.checkSystemUsage},
		{"connection_stats", m.opts.Timers.StatsInterval, m.publishStats},
	}

	var wg sync.WaitGroup
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}

		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", len(checks)).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// checkSystemUsage samples the host and forgets idle accept buckets.
func (m *Manager) checkSystemUsage(context.Context) {
	usage := m.opts.Sample()
	m.mu.Lock()
	m.usage = usage
	m.mu.Unlock()

	if usage.CPUPercent >= highUsagePercent || usage.MemoryPercent >= highUsagePercent {
		log.Warn().
			Float64("cpu_percent", usage.CPUPercent).
			Float64("memory_percent", usage.MemoryPercent).
			Msg("high resource usage")
	}

	if n := m.opts.Limiter.Prune(LimiterIdle); n > 0 {
		log.Debug().Int("pruned", n).Msg("forgot idle accept limiters")
	}
}

// Snapshot combines the last usage sample with live connection counts.
func (m *Manager) Snapshot() events.SystemStatsPayload {
	m.mu.Lock()
	usage := m.usage
	m.mu.Unlock()

	stats := events.SystemStatsPayload{
		CPUPercent:    usage.CPUPercent,
		MemoryPercent: usage.MemoryPercent,
	}
	if m.opts.Registry != nil {
		stats.Connections = m.opts.Registry.Count()
	}
	if m.opts.Clusters != nil {
		stats.Clusters = m.opts.Clusters.Len()
	}
	if m.opts.Pending != nil {
		stats.PendingAuth = m.opts.Pending.PendingCount()
	}
	return stats
}

func (m *Manager) publishStats(ctx context.Context) {
	stats := m.Snapshot()
	log.Debug().
		Int("connections", stats.Connections).
		Int("clusters", stats.Clusters).
		Int("pending_auth", stats.PendingAuth).
		Msg("connection stats")

	if m.opts.Bus == nil {
		return
	}
	m.opts.Bus.Emit(ctx, events.Event{
		Type:    events.EventSystemStats,
		Source:  m.opts.Source,
		Payload: stats,
	})
}
