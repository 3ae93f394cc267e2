package postgres

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HealthCheck implements ports.HealthChecker for PostgreSQL.
type HealthCheck struct {
	pool Pool
}

// NewHealthCheck creates a PostgreSQL health checker.
func NewHealthCheck(pool Pool) *HealthCheck {
	return &HealthCheck{pool: pool}
}

// Ping checks PostgreSQL connectivity.
func (h *HealthCheck) Ping(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, "SELECT 1")
	return err
}

// Name returns the dependency name.
func (h *HealthCheck) Name() string {
	return "database"
}

// HealthMonitor pings the database on an interval and invokes onFailure
// after maxFailures consecutive failed pings. A successful ping resets the
// counter.
type HealthMonitor struct {
	checker     *HealthCheck
	interval    time.Duration
	maxFailures int
	onFailure   func()
	log         zerolog.Logger
}

// NewHealthMonitor creates a monitor around checker.
func NewHealthMonitor(checker *HealthCheck, interval time.Duration, maxFailures int, onFailure func(), log zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		checker:     checker,
		interval:    interval,
		maxFailures: maxFailures,
		onFailure:   onFailure,
		log:         log,
	}
}

// Run blocks until ctx is done, pinging on every tick.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.interval)
			err := m.checker.Ping(pingCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					m.log.Info().Msg("database connectivity recovered")
				}
				failures = 0
				continue
			}

			failures++
			m.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("database ping failed")

			if failures >= m.maxFailures {
				m.log.Error().Int("failures", failures).Msg("database unreachable, triggering shutdown")
				if m.onFailure != nil {
					m.onFailure()
				}
				return
			}
		}
	}
}
