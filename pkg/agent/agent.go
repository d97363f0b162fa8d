package agent

import (
	"context"
	"time"

	"github.com/datacarousel/carousel/pkg/database"
	"github.com/datacarousel/carousel/pkg/log"
	"github.com/datacarousel/carousel/pkg/metrics"
)

// Agent is one bounded unit of polling work driven by Run. Tick errors are
// logged and do not stop the loop; per-row failures are handled inside Tick.
type Agent interface {
	Name() string
	Tick(ctx context.Context) error
}

// Run drives an agent until the context is cancelled. The first tick fires
// immediately, then every period.
func Run(ctx context.Context, a Agent, period time.Duration) error {
	lg := log.WithComponent(a.Name())
	lg.Info().Dur("period", period).Msg("agent started")

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := a.Tick(ctx); err != nil {
			lg.Error().Err(err).Msg("tick failed")
		}
		metrics.TicksTotal.WithLabelValues(a.Name()).Inc()
		metrics.TickDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			lg.Info().Msg("agent stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Janitor resets row locks abandoned by crashed agents. It runs inside both
// agent processes so a deployment without a dedicated janitor still heals.
type Janitor struct {
	db       *database.DB
	lifetime time.Duration
}

// NewJanitor builds a janitor that frees locks older than lifetime.
func NewJanitor(db *database.DB, lifetime time.Duration) *Janitor {
	return &Janitor{db: db, lifetime: lifetime}
}

func (j *Janitor) Name() string { return "janitor" }

// Tick resets stale transform and processing locks.
func (j *Janitor) Tick(ctx context.Context) error {
	nt, err := database.CleanTransformLocking(ctx, j.db, j.lifetime)
	if err != nil {
		return err
	}
	np, err := database.CleanProcessingLocking(ctx, j.db, j.lifetime)
	if err != nil {
		return err
	}
	if nt+np > 0 {
		metrics.StaleLocksReaped.Add(float64(nt + np))
		logger := log.WithComponent(j.Name())
		logger.Warn().
			Int64("transforms", nt).
			Int64("processings", np).
			Msg("reset stale locks")
	}
	return nil
}
