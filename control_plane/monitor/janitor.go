package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/control_plane/observability"
	"github.com/wardenhq/warden/control_plane/store"
)

// Janitor enforces the retention window on append-only records: heartbeats,
// metrics and events older than the window are purged periodically. Issues
// and actions are kept for audit.
type Janitor struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewJanitor builds a retention janitor.
func NewJanitor(s store.Store, retention, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:     s,
		retention: retention,
		interval:  interval,
		log:       log.With().Str("component", "janitor").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook only.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// Start launches the purge loop.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce purges one batch. Failures log and wait for the next tick.
func (j *Janitor) RunOnce(ctx context.Context) {
	cutoff := j.now().Add(-j.retention)
	purged, err := j.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Time("cutoff", cutoff).Msg("retention purge failed")
		return
	}
	if purged > 0 {
		observability.RowsPurged.Add(float64(purged))
		j.log.Info().Int64("rows", purged).Time("cutoff", cutoff).Msg("retention purge completed")
	}
}
