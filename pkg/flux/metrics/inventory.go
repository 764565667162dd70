package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/mikepea/flux/pkg/flux/licensing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StatsSource provides the inventory snapshot published as gauges
type StatsSource interface {
	Stats(ctx context.Context) (*licensing.Stats, error)
}

// refreshTimeout bounds a single scheduled refresh
const refreshTimeout = 30 * time.Second

// InventoryRefresher updates the key and activation gauges on a schedule.
type InventoryRefresher struct {
	source   StatsSource
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

// NewInventoryRefresher creates a refresher. schedule accepts cron
// expressions with a seconds field and descriptors such as "@every 1m".
func NewInventoryRefresher(source StatsSource, schedule string, logger zerolog.Logger) *InventoryRefresher {
	return &InventoryRefresher{
		source:   source,
		schedule: schedule,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger.With().Str("component", "inventory_refresher").Logger(),
	}
}

// Start publishes the gauges once and then on every tick of the schedule.
func (r *InventoryRefresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if _, err := r.cron.AddFunc(r.schedule, r.refreshScheduled); err != nil {
		return err
	}

	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial inventory refresh failed")
	}

	r.cron.Start()
	r.running = true
	r.logger.Info().Str("schedule", r.schedule).Msg("inventory refresher started")
	return nil
}

// Stop halts the scheduler. The returned context is done once a running
// refresh has finished.
func (r *InventoryRefresher) Stop() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	r.running = false
	r.logger.Info().Msg("stopping inventory refresher")
	return r.cron.Stop()
}

// Refresh reads the inventory and publishes it
func (r *InventoryRefresher) Refresh(ctx context.Context) error {
	stats, err := r.source.Stats(ctx)
	if err != nil {
		return err
	}

	LicenseKeys.WithLabelValues("active").Set(float64(stats.ActiveKeys - stats.ExpiredKeys))
	LicenseKeys.WithLabelValues("expired").Set(float64(stats.ExpiredKeys))
	LicenseKeys.WithLabelValues("revoked").Set(float64(stats.RevokedKeys))
	LicenseActivations.Set(float64(stats.TotalActivations))
	return nil
}

func (r *InventoryRefresher) refreshScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if err := r.Refresh(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to refresh inventory metrics")
	}
}
