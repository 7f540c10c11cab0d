package retention

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"chatkit/pkg/config"
	"chatkit/pkg/history"
	"chatkit/pkg/logger"
	"chatkit/pkg/models"
)

// Runner prunes the local history cache on a cron schedule so a
// long-lived visitor cache does not grow without bound. It only ever
// deletes local copies; server-side history is untouched and any pruned
// page is re-fetched on demand.
type Runner struct {
	cfg   config.Config
	store *history.Pebble
	gron  *gronx.Gronx
}

// New validates the schedule and returns a runner. Disabled or
// in-memory configurations return (nil, nil): nothing to prune.
func New(cfg config.Config, store *history.Pebble) (*Runner, error) {
	if !cfg.Retention.Enabled || store == nil {
		return nil, nil
	}
	g := gronx.New()
	if !g.IsValid(cfg.Retention.Cron) {
		return nil, ErrBadSchedule(cfg.Retention.Cron)
	}
	return &Runner{cfg: cfg, store: store, gron: g}, nil
}

// ErrBadSchedule reports an unparseable cron expression.
type ErrBadSchedule string

func (e ErrBadSchedule) Error() string {
	return "invalid retention cron expression: " + string(e)
}

// Run ticks once a minute and prunes when the schedule fires. Blocks
// until ctx is done; callers run it on its own goroutine.
func (r *Runner) Run(ctx context.Context) {
	logger.Info("retention_started",
		"cron", r.cfg.Retention.Cron,
		"period", r.cfg.RetentionPeriod().String(),
		"dry_run", r.cfg.Retention.DryRun)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_stopped")
			return
		case <-ticker.C:
			due, err := r.gron.IsDue(r.cfg.Retention.Cron, time.Now())
			if err != nil || !due {
				continue
			}
			r.runOnce()
		}
	}
}

// runOnce prunes messages older than the retention period in batches,
// then reports cache size against the configured budget.
func (r *Runner) runOnce() {
	cutoff := models.NowMicros() - r.cfg.RetentionPeriod().Microseconds()
	if r.cfg.Retention.DryRun {
		logger.Info("retention_dry_run", "cutoff_ts", cutoff)
		return
	}

	total := 0
	for {
		n, err := r.store.PruneOlderThan(cutoff, r.cfg.Retention.BatchSize)
		if err != nil {
			logger.Error("retention_prune_failed", "error", err)
			break
		}
		total += n
		if n < r.cfg.Retention.BatchSize {
			break
		}
	}
	logger.Info("retention_pruned", "messages", total, "cutoff_ts", cutoff)

	if budget := r.cfg.MaxCacheBytes(); budget > 0 {
		usage := r.store.DiskUsage()
		if usage > budget {
			logger.Warn("history_cache_over_budget",
				"usage", humanize.Bytes(usage),
				"budget", humanize.Bytes(budget))
		}
	}
}
