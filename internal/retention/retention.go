package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"notesync/pkg/config"
	"notesync/pkg/logger"
	"notesync/pkg/store"
)

// Start starts the version-history pruner if enabled. Returns a cancel
// func.
func Start(ctx context.Context, cfg config.RetentionConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	// map empty cron to default daily @02:00
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "keep_versions", cfg.KeepVersions)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, cfg.KeepVersions)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cronExpr string, keep int) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(keep); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce prunes every note's version history down to keep versions.
func RunOnce(keep int) error {
	if keep <= 0 {
		return nil
	}
	ids, err := store.ListNoteIDs()
	if err != nil {
		return err
	}
	total := 0
	for _, id := range ids {
		n, err := store.PruneVersions(id, keep)
		if err != nil {
			logger.Error("retention_prune_failed", "note", id, "error", err)
			continue
		}
		total += n
	}
	logger.Info("retention_run_complete", "notes", len(ids), "pruned", total)
	return nil
}
