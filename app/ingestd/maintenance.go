package ingestd

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/resonance-network/chronicled/pkg/utils"
)

// SetupScheduler registers the periodic storage maintenance: rebuild the
// per-account rollup and let postgres reclaim dead tuples. Runs across every
// discovered chain.
func (a *App) SetupScheduler(ctx context.Context) error {
	a.Cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))

	timeout := utils.EnvDuration("MAINTENANCE_TIMEOUT", 10*time.Minute)
	_, err := a.Cron.AddFunc(a.CronSpec, func() {
		// Keep each run bounded; a stuck vacuum must not pile up runs.
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		a.maintain(rctx)
	})
	return err
}

func (a *App) maintain(ctx context.Context) {
	a.Chains.Range(func(id string, ch *Chain) bool {
		started := time.Now()
		if err := ch.DB.RefreshAccountStats(ctx); err != nil {
			a.Logger.Warn("Account stats refresh failed",
				zap.String("chain", id), zap.Error(err))
		}
		ch.DB.VacuumAnalyze(ctx)
		a.Logger.Info("Maintenance pass complete",
			zap.String("chain", id),
			zap.Duration("took", time.Since(started)))
		return true
	})
}
