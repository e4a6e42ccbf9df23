// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package stats

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/private/sync2"
)

// Chore periodically recomputes the global summary and caches the snapshot
// so stats reads stay cheap.
//
// architecture: Chore
type Chore struct {
	log      *zap.Logger
	service  *Service
	db       photos.DB
	interval time.Duration

	Loop *sync2.Cycle
}

// NewChore creates a stats snapshot chore.
func NewChore(log *zap.Logger, service *Service, db photos.DB, config Config) *Chore {
	return &Chore{
		log:      log,
		service:  service,
		db:       db,
		interval: config.Interval,
		Loop:     sync2.NewCycle(config.Interval),
	}
}

// Run starts the snapshot loop. A failed refresh is logged and retried on
// the next cycle rather than stopping the loop.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if chore.interval <= 0 {
		chore.log.Info("stats snapshot chore disabled")
		return nil
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("stats snapshot failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce recomputes the global summary and caches it. The snapshot lives
// for two intervals so a single failed refresh does not empty the cache.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	summary, err := chore.service.GlobalStats(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := chore.db.PutStatsSnapshot(ctx, data, 2*chore.interval); err != nil {
		return err
	}

	chore.log.Info("global stats snapshot refreshed",
		zap.Int64("farms", summary.TotalFarms),
		zap.Int64("photos", summary.TotalPhotos),
		zap.Int64("pending", summary.TotalPending),
		zap.Int64("skipped keys", summary.SkippedKeys))
	return nil
}

// Close stops the snapshot loop.
func (chore *Chore) Close() error {
	chore.Loop.Stop()
	return nil
}
