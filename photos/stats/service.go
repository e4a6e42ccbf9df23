// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package stats aggregates per-farm and directory-wide photo statistics
// from the status index.
package stats

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/photos"
)

var (
	// Error is the default stats errs class.
	Error = errs.Class("stats")

	mon = monkit.Package()
)

// Config contains configurable values for the stats service.
type Config struct {
	PageSize int64         `help:"how many index keys a single scan page may return" default:"100"`
	TopFarms int           `help:"how many farms the global summary ranks by photo count" default:"5"`
	Interval time.Duration `help:"how frequently the global summary snapshot is recomputed, 0 disables the chore" default:"5m"`
}

// FarmSummary reports one farm's index counts together with its approved
// gallery.
type FarmSummary struct {
	FarmID   string                `json:"farmId"`
	Pending  int64                 `json:"pending"`
	Approved int64                 `json:"approved"`
	Rejected int64                 `json:"rejected"`
	Total    int64                 `json:"total"`
	AtQuota  bool                  `json:"atQuota"`
	Gallery  []*photos.PhotoRecord `json:"gallery"`
}

// FarmCount ranks a single farm inside the global summary.
type FarmCount struct {
	FarmID   string `json:"farmId"`
	Photos   int64  `json:"photos"`
	Approved int64  `json:"approved"`
}

// GlobalSummary reports directory-wide photo totals.
type GlobalSummary struct {
	TotalFarms           int64       `json:"totalFarms"`
	TotalPhotos          int64       `json:"totalPhotos"`
	TotalPending         int64       `json:"totalPending"`
	TotalApproved        int64       `json:"totalApproved"`
	TotalRejected        int64       `json:"totalRejected"`
	FarmsAtQuota         int64       `json:"farmsAtQuota"`
	FarmsWithPending     int64       `json:"farmsWithPending"`
	AveragePhotosPerFarm float64     `json:"averagePhotosPerFarm"`
	TopFarms             []FarmCount `json:"topFarms"`
	SkippedKeys          int64       `json:"skippedKeys"`
	GeneratedAt          time.Time   `json:"generatedAt"`
}

// Service computes farm and global summaries.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     photos.DB
	config Config
	quota  int
}

// NewService creates a stats service. quota is the approved photo cap used
// to flag farms at capacity.
func NewService(log *zap.Logger, db photos.DB, config Config, quota int) *Service {
	return &Service{
		log:    log,
		db:     db,
		config: config,
		quota:  quota,
	}
}

// FarmStats returns one farm's counts and its approved gallery, newest
// approval first. Records missing from the store are skipped.
func (service *Service) FarmStats(ctx context.Context, farmID string) (_ *FarmSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := photos.ValidateFarmID(farmID); err != nil {
		return nil, err
	}

	index, err := service.db.FarmIndex(ctx, farmID)
	if err != nil {
		return nil, err
	}

	gallery, err := service.db.GetRecords(ctx, index.ApprovedIDs)
	if err != nil {
		return nil, err
	}
	sort.Slice(gallery, func(i, k int) bool {
		it, kt := approvedAt(gallery[i]), approvedAt(gallery[k])
		if !it.Equal(kt) {
			return it.After(kt)
		}
		return gallery[i].ID.String() < gallery[k].ID.String()
	})

	return &FarmSummary{
		FarmID:   index.FarmID,
		Pending:  index.Pending,
		Approved: index.Approved,
		Rejected: index.Rejected,
		Total:    index.Total(),
		AtQuota:  index.Approved >= int64(service.quota),
		Gallery:  gallery,
	}, nil
}

// GlobalStats scans the whole status index and aggregates it into a
// directory-wide summary. Unreadable keys are skipped and counted, never
// fatal; scan pages may repeat a key, in which case the later value wins.
func (service *Service) GlobalStats(ctx context.Context) (_ *GlobalSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	type farmCounts struct {
		pending  int64
		approved int64
		rejected int64
	}
	totals := make(map[string]*farmCounts)

	skipped, err := service.db.IterateIndex(ctx, service.config.PageSize,
		func(farmID string, status photos.Status, count int64) error {
			counts, ok := totals[farmID]
			if !ok {
				counts = &farmCounts{}
				totals[farmID] = counts
			}
			switch status {
			case photos.StatusPending:
				counts.pending = count
			case photos.StatusApproved:
				counts.approved = count
			case photos.StatusRejected:
				counts.rejected = count
			}
			return nil
		})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	summary := &GlobalSummary{
		SkippedKeys: skipped,
		TopFarms:    []FarmCount{},
		GeneratedAt: time.Now().UTC(),
	}

	ranked := make([]FarmCount, 0, len(totals))
	for farmID, counts := range totals {
		total := counts.pending + counts.approved + counts.rejected

		summary.TotalFarms++
		summary.TotalPhotos += total
		summary.TotalPending += counts.pending
		summary.TotalApproved += counts.approved
		summary.TotalRejected += counts.rejected
		if counts.approved >= int64(service.quota) {
			summary.FarmsAtQuota++
		}
		if counts.pending > 0 {
			summary.FarmsWithPending++
		}

		ranked = append(ranked, FarmCount{
			FarmID:   farmID,
			Photos:   total,
			Approved: counts.approved,
		})
	}

	if summary.TotalFarms > 0 {
		average := float64(summary.TotalPhotos) / float64(summary.TotalFarms)
		summary.AveragePhotosPerFarm = math.Round(average*100) / 100
	}

	sort.Slice(ranked, func(i, k int) bool {
		if ranked[i].Photos != ranked[k].Photos {
			return ranked[i].Photos > ranked[k].Photos
		}
		return ranked[i].FarmID < ranked[k].FarmID
	})
	if len(ranked) > service.config.TopFarms {
		ranked = ranked[:service.config.TopFarms]
	}
	summary.TopFarms = append(summary.TopFarms, ranked...)

	return summary, nil
}

// CachedGlobalStats returns the snapshot cached by the chore, falling back
// to a live scan when the cache is cold or unreadable.
func (service *Service) CachedGlobalStats(ctx context.Context) (_ *GlobalSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := service.db.GetStatsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if data != nil {
		var summary GlobalSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			service.log.Warn("discarding unreadable stats snapshot", zap.Error(err))
		} else {
			return &summary, nil
		}
	}

	mon.Meter("stats_snapshot_miss").Mark(1)
	return service.GlobalStats(ctx)
}

func approvedAt(record *photos.PhotoRecord) time.Time {
	if record.ApprovedAt == nil {
		return time.Time{}
	}
	return *record.ApprovedAt
}
