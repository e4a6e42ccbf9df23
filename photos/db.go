// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photos

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DB stores upload leases, photo records and the per-farm status index.
//
// Every conditional mutation is atomic against a single farm's keys; there
// are no multi-key transactions and no read-then-write sequences. Transient
// store failures are retried internally and surface as ErrStorageUnavailable
// once retries are exhausted.
//
// architecture: Database
type DB interface {
	// InsertLease persists a lease that the store expires on its own after ttl.
	InsertLease(ctx context.Context, lease *UploadLease, ttl time.Duration) error
	// GetLease returns a live lease or ErrLeaseNotFound.
	GetLease(ctx context.Context, id uuid.UUID) (*UploadLease, error)
	// CommitLease atomically indexes the record as pending, persists it and
	// consumes the lease. Replace mode leases first drop the photo id from
	// whichever status set holds it, so the commit overwrites in place.
	// Fails with ErrLeaseNotFound when the lease was already consumed.
	CommitLease(ctx context.Context, lease *UploadLease, record *PhotoRecord) error

	// GetRecord returns the photo record or ErrPhotoNotFound.
	GetRecord(ctx context.Context, id uuid.UUID) (*PhotoRecord, error)
	// GetRecords returns the records for ids in order, skipping missing ones.
	GetRecords(ctx context.Context, ids []uuid.UUID) ([]*PhotoRecord, error)

	// ApproveRecord moves the photo id from pending to approved and persists
	// record, but only while the approved set holds fewer than quota members.
	// Returns applied=false without touching anything when the id is already
	// approved. Fails with ErrQuotaExceeded at the cap and ErrNotPending when
	// the id is not in the pending set.
	ApproveRecord(ctx context.Context, record *PhotoRecord, quota int) (applied bool, err error)
	// RejectRecord moves the photo id from pending to rejected and persists
	// record. Returns applied=false when the id is already rejected and
	// fails with ErrNotPending when it is not in the pending set.
	RejectRecord(ctx context.Context, record *PhotoRecord) (applied bool, err error)
	// UpdatePendingRecord persists record while its id stays in the pending
	// set, failing with ErrNotPending otherwise.
	UpdatePendingRecord(ctx context.Context, record *PhotoRecord) error
	// DeleteRecord removes the record and its membership from whichever
	// status set holds it, failing with ErrPhotoNotFound when no set does.
	DeleteRecord(ctx context.Context, record *PhotoRecord) error

	// ApprovedCount returns the cardinality of the farm's approved set, the
	// sole canonical quota counter.
	ApprovedCount(ctx context.Context, farmID string) (int64, error)
	// FarmIndex reads the three cardinalities and the approved members of
	// one farm in a single store round trip.
	FarmIndex(ctx context.Context, farmID string) (*IndexSnapshot, error)
	// IterateIndex visits every per-farm status set using bounded scan
	// pages, yielding each set's farm, status and cardinality. Unreadable
	// keys are skipped, not fatal, and reported in skipped; the same set
	// may be yielded twice.
	IterateIndex(ctx context.Context, pageSize int64, fn func(farmID string, status Status, count int64) error) (skipped int64, err error)

	// PutStatsSnapshot caches a serialized global summary with a ttl.
	PutStatsSnapshot(ctx context.Context, data []byte, ttl time.Duration) error
	// GetStatsSnapshot returns the cached global summary, or nil when the
	// cache is cold.
	GetStatsSnapshot(ctx context.Context) ([]byte, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
