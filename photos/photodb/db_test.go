// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photodb_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/photos/photodb"
	"github.com/farmcompanion/farm-photos/private/kvstore"
	"github.com/farmcompanion/farm-photos/private/kvstore/rediskv"
	"github.com/farmcompanion/farm-photos/private/testcontext"
	"github.com/farmcompanion/farm-photos/private/testredis"
)

func fastRetry() photodb.RetryConfig {
	return photodb.RetryConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2,
		MaxAttempts:    3,
	}
}

func openDB(t *testing.T, ctx *testcontext.Context, server testredis.Server) (*photodb.DB, kvstore.Store) {
	store, err := rediskv.OpenClientFrom(ctx, server.URL())
	require.NoError(t, err)

	db := photodb.New(zaptest.NewLogger(t).Named("photodb"), store, fastRetry())
	return db, store
}

func newLease(farmID string) *photos.UploadLease {
	photoID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)
	return &photos.UploadLease{
		ID:          uuid.New(),
		FarmID:      farmID,
		PhotoID:     photoID,
		ObjectKey:   fmt.Sprintf("farms/%s/photos/%s.jpg", farmID, photoID),
		FileName:    "barn.jpg",
		ContentType: "image/jpeg",
		FileSize:    2048,
		Caption:     "the old barn",
		Mode:        photos.ModeNew,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

func newRecord(lease *photos.UploadLease) *photos.PhotoRecord {
	return &photos.PhotoRecord{
		ID:        lease.PhotoID,
		FarmID:    lease.FarmID,
		Caption:   lease.Caption,
		ObjectKey: lease.ObjectKey,
		URL:       "https://images.farmcompanion.co.uk/" + lease.ObjectKey,
		Status:    photos.StatusPending,
		CreatedAt: lease.CreatedAt,
	}
}

// commitPhoto seeds one committed pending photo for farmID.
func commitPhoto(t *testing.T, ctx *testcontext.Context, db *photodb.DB, farmID string) *photos.PhotoRecord {
	lease := newLease(farmID)
	require.NoError(t, db.InsertLease(ctx, lease, time.Minute))
	record := newRecord(lease)
	require.NoError(t, db.CommitLease(ctx, lease, record))
	return record
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	_, err = db.GetLease(ctx, uuid.New())
	require.True(t, photos.ErrLeaseNotFound.Has(err))

	lease := newLease("willow-farm")
	require.NoError(t, db.InsertLease(ctx, lease, time.Minute))

	got, err := db.GetLease(ctx, lease.ID)
	require.NoError(t, err)
	require.Equal(t, lease, got)
}

func TestLeaseExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Mini(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	lease := newLease("willow-farm")
	require.NoError(t, db.InsertLease(ctx, lease, time.Minute))

	server.FastForward(2 * time.Minute)

	_, err = db.GetLease(ctx, lease.ID)
	require.True(t, photos.ErrLeaseNotFound.Has(err))
}

func TestCommitLease(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	lease := newLease("willow-farm")
	require.NoError(t, db.InsertLease(ctx, lease, time.Minute))
	record := newRecord(lease)

	require.NoError(t, db.CommitLease(ctx, lease, record))

	got, err := db.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, record, got)

	snapshot, err := db.FarmIndex(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 1, snapshot.Pending)
	require.EqualValues(t, 0, snapshot.Approved)

	// the lease is consumed together with the commit
	_, err = db.GetLease(ctx, lease.ID)
	require.True(t, photos.ErrLeaseNotFound.Has(err))

	// and a second commit of the same lease reports exactly that
	err = db.CommitLease(ctx, lease, record)
	require.True(t, photos.ErrLeaseNotFound.Has(err))

	snapshot, err = db.FarmIndex(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 1, snapshot.Pending)
}

func TestCommitLeaseReplace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	original := commitPhoto(t, ctx, db, "willow-farm")
	original.Status = photos.StatusApproved
	applied, err := db.ApproveRecord(ctx, original, 5)
	require.NoError(t, err)
	require.True(t, applied)

	// replacing re-enters moderation under the same photo id
	lease := newLease("willow-farm")
	lease.PhotoID = original.ID
	lease.ObjectKey = fmt.Sprintf("farms/willow-farm/photos/%s.png", original.ID)
	lease.Mode = photos.ModeReplace
	require.NoError(t, db.InsertLease(ctx, lease, time.Minute))

	replacement := newRecord(lease)
	require.NoError(t, db.CommitLease(ctx, lease, replacement))

	snapshot, err := db.FarmIndex(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 1, snapshot.Pending)
	require.EqualValues(t, 0, snapshot.Approved)
	require.EqualValues(t, 0, snapshot.Rejected)

	got, err := db.GetRecord(ctx, original.ID)
	require.NoError(t, err)
	require.Equal(t, photos.StatusPending, got.Status)
	require.Equal(t, lease.ObjectKey, got.ObjectKey)
}

func TestApproveRecord(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	record := commitPhoto(t, ctx, db, "willow-farm")

	record.Status = photos.StatusApproved
	now := time.Now().UTC().Truncate(time.Second)
	record.ApprovedAt = &now

	applied, err := db.ApproveRecord(ctx, record, 5)
	require.NoError(t, err)
	require.True(t, applied)

	count, err := db.ApprovedCount(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// approving twice is reported, not an error
	applied, err = db.ApproveRecord(ctx, record, 5)
	require.NoError(t, err)
	require.False(t, applied)

	count, err = db.ApprovedCount(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// a photo that was never committed is not pending
	stray := newRecord(newLease("willow-farm"))
	_, err = db.ApproveRecord(ctx, stray, 5)
	require.True(t, photos.ErrNotPending.Has(err))
}

func TestApproveRecordQuota(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	const quota = 2
	for i := 0; i < quota; i++ {
		record := commitPhoto(t, ctx, db, "willow-farm")
		record.Status = photos.StatusApproved
		applied, err := db.ApproveRecord(ctx, record, quota)
		require.NoError(t, err)
		require.True(t, applied)
	}

	extra := commitPhoto(t, ctx, db, "willow-farm")
	extra.Status = photos.StatusApproved
	_, err = db.ApproveRecord(ctx, extra, quota)
	require.True(t, photos.ErrQuotaExceeded.Has(err))

	// the photo stays pending, so it can be approved after a removal
	snapshot, err := db.FarmIndex(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 1, snapshot.Pending)
	require.EqualValues(t, quota, snapshot.Approved)

	// quota binds per farm, not globally
	other := commitPhoto(t, ctx, db, "meadow-farm")
	other.Status = photos.StatusApproved
	applied, err := db.ApproveRecord(ctx, other, quota)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestApproveRecordConcurrent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	const quota = 5
	for i := 0; i < quota-1; i++ {
		record := commitPhoto(t, ctx, db, "willow-farm")
		record.Status = photos.StatusApproved
		applied, err := db.ApproveRecord(ctx, record, quota)
		require.NoError(t, err)
		require.True(t, applied)
	}

	// one slot left and many moderators racing for it
	const racers = 8
	pending := make([]*photos.PhotoRecord, racers)
	for i := range pending {
		pending[i] = commitPhoto(t, ctx, db, "willow-farm")
		pending[i].Status = photos.StatusApproved
	}

	var approved, refused int64
	var group errgroup.Group
	for _, record := range pending {
		record := record
		group.Go(func() error {
			applied, err := db.ApproveRecord(ctx, record, quota)
			switch {
			case err == nil && applied:
				atomic.AddInt64(&approved, 1)
				return nil
			case photos.ErrQuotaExceeded.Has(err):
				atomic.AddInt64(&refused, 1)
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, group.Wait())

	require.EqualValues(t, 1, approved)
	require.EqualValues(t, racers-1, refused)

	count, err := db.ApprovedCount(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, quota, count)
}

func TestRejectRecord(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	record := commitPhoto(t, ctx, db, "willow-farm")
	record.Status = photos.StatusRejected
	record.ReviewNotes = "image is too dark"

	applied, err := db.RejectRecord(ctx, record)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := db.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, photos.StatusRejected, got.Status)
	require.Equal(t, "image is too dark", got.ReviewNotes)

	applied, err = db.RejectRecord(ctx, record)
	require.NoError(t, err)
	require.False(t, applied)

	// rejection does not consume quota
	count, err := db.ApprovedCount(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	// an approved photo cannot be rejected
	approvedRecord := commitPhoto(t, ctx, db, "willow-farm")
	approvedRecord.Status = photos.StatusApproved
	_, err = db.ApproveRecord(ctx, approvedRecord, 5)
	require.NoError(t, err)
	_, err = db.RejectRecord(ctx, approvedRecord)
	require.True(t, photos.ErrNotPending.Has(err))
}

func TestUpdatePendingRecord(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	record := commitPhoto(t, ctx, db, "willow-farm")
	record.ChangesRequested = true
	record.ReviewNotes = "please crop out the parked car"

	require.NoError(t, db.UpdatePendingRecord(ctx, record))

	got, err := db.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, got.ChangesRequested)
	require.Equal(t, photos.StatusPending, got.Status)

	record.Status = photos.StatusApproved
	_, err = db.ApproveRecord(ctx, record, 5)
	require.NoError(t, err)

	err = db.UpdatePendingRecord(ctx, record)
	require.True(t, photos.ErrNotPending.Has(err))
}

func TestDeleteRecord(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	record := commitPhoto(t, ctx, db, "willow-farm")
	record.Status = photos.StatusApproved
	_, err = db.ApproveRecord(ctx, record, 5)
	require.NoError(t, err)

	require.NoError(t, db.DeleteRecord(ctx, record))

	_, err = db.GetRecord(ctx, record.ID)
	require.True(t, photos.ErrPhotoNotFound.Has(err))

	// removal frees the quota slot
	count, err := db.ApprovedCount(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	err = db.DeleteRecord(ctx, record)
	require.True(t, photos.ErrPhotoNotFound.Has(err))
}

func TestGetRecords(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	first := commitPhoto(t, ctx, db, "willow-farm")
	second := commitPhoto(t, ctx, db, "willow-farm")

	records, err := db.GetRecords(ctx, []uuid.UUID{first.ID, uuid.New(), second.ID})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)

	records, err = db.GetRecords(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFarmIndex(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	snapshot, err := db.FarmIndex(ctx, "empty-farm")
	require.NoError(t, err)
	require.EqualValues(t, 0, snapshot.Total())
	require.Empty(t, snapshot.ApprovedIDs)

	approvedRecord := commitPhoto(t, ctx, db, "willow-farm")
	approvedRecord.Status = photos.StatusApproved
	_, err = db.ApproveRecord(ctx, approvedRecord, 5)
	require.NoError(t, err)

	commitPhoto(t, ctx, db, "willow-farm")

	rejectedRecord := commitPhoto(t, ctx, db, "willow-farm")
	rejectedRecord.Status = photos.StatusRejected
	_, err = db.RejectRecord(ctx, rejectedRecord)
	require.NoError(t, err)

	snapshot, err = db.FarmIndex(ctx, "willow-farm")
	require.NoError(t, err)
	require.Equal(t, "willow-farm", snapshot.FarmID)
	require.EqualValues(t, 1, snapshot.Pending)
	require.EqualValues(t, 1, snapshot.Approved)
	require.EqualValues(t, 1, snapshot.Rejected)
	require.EqualValues(t, 3, snapshot.Total())
	require.Equal(t, []uuid.UUID{approvedRecord.ID}, snapshot.ApprovedIDs)
}

func TestIterateIndex(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	commitPhoto(t, ctx, db, "willow-farm")
	commitPhoto(t, ctx, db, "willow-farm")
	record := commitPhoto(t, ctx, db, "meadow-farm")
	record.Status = photos.StatusApproved
	_, err = db.ApproveRecord(ctx, record, 5)
	require.NoError(t, err)

	// sets may be visited twice across scan pages, so keep the last value
	counts := make(map[string]int64)
	skipped, err := db.IterateIndex(ctx, 2, func(farmID string, status photos.Status, count int64) error {
		counts[farmID+"/"+string(status)] = count
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, skipped)
	require.EqualValues(t, 2, counts["willow-farm/pending"])
	require.EqualValues(t, 1, counts["meadow-farm/approved"])

	// keys that match the index pattern but are not readable sets are
	// counted, never fatal
	require.NoError(t, store.Put(ctx, kvstore.Key("farm:ghost-farm:photos:pending"), kvstore.Value("junk")))
	_, err = store.SetAdd(ctx, kvstore.Key("farm:odd-farm:photos:archived"), kvstore.Value("x"))
	require.NoError(t, err)

	skipped, err = db.IterateIndex(ctx, 2, func(farmID string, status photos.Status, count int64) error {
		require.NotEqual(t, "ghost-farm", farmID)
		require.NotEqual(t, "odd-farm", farmID)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, skipped)

	// callback errors abort the walk
	boom := fmt.Errorf("boom")
	_, err = db.IterateIndex(ctx, 2, func(string, photos.Status, int64) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestStatsSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	db, store := openDB(t, ctx, server)
	defer ctx.Check(store.Close)

	data, err := db.GetStatsSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, db.PutStatsSnapshot(ctx, []byte(`{"totalFarms":3}`), time.Minute))

	data, err = db.GetStatsSnapshot(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"totalFarms":3}`, string(data))
}

func TestRetryExhaustion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)

	store, err := rediskv.OpenClientFrom(ctx, server.URL())
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	db := photodb.New(zaptest.NewLogger(t).Named("photodb"), store, fastRetry())

	// with the store down every attempt fails and the bounded retry
	// gives up with a storage error
	require.NoError(t, server.Close())

	_, err = db.GetRecord(ctx, uuid.New())
	require.True(t, photos.ErrStorageUnavailable.Has(err))
}
