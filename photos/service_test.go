// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photos_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/farmcompanion/farm-photos/objectstore/teststore"
	"github.com/farmcompanion/farm-photos/photos"
	"github.com/farmcompanion/farm-photos/photos/photodb"
	"github.com/farmcompanion/farm-photos/private/kvstore"
	"github.com/farmcompanion/farm-photos/private/kvstore/rediskv"
	"github.com/farmcompanion/farm-photos/private/memory"
	"github.com/farmcompanion/farm-photos/private/testcontext"
	"github.com/farmcompanion/farm-photos/private/testredis"
	"github.com/farmcompanion/farm-photos/ratelimit"
)

const testClient = "203.0.113.9"

func testConfig() photos.Config {
	return photos.Config{
		QuotaCap:      5,
		LeaseTTL:      10 * time.Minute,
		MaxFileSize:   5 * memory.MiB,
		PublicURLBase: "https://images.farmcompanion.co.uk",
	}
}

type testPhotos struct {
	*photos.Service
	objects *teststore.Store
	db      *photodb.DB
	store   kvstore.Store
}

func newTestPhotos(t *testing.T, ctx *testcontext.Context, server testredis.Server, config photos.Config, limits ratelimit.Config) *testPhotos {
	log := zaptest.NewLogger(t)

	store, err := rediskv.OpenClientFrom(ctx, server.URL())
	require.NoError(t, err)

	db := photodb.New(log.Named("photodb"), store, photodb.RetryConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2,
		MaxAttempts:    3,
	})
	objects := teststore.New()
	limiter := ratelimit.NewLimiter(store, limits)

	return &testPhotos{
		Service: photos.NewService(log.Named("photos"), db, objects, limiter, config),
		objects: objects,
		db:      db,
		store:   store,
	}
}

func openPhotos(t *testing.T, ctx *testcontext.Context, server testredis.Server) *testPhotos {
	return newTestPhotos(t, ctx, server, testConfig(), ratelimit.Config{
		Window: time.Minute,
		Cap:    1000,
	})
}

func validReserve(farmID string) photos.ReserveRequest {
	return photos.ReserveRequest{
		FarmID:      farmID,
		FileName:    "barn.jpg",
		ContentType: "image/jpeg",
		FileSize:    memory.MiB.Int64(),
		Mode:        photos.ModeNew,
		Caption:     "the old barn at dusk",
		AuthorName:  "Sam Waters",
		AuthorEmail: "sam@example.com",
	}
}

// commit walks one photo through reserve, upload and confirm.
func (tp *testPhotos) commit(t *testing.T, ctx *testcontext.Context, farmID string) *photos.PhotoRecord {
	reservation, err := tp.Reserve(ctx, testClient, validReserve(farmID))
	require.NoError(t, err)
	tp.objects.Upload(reservation.ObjectKey, "image/jpeg", memory.MiB.Int64())
	record, err := tp.Confirm(ctx, reservation.LeaseID)
	require.NoError(t, err)
	return record
}

func TestReserveAndConfirm(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	reservation, err := tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.UUID{}, reservation.LeaseID)
	require.NotEmpty(t, reservation.UploadURL)
	require.True(t, strings.HasPrefix(reservation.ObjectKey, "farms/willow-farm/photos/"))
	require.True(t, strings.HasSuffix(reservation.ObjectKey, ".jpg"))
	require.True(t, reservation.ExpiresAt.After(time.Now()))

	tp.objects.Upload(reservation.ObjectKey, "image/jpeg", memory.MiB.Int64())

	record, err := tp.Confirm(ctx, reservation.LeaseID)
	require.NoError(t, err)
	require.Equal(t, "willow-farm", record.FarmID)
	require.Equal(t, photos.StatusPending, record.Status)
	require.Equal(t, reservation.ObjectKey, record.ObjectKey)
	require.Equal(t, "https://images.farmcompanion.co.uk/"+reservation.ObjectKey, record.URL)
	require.Equal(t, "the old barn at dusk", record.Caption)
	require.Nil(t, record.ApprovedAt)

	// a lease confirms exactly once
	_, err = tp.Confirm(ctx, reservation.LeaseID)
	require.True(t, photos.ErrLeaseNotFound.Has(err))
}

func TestReserveValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	for _, tt := range []struct {
		name   string
		change func(*photos.ReserveRequest)
	}{
		{"missing farm id", func(r *photos.ReserveRequest) { r.FarmID = "" }},
		{"uppercase farm id", func(r *photos.ReserveRequest) { r.FarmID = "Willow-Farm" }},
		{"missing file name", func(r *photos.ReserveRequest) { r.FileName = "   " }},
		{"path in file name", func(r *photos.ReserveRequest) { r.FileName = "../evil.jpg" }},
		{"disallowed content type", func(r *photos.ReserveRequest) { r.ContentType = "image/gif" }},
		{"zero file size", func(r *photos.ReserveRequest) { r.FileSize = 0 }},
		{"oversized file", func(r *photos.ReserveRequest) { r.FileSize = 6 * memory.MiB.Int64() }},
		{"unknown mode", func(r *photos.ReserveRequest) { r.Mode = "overwrite" }},
		{"replace without target", func(r *photos.ReserveRequest) { r.Mode = photos.ModeReplace }},
		{"new with target", func(r *photos.ReserveRequest) { r.ReplaceTargetID = uuid.New() }},
		{"bad author email", func(r *photos.ReserveRequest) { r.AuthorEmail = "not-an-address" }},
	} {
		request := validReserve("willow-farm")
		tt.change(&request)
		_, err := tp.Reserve(ctx, testClient, request)
		require.True(t, photos.ErrValidation.Has(err), tt.name)
	}

	// invalid requests never consume an upload grant
	require.Zero(t, tp.objects.Grants())
}

func TestReserveRateLimit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Mini(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := newTestPhotos(t, ctx, server, testConfig(), ratelimit.Config{
		Window: time.Minute,
		Cap:    2,
	})
	defer ctx.Check(tp.store.Close)

	for i := 0; i < 2; i++ {
		_, err := tp.Reserve(ctx, testClient, validReserve("willow-farm"))
		require.NoError(t, err)
	}

	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.True(t, photos.ErrRateLimited.Has(err))

	// another client is not affected
	_, err = tp.Reserve(ctx, "203.0.113.10", validReserve("willow-farm"))
	require.NoError(t, err)

	// the window reopens after it expires
	server.FastForward(61 * time.Second)
	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.NoError(t, err)
}

func TestReserveQuota(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	var last *photos.PhotoRecord
	for i := 0; i < testConfig().QuotaCap; i++ {
		record := tp.commit(t, ctx, "willow-farm")
		_, err := tp.Approve(ctx, record.ID)
		require.NoError(t, err)
		last = record
	}

	// a full farm cannot reserve new uploads
	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.True(t, photos.ErrQuotaExceeded.Has(err))

	// but replacing an existing photo is always allowed
	request := validReserve("willow-farm")
	request.Mode = photos.ModeReplace
	request.ReplaceTargetID = last.ID
	reservation, err := tp.Reserve(ctx, testClient, request)
	require.NoError(t, err)
	require.True(t, strings.Contains(reservation.ObjectKey, last.ID.String()))

	// and other farms are unaffected
	_, err = tp.Reserve(ctx, testClient, validReserve("meadow-farm"))
	require.NoError(t, err)
}

func TestReserveReplaceTarget(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	request := validReserve("willow-farm")
	request.Mode = photos.ModeReplace
	request.ReplaceTargetID = uuid.New()
	_, err = tp.Reserve(ctx, testClient, request)
	require.True(t, photos.ErrValidation.Has(err))

	// the target must belong to the reserving farm
	record := tp.commit(t, ctx, "meadow-farm")
	request.ReplaceTargetID = record.ID
	_, err = tp.Reserve(ctx, testClient, request)
	require.True(t, photos.ErrValidation.Has(err))
}

func TestReplaceAtQuota(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	config := testConfig()
	var target *photos.PhotoRecord
	for i := 0; i < config.QuotaCap; i++ {
		record := tp.commit(t, ctx, "willow-farm")
		_, err := tp.Approve(ctx, record.ID)
		require.NoError(t, err)
		target = record
	}

	request := validReserve("willow-farm")
	request.Mode = photos.ModeReplace
	request.ReplaceTargetID = target.ID
	reservation, err := tp.Reserve(ctx, testClient, request)
	require.NoError(t, err)

	tp.objects.Upload(reservation.ObjectKey, "image/jpeg", memory.MiB.Int64())
	replacement, err := tp.Confirm(ctx, reservation.LeaseID)
	require.NoError(t, err)
	require.Equal(t, target.ID, replacement.ID)
	require.Equal(t, photos.StatusPending, replacement.Status)

	// the commit demoted the replaced photo, freeing its approved slot
	count, err := tp.db.ApprovedCount(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, config.QuotaCap-1, count)

	approved, err := tp.Approve(ctx, replacement.ID)
	require.NoError(t, err)
	require.Equal(t, photos.StatusApproved, approved.Status)

	// the farm ends where it started, exactly at the cap
	snapshot, err := tp.db.FarmIndex(ctx, "willow-farm")
	require.NoError(t, err)
	require.EqualValues(t, config.QuotaCap, snapshot.Approved)
	require.EqualValues(t, 0, snapshot.Pending)
	require.EqualValues(t, 0, snapshot.Rejected)

	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.True(t, photos.ErrQuotaExceeded.Has(err))
}

func TestConfirmRequiresUpload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	reservation, err := tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.NoError(t, err)

	_, err = tp.Confirm(ctx, reservation.LeaseID)
	require.True(t, photos.ErrObjectNotFound.Has(err))

	// a failed confirm leaves the lease intact for a retry
	tp.objects.Upload(reservation.ObjectKey, "image/jpeg", memory.MiB.Int64())
	record, err := tp.Confirm(ctx, reservation.LeaseID)
	require.NoError(t, err)
	require.Equal(t, photos.StatusPending, record.Status)
}

func TestConfirmExpiredLease(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Mini(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	reservation, err := tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.NoError(t, err)
	tp.objects.Upload(reservation.ObjectKey, "image/jpeg", memory.MiB.Int64())

	server.FastForward(11 * time.Minute)

	_, err = tp.Confirm(ctx, reservation.LeaseID)
	require.True(t, photos.ErrLeaseNotFound.Has(err))
}

func TestModerationFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	record := tp.commit(t, ctx, "willow-farm")

	flagged, err := tp.RequestChanges(ctx, record.ID, "crop out the parked car")
	require.NoError(t, err)
	require.True(t, flagged.ChangesRequested)
	require.Equal(t, photos.StatusPending, flagged.Status)
	require.Equal(t, "crop out the parked car", flagged.ReviewNotes)

	approved, err := tp.Approve(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, photos.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.False(t, approved.ChangesRequested)
	require.Empty(t, approved.ReviewNotes)

	// approving an approved photo reports the stored state
	again, err := tp.Approve(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, photos.StatusApproved, again.Status)

	// approved photos leave moderation for good
	_, err = tp.Reject(ctx, record.ID, "nope")
	require.True(t, photos.ErrNotPending.Has(err))
	_, err = tp.RequestChanges(ctx, record.ID, "nope")
	require.True(t, photos.ErrNotPending.Has(err))
}

func TestReject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	record := tp.commit(t, ctx, "willow-farm")

	rejected, err := tp.Reject(ctx, record.ID, "image is too dark")
	require.NoError(t, err)
	require.Equal(t, photos.StatusRejected, rejected.Status)
	require.Equal(t, "image is too dark", rejected.ReviewNotes)
	require.NotNil(t, rejected.RejectedAt)

	// rejecting a rejected photo is a no-op success
	again, err := tp.Reject(ctx, record.ID, "still too dark")
	require.NoError(t, err)
	require.Equal(t, photos.StatusRejected, again.Status)
	require.Equal(t, "image is too dark", again.ReviewNotes)

	_, err = tp.Reject(ctx, uuid.New(), "ghost")
	require.True(t, photos.ErrPhotoNotFound.Has(err))

	// oversized notes are refused before any store access
	_, err = tp.Reject(ctx, record.ID, strings.Repeat("x", 1001))
	require.True(t, photos.ErrValidation.Has(err))
}

func TestRemove(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	config := testConfig()
	var photoIDs []uuid.UUID
	for i := 0; i < config.QuotaCap; i++ {
		record := tp.commit(t, ctx, "willow-farm")
		_, err := tp.Approve(ctx, record.ID)
		require.NoError(t, err)
		photoIDs = append(photoIDs, record.ID)
	}

	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.True(t, photos.ErrQuotaExceeded.Has(err))

	require.NoError(t, tp.Remove(ctx, photoIDs[0]))

	_, err = tp.GetPhoto(ctx, photoIDs[0])
	require.True(t, photos.ErrPhotoNotFound.Has(err))

	// removal frees the quota slot for new reservations
	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.NoError(t, err)

	require.True(t, photos.ErrPhotoNotFound.Has(tp.Remove(ctx, photoIDs[0])))
}

func TestReserveObjectStoreDown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	defer ctx.Check(server.Close)

	tp := openPhotos(t, ctx, server)
	defer ctx.Check(tp.store.Close)

	tp.objects.SetError(errs.New("injected outage"))

	_, err = tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.True(t, photos.ErrStorageUnavailable.Has(err))

	tp.objects.SetError(nil)
	reservation, err := tp.Reserve(ctx, testClient, validReserve("willow-farm"))
	require.NoError(t, err)
	tp.objects.Upload(reservation.ObjectKey, "image/jpeg", memory.MiB.Int64())

	// an unreachable store also fails confirmation
	tp.objects.SetError(errs.New("injected outage"))
	_, err = tp.Confirm(ctx, reservation.LeaseID)
	require.True(t, photos.ErrStorageUnavailable.Has(err))
}
