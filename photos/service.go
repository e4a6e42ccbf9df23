// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

package photos

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/objectstore"
)

var mon = monkit.Package()

var (
	// Error describes internal photos service error.
	Error = errs.Class("photos service")

	// ErrValidation occurs when a request carries bad input. Never retried.
	ErrValidation = errs.Class("validation")

	// ErrRateLimited occurs when a client exceeds its reservation window.
	ErrRateLimited = errs.Class("rate limited")

	// ErrQuotaExceeded occurs when a farm is at its approved photo cap. It
	// is a legitimate business state, not an infrastructure failure.
	ErrQuotaExceeded = errs.Class("quota exceeded")

	// ErrLeaseNotFound occurs when a lease is absent, expired or already
	// consumed. The client must restart the reservation flow.
	ErrLeaseNotFound = errs.Class("lease not found")

	// ErrObjectNotFound occurs when confirmation finds no uploaded object.
	// The client must re-upload and confirm again within the lease window.
	ErrObjectNotFound = errs.Class("object not found")

	// ErrPhotoNotFound occurs when a photo record does not exist.
	ErrPhotoNotFound = errs.Class("photo not found")

	// ErrNotPending occurs on a moderation transition from a state other
	// than pending.
	ErrNotPending = errs.Class("photo not pending")

	// ErrStorageUnavailable occurs when a store kept failing after bounded
	// retries. The caller may retry the whole call.
	ErrStorageUnavailable = errs.Class("storage unavailable")
)

// ActionReserve is the rate limited action name for upload reservations.
const ActionReserve = "reserve"

// Limiter restricts how often a client may perform an action.
type Limiter interface {
	// Allow records one attempt and reports whether it fit the window.
	Allow(ctx context.Context, clientID, action string) (bool, error)
}

// Service coordinates upload reservations, confirmations and moderation
// transitions for farm photos.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      DB
	objects objectstore.Store
	limiter Limiter
	config  Config
}

// NewService returns a new instance of Service.
func NewService(log *zap.Logger, db DB, objects objectstore.Store, limiter Limiter, config Config) *Service {
	return &Service{
		log:     log,
		db:      db,
		objects: objects,
		limiter: limiter,
		config:  config,
	}
}

// Reserve validates a reservation request, applies the rate limit and the
// optimistic quota check, and persists a time-boxed upload lease together
// with a direct-upload URL grant from the object store. No image bytes move
// through the service; the client uploads against the granted URL and then
// confirms.
func (service *Service) Reserve(ctx context.Context, clientID string, request ReserveRequest) (_ *Reservation, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validateReserve(request, service.config.MaxFileSize); err != nil {
		return nil, err
	}

	allowed, err := service.limiter.Allow(ctx, clientID, ActionReserve)
	if err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	if !allowed {
		mon.Meter("reserve_rate_limited").Mark(1)
		return nil, ErrRateLimited.New("too many reservations, slow down")
	}

	// Optimistic quota check for fast failure. Not the guarantee: the cap is
	// enforced atomically at the approve transition.
	photoID := request.ReplaceTargetID
	if request.Mode == ModeNew {
		approved, err := service.db.ApprovedCount(ctx, request.FarmID)
		if err != nil {
			return nil, err
		}
		if approved >= int64(service.config.QuotaCap) {
			mon.Meter("reserve_quota_denied").Mark(1)
			return nil, ErrQuotaExceeded.New("farm %q already displays %d photos", request.FarmID, approved)
		}
		photoID = uuid.New()
	} else {
		target, err := service.db.GetRecord(ctx, request.ReplaceTargetID)
		if err != nil {
			if ErrPhotoNotFound.Has(err) {
				return nil, ErrValidation.New("replace target %s does not exist", request.ReplaceTargetID)
			}
			return nil, err
		}
		if target.FarmID != request.FarmID {
			return nil, ErrValidation.New("replace target belongs to another farm")
		}
	}

	objectKey := ObjectKey(request.FarmID, photoID, request.ContentType)

	grant, err := service.objects.RequestUpload(ctx, objectKey, request.ContentType, request.FileSize)
	if err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}

	now := time.Now().UTC()
	lease := &UploadLease{
		ID:          uuid.New(),
		FarmID:      request.FarmID,
		PhotoID:     photoID,
		ObjectKey:   objectKey,
		FileName:    strings.TrimSpace(request.FileName),
		ContentType: request.ContentType,
		FileSize:    request.FileSize,
		Caption:     request.Caption,
		AuthorName:  request.AuthorName,
		AuthorEmail: request.AuthorEmail,
		Mode:        request.Mode,
		CreatedAt:   now,
		ExpiresAt:   now.Add(service.config.LeaseTTL),
	}
	if err := service.db.InsertLease(ctx, lease, service.config.LeaseTTL); err != nil {
		return nil, err
	}

	service.log.Info("upload lease issued",
		zap.String("farm", lease.FarmID),
		zap.Stringer("lease", lease.ID),
		zap.Stringer("photo", lease.PhotoID),
		zap.String("mode", string(lease.Mode)))

	return &Reservation{
		LeaseID:   lease.ID,
		UploadURL: grant.URL,
		ObjectKey: objectKey,
		ExpiresAt: lease.ExpiresAt,
	}, nil
}

// Confirm commits a finished upload into a pending photo record and consumes
// the lease. Confirmation is single use: the commit deletes the lease, so a
// second confirm of the same lease fails with ErrLeaseNotFound. A failed
// commit leaves the lease intact, so the client may retry within the lease
// window.
func (service *Service) Confirm(ctx context.Context, leaseID uuid.UUID) (_ *PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	lease, err := service.db.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}

	exists, err := service.objects.Exists(ctx, lease.ObjectKey)
	if err != nil {
		return nil, ErrStorageUnavailable.Wrap(err)
	}
	if !exists {
		return nil, ErrObjectNotFound.New("nothing uploaded at %q", lease.ObjectKey)
	}

	record := &PhotoRecord{
		ID:          lease.PhotoID,
		FarmID:      lease.FarmID,
		Caption:     lease.Caption,
		AuthorName:  lease.AuthorName,
		AuthorEmail: lease.AuthorEmail,
		ObjectKey:   lease.ObjectKey,
		URL:         service.publicURL(lease.ObjectKey),
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := service.db.CommitLease(ctx, lease, record); err != nil {
		return nil, err
	}

	service.log.Info("photo committed",
		zap.String("farm", record.FarmID),
		zap.Stringer("photo", record.ID),
		zap.String("mode", string(lease.Mode)))

	return record, nil
}

// Approve moves a pending photo into the approved set. This is the single
// enforcement point for the quota cap: the membership move and the cap check
// run as one atomic store operation, so concurrent approvals of a farm at
// cap-1 yield exactly one success. Approving an already approved photo is a
// no-op success.
func (service *Service) Approve(ctx context.Context, photoID uuid.UUID) (_ *PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.GetRecord(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusApproved {
		return record, nil
	}

	now := time.Now().UTC()
	record.Status = StatusApproved
	record.ApprovedAt = &now
	record.RejectedAt = nil
	record.ReviewNotes = ""
	record.ChangesRequested = false

	applied, err := service.db.ApproveRecord(ctx, record, service.config.QuotaCap)
	if err != nil {
		if ErrQuotaExceeded.Has(err) {
			mon.Meter("approve_quota_denied").Mark(1)
		}
		return nil, err
	}
	if !applied {
		// Lost the race against a concurrent approve; report the stored state.
		return service.db.GetRecord(ctx, photoID)
	}

	service.log.Info("photo approved",
		zap.String("farm", record.FarmID),
		zap.Stringer("photo", record.ID))

	return record, nil
}

// Reject moves a pending photo into the rejected set and stamps the review
// notes. Rejecting an already rejected photo is a no-op success; approved
// photos cannot be rejected, they are taken down with Remove.
func (service *Service) Reject(ctx context.Context, photoID uuid.UUID, notes string) (_ *PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateNotes(notes); err != nil {
		return nil, err
	}

	record, err := service.db.GetRecord(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRejected {
		return record, nil
	}

	now := time.Now().UTC()
	record.Status = StatusRejected
	record.RejectedAt = &now
	record.ReviewNotes = notes
	record.ChangesRequested = false

	applied, err := service.db.RejectRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	if !applied {
		return service.db.GetRecord(ctx, photoID)
	}

	service.log.Info("photo rejected",
		zap.String("farm", record.FarmID),
		zap.Stringer("photo", record.ID))

	return record, nil
}

// RequestChanges flags a pending photo so the author is asked to fix and
// resubmit. The photo stays in the pending set; only the record changes.
// Resubmission is a replace mode reservation targeting the same photo.
func (service *Service) RequestChanges(ctx context.Context, photoID uuid.UUID, notes string) (_ *PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateNotes(notes); err != nil {
		return nil, err
	}

	record, err := service.db.GetRecord(ctx, photoID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusPending {
		return nil, ErrNotPending.New("photo %s is %s", photoID, record.Status)
	}

	record.ReviewNotes = notes
	record.ChangesRequested = true

	if err := service.db.UpdatePendingRecord(ctx, record); err != nil {
		return nil, err
	}

	service.log.Info("photo changes requested",
		zap.String("farm", record.FarmID),
		zap.Stringer("photo", record.ID))

	return record, nil
}

// Remove takes a photo down: the record and its status set membership are
// both deleted, whichever set currently holds the id.
func (service *Service) Remove(ctx context.Context, photoID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.db.GetRecord(ctx, photoID)
	if err != nil {
		return err
	}

	if err := service.db.DeleteRecord(ctx, record); err != nil {
		return err
	}

	service.log.Info("photo removed",
		zap.String("farm", record.FarmID),
		zap.Stringer("photo", record.ID),
		zap.String("status", string(record.Status)))

	return nil
}

// GetPhoto returns a single photo record.
func (service *Service) GetPhoto(ctx context.Context, photoID uuid.UUID) (_ *PhotoRecord, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.GetRecord(ctx, photoID)
}

func (service *Service) publicURL(objectKey string) string {
	return strings.TrimSuffix(service.config.PublicURLBase, "/") + "/" + objectKey
}
