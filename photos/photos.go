// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package photos implements the upload reservation, confirmation and
// moderation pipeline for farm listing photos.
//
// End users never upload through this service. They reserve an upload,
// receive a time-limited direct-upload URL for the object store, upload out
// of band, and then confirm. Confirmed photos enter moderation as pending
// and only approved photos count against a farm's quota.
package photos

import (
	"time"

	"github.com/google/uuid"
)

// Status is the moderation state of a photo. A photo id is a member of
// exactly one per-farm status set at any time.
type Status string

// Moderation states.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Statuses lists every status set kept per farm.
var Statuses = []Status{StatusPending, StatusApproved, StatusRejected}

// UploadMode selects whether a reservation adds a new photo or replaces an
// existing one in place.
type UploadMode string

// Upload modes.
const (
	ModeNew     UploadMode = "new"
	ModeReplace UploadMode = "replace"
)

// UploadLease is a time-boxed reservation recording intent to upload. It is
// consumed exactly once by confirmation or silently expires in the store.
// Expiry releases nothing explicitly because quota is derived from the
// approved set, never held by leases.
type UploadLease struct {
	ID          uuid.UUID  `json:"id"`
	FarmID      string     `json:"farmId"`
	PhotoID     uuid.UUID  `json:"photoId"`
	ObjectKey   string     `json:"objectKey"`
	FileName    string     `json:"fileName"`
	ContentType string     `json:"contentType"`
	FileSize    int64      `json:"fileSize"`
	Caption     string     `json:"caption,omitempty"`
	AuthorName  string     `json:"authorName,omitempty"`
	AuthorEmail string     `json:"authorEmail,omitempty"`
	Mode        UploadMode `json:"mode"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// PhotoRecord is a committed photo. Created by confirmation with status
// pending, mutated only by moderation, and deleted only by explicit removal.
type PhotoRecord struct {
	ID               uuid.UUID  `json:"id"`
	FarmID           string     `json:"farmId"`
	Caption          string     `json:"caption,omitempty"`
	AuthorName       string     `json:"authorName,omitempty"`
	AuthorEmail      string     `json:"authorEmail,omitempty"`
	ObjectKey        string     `json:"objectKey"`
	URL              string     `json:"url"`
	Status           Status     `json:"status"`
	ChangesRequested bool       `json:"changesRequested,omitempty"`
	ReviewNotes      string     `json:"reviewNotes,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ApprovedAt       *time.Time `json:"approvedAt,omitempty"`
	RejectedAt       *time.Time `json:"rejectedAt,omitempty"`
}

// ReserveRequest is the input for reserving an upload.
type ReserveRequest struct {
	FarmID          string     `json:"-"`
	FileName        string     `json:"fileName"`
	ContentType     string     `json:"contentType"`
	FileSize        int64      `json:"fileSize"`
	Mode            UploadMode `json:"mode"`
	ReplaceTargetID uuid.UUID  `json:"replaceTargetId,omitempty"`
	Caption         string     `json:"caption,omitempty"`
	AuthorName      string     `json:"authorName,omitempty"`
	AuthorEmail     string     `json:"authorEmail,omitempty"`
}

// Reservation is the result of reserving an upload. The client uploads the
// image bytes to UploadURL before ExpiresAt and then confirms with LeaseID.
type Reservation struct {
	LeaseID   uuid.UUID `json:"leaseId"`
	UploadURL string    `json:"uploadUrl"`
	ObjectKey string    `json:"objectKey"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IndexSnapshot is a consistent read of one farm's photo index: the three
// set cardinalities plus the members of the approved set.
type IndexSnapshot struct {
	FarmID      string
	Pending     int64
	Approved    int64
	Rejected    int64
	ApprovedIDs []uuid.UUID
}

// Total returns the number of photo ids indexed for the farm.
func (snapshot IndexSnapshot) Total() int64 {
	return snapshot.Pending + snapshot.Approved + snapshot.Rejected
}
